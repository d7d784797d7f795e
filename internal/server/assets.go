package server

import (
	"embed"
	"path"
	"strings"
)

//go:embed static
var staticFS embed.FS

// asset returns an embedded static file by name.
func asset(name string) ([]byte, bool) {
	data, err := staticFS.ReadFile(path.Join("static", name))
	if err != nil {
		return nil, false
	}
	return data, true
}

// contentType maps an asset name to its MIME type.
func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".html":
		return "text/html; charset=utf-8"
	case ".js":
		return "application/javascript"
	case ".css":
		return "text/css"
	case ".svg":
		return "image/svg+xml"
	case ".png":
		return "image/png"
	case ".ico":
		return "image/x-icon"
	default:
		return "application/octet-stream"
	}
}

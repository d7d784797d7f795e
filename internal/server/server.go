// Package server exposes sessions over HTTP: the terminal page, its static
// assets, and the websocket endpoint viewers connect to.
package server

import (
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/nn1a/rwshell/internal/session"
	"github.com/nn1a/rwshell/internal/ws"
)

// Registry maps session IDs to their controllers. One process usually hosts
// a single session, but the HTTP layer is written against the registry so
// embedders can host several.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session.Controller
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*session.Controller)}
}

// Add registers a session controller.
func (r *Registry) Add(c *session.Controller) {
	r.mu.Lock()
	r.sessions[c.ID()] = c
	r.mu.Unlock()
}

// Get returns the controller for the session ID, or nil.
func (r *Registry) Get(id string) *session.Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Remove drops a session from the registry. The controller itself is not
// shut down; the owner does that.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// NewRouter builds the gin engine serving the HTTP surface.
func NewRouter(reg *Registry) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/s/:sid/", func(c *gin.Context) {
		servePage(c, reg)
	})
	r.GET("/s/:sid/ws/", func(c *gin.Context) {
		serveSocket(c, reg)
	})
	r.GET("/s/:sid/static/*filepath", serveStatic)
	r.NoRoute(serve404)

	return r
}

// servePage renders the terminal page for a session.
func servePage(c *gin.Context, reg *Registry) {
	sid := c.Param("sid")
	if reg.Get(sid) == nil {
		serve404(c)
		return
	}

	template, ok := asset("index.html")
	if !ok {
		c.String(http.StatusInternalServerError, "terminal page missing")
		return
	}

	pathPrefix := fmt.Sprintf("/s/%s", sid)
	wsPath := fmt.Sprintf("%s/ws/", pathPrefix)

	page := strings.ReplaceAll(string(template), "__PathPrefix__", pathPrefix)
	page = strings.ReplaceAll(page, "__WSPath__", fmt.Sprintf("%q", wsPath))

	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(page))
}

// serveSocket upgrades the connection and attaches it to the session. The
// readonly query flag requests a read-only viewer; a read-only session
// forces it regardless.
func serveSocket(c *gin.Context, reg *Registry) {
	sid := c.Param("sid")
	sess := reg.Get(sid)
	if sess == nil {
		c.String(http.StatusNotFound, "session not found")
		return
	}

	writable := c.Query("readonly") == ""
	if err := ws.Handle(c.Writer, c.Request, sess, writable); err != nil {
		log.Printf("server: websocket upgrade for session %s: %v", sid, err)
	}
}

// serveStatic serves embedded assets under the session path prefix.
func serveStatic(c *gin.Context) {
	name := strings.TrimPrefix(c.Param("filepath"), "/")
	data, ok := asset(name)
	if !ok {
		serve404(c)
		return
	}
	c.Data(http.StatusOK, contentType(name), data)
}

func serve404(c *gin.Context) {
	if page, ok := asset("404.html"); ok {
		c.Data(http.StatusNotFound, "text/html; charset=utf-8", page)
		return
	}
	c.String(http.StatusNotFound, "404 - Page Not Found")
}

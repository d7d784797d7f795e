// Command rwshell shares the local terminal over the web: it runs a shell
// (or any command) under a PTY and serves it to browser viewers through a
// websocket endpoint.
package main

import (
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/nn1a/rwshell/internal/db"
	"github.com/nn1a/rwshell/internal/pty"
	"github.com/nn1a/rwshell/internal/repository"
	"github.com/nn1a/rwshell/internal/server"
	"github.com/nn1a/rwshell/internal/session"
)

const version = "0.1.0"

var (
	flagListen       string
	flagCommand      string
	flagArgs         string
	flagReadonly     bool
	flagHeadless     bool
	flagHeadlessCols uint16
	flagHeadlessRows uint16
	flagUUID         string
	flagDB           string
	flagVerbose      bool
	flagVersion      bool
)

var rootCmd = &cobra.Command{
	Use:           "rwshell",
	Short:         "Share your terminal over the web",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flagListen, "listen", "127.0.0.1:8000", "address to listen on")
	f.StringVar(&flagCommand, "command", defaultShell(), "the command to run")
	f.StringVar(&flagArgs, "args", "", "the command arguments")
	f.BoolVar(&flagReadonly, "readonly", false, "start a read-only session")
	f.BoolVar(&flagHeadless, "headless", false, "don't expect an interactive terminal at stdin")
	f.Uint16Var(&flagHeadlessCols, "headless-cols", 80, "pty columns when running headless")
	f.Uint16Var(&flagHeadlessRows, "headless-rows", 25, "pty rows when running headless")
	f.StringVar(&flagUUID, "uuid", "", "override the generated session id")
	f.StringVar(&flagDB, "db", "", "path to a sqlite session metadata store")
	f.BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	f.BoolVar(&flagVersion, "version", false, "print the rwshell version")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rwshell: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, argv []string) error {
	if flagVersion {
		fmt.Println(version)
		return nil
	}

	// Log lines would garble the mirrored terminal; stay quiet unless asked.
	if !flagVerbose {
		log.SetOutput(io.Discard)
	}

	stdinFd := int(os.Stdin.Fd())
	if !flagHeadless && !term.IsTerminal(stdinFd) {
		return fmt.Errorf("input is not a terminal (use --headless)")
	}

	var cols, rows uint16
	if flagHeadless {
		cols, rows = flagHeadlessCols, flagHeadlessRows
	} else {
		var err error
		cols, rows, err = pty.LocalSize()
		if err != nil {
			cols, rows = 80, 25
		}
	}

	var store *repository.SessionStore
	if flagDB != "" {
		conn, err := db.Open(flagDB)
		if err != nil {
			return err
		}
		defer conn.Close()
		store = repository.NewSessionStore(conn)
	}

	var args []string
	if flagArgs != "" {
		args = strings.Fields(flagArgs)
	}

	cfg := session.Config{
		ID:          flagUUID,
		Command:     flagCommand,
		Args:        args,
		ReadOnly:    flagReadonly,
		Headless:    flagHeadless,
		InitialCols: cols,
		InitialRows: rows,
		Store:       store,
	}
	if !flagHeadless {
		cfg.OnLocalOutput = func(data []byte) {
			os.Stdout.Write(data)
		}
	}

	ctrl, err := session.New(cfg)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", flagListen)
	if err != nil {
		ctrl.Shutdown()
		ctrl.Wait()
		return fmt.Errorf("listen on %s: %w", flagListen, err)
	}

	reg := server.NewRegistry()
	reg.Add(ctrl)
	httpSrv := &http.Server{Handler: server.NewRouter(reg)}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("rwshell: http server: %v", err)
		}
	}()

	fmt.Printf("local session: http://%s/s/%s/\r\n", flagListen, ctrl.ID())

	var restore func()
	if !flagHeadless {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			log.Printf("rwshell: raw terminal mode: %v", err)
		} else {
			restore = func() { _ = term.Restore(stdinFd, oldState) }
			defer restore()
		}
		go forwardStdin(ctrl)
		go watchWinch(ctrl)
	}

	sigCh := make(chan os.Signal, 1)
	if flagHeadless {
		// Headless runs under no terminal of its own; ctrl-c must stop it.
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	} else {
		// In raw mode ctrl-c is keystroke bytes for the child.
		signal.Notify(sigCh, syscall.SIGTERM)
	}
	go func() {
		<-sigCh
		ctrl.Shutdown()
	}()

	ctrl.Wait()
	httpSrv.Close()
	if restore != nil {
		restore()
	}
	fmt.Printf("\r\nrwshell finished\r\n")
	return nil
}

// forwardStdin feeds the operator's keystrokes into the input merger. Local
// input stays live even when the session is read-only for remote viewers.
func forwardStdin(ctrl *session.Controller) {
	buf := make([]byte, 1024)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if err := ctrl.SubmitLocal(data); err != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// watchWinch propagates local terminal size changes in server-driven mode.
func watchWinch(ctrl *session.Controller) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGWINCH)
	for range ch {
		if cols, rows, err := pty.LocalSize(); err == nil {
			ctrl.SetLocalSize(cols, rows)
		}
	}
}

func defaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "bash"
}

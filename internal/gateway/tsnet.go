//go:build tsnet

package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"tailscale.com/tsnet"

	"github.com/openclaw/openclaw/internal/config"
)

// StartTailscale joins the tailnet as its own node and serves the gateway
// mux on it. Returns a cleanup func, or nil when Tailscale is not
// configured or failed to start. The main listener keeps running either way.
func StartTailscale(ctx context.Context, cfg *config.Config, handler http.Handler) func() {
	ts := cfg.Tailscale
	if ts.Hostname == "" {
		return nil
	}

	stateDir := ts.StateDir
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			slog.Error("tsnet: cannot resolve home for state dir", "error", err)
			return nil
		}
		stateDir = filepath.Join(home, ".openclaw", "tsnet")
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		slog.Error("tsnet: cannot create state dir", "dir", stateDir, "error", err)
		return nil
	}

	node := &tsnet.Server{
		Hostname:  ts.Hostname,
		Dir:       stateDir,
		AuthKey:   ts.AuthKey,
		Ephemeral: ts.Ephemeral,
		Logf:      func(string, ...interface{}) {}, // tsnet is chatty; rely on slog below
	}

	var (
		ln  net.Listener
		err error
	)
	if ts.EnableTLS {
		ln, err = node.ListenTLS("tcp", ":443")
	} else {
		ln, err = node.Listen("tcp", ":80")
	}
	if err != nil {
		slog.Error("tsnet: listen failed", "hostname", ts.Hostname, "error", err)
		node.Close()
		return nil
	}

	httpSrv := &http.Server{Handler: handler}
	go func() {
		if serveErr := httpSrv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("tsnet: serve stopped", "error", serveErr)
		}
	}()
	slog.Info("tsnet: serving on tailnet", "hostname", ts.Hostname, "tls", ts.EnableTLS)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		_ = node.Close()
	}
}

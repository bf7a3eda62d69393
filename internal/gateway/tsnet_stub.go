//go:build !tsnet

package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/openclaw/openclaw/internal/config"
)

// StartTailscale is a no-op unless the binary was built with -tags tsnet.
func StartTailscale(_ context.Context, cfg *config.Config, _ http.Handler) func() {
	if cfg.Tailscale.Hostname != "" {
		slog.Warn("tailscale configured but this build lacks tsnet support; rebuild with -tags tsnet")
	}
	return nil
}

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/pkg/rpcclient"
)

const dialTimeout = 5 * time.Second

// gatewayURL resolves the WebSocket endpoint of the local gateway.
// OPENCLAW_GATEWAY_URL overrides; otherwise the configured port on loopback.
func gatewayURL() string {
	if v := os.Getenv("OPENCLAW_GATEWAY_URL"); v != "" {
		return v
	}
	port := 18789
	if cfg, err := config.Load(resolveConfigPath()); err == nil && cfg.Gateway.Port != 0 {
		port = cfg.Gateway.Port
	}
	return fmt.Sprintf("ws://127.0.0.1:%d/ws", port)
}

// dialGateway connects to the running gateway, or explains how to start one.
func dialGateway(ctx context.Context) (*rpcclient.Client, error) {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	client, err := rpcclient.Dial(dctx, gatewayURL(), rpcclient.Options{
		Token: os.Getenv("OPENCLAW_GATEWAY_TOKEN"),
	})
	if err != nil {
		return nil, fmt.Errorf("cannot reach the gateway at %s (is `openclaw` running?): %w", gatewayURL(), err)
	}
	return client, nil
}

// printJSON renders a result for terminal consumption.
func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(out))
}

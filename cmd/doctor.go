package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/cron"
	"github.com/openclaw/openclaw/internal/store/pg"
	"github.com/openclaw/openclaw/internal/upgrade"
	"github.com/openclaw/openclaw/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the local environment and gateway health",
		RunE: func(cmd *cobra.Command, args []string) error {
			d := &doctor{}
			d.run(cmd.Context())
			if d.failures > 0 {
				return fmt.Errorf("%d check(s) failed", d.failures)
			}
			return nil
		},
	}
}

type doctor struct {
	failures int
}

func (d *doctor) pass(format string, args ...interface{}) {
	fmt.Printf("  ok    "+format+"\n", args...)
}

func (d *doctor) warn(format string, args ...interface{}) {
	fmt.Printf("  warn  "+format+"\n", args...)
}

func (d *doctor) fail(format string, args ...interface{}) {
	d.failures++
	fmt.Printf("  FAIL  "+format+"\n", args...)
}

func (d *doctor) run(ctx context.Context) {
	fmt.Println("config")
	cfg := d.checkConfig()

	fmt.Println("state")
	d.checkState(cfg)

	if cfg != nil {
		fmt.Println("providers")
		d.checkProviders(cfg)

		fmt.Println("channels")
		d.checkChannels(cfg)

		if cfg.IsManagedMode() {
			fmt.Println("database")
			d.checkDatabase(cfg)
		}
	}

	fmt.Println("gateway")
	d.checkGateway(ctx)
}

func (d *doctor) checkConfig() *config.Config {
	path := resolveConfigPath()
	if _, err := os.Stat(path); err != nil {
		d.fail("config not found at %s (run `openclaw onboard`)", path)
		return nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		d.fail("config parse: %v", err)
		return nil
	}
	if err := cfg.Validate(); err != nil {
		d.fail("config invalid: %v", err)
		return nil
	}
	d.pass("config loads from %s", path)
	return cfg
}

func (d *doctor) checkState(cfg *config.Config) {
	home := config.Home()
	info, err := os.Stat(home)
	if err != nil || !info.IsDir() {
		d.fail("state dir %s missing", home)
		return
	}
	d.pass("state dir %s", home)

	if cfg == nil {
		return
	}
	ws := cfg.WorkspacePath()
	if _, err := os.Stat(ws); err != nil {
		d.warn("workspace %s missing (created on gateway start)", ws)
	} else {
		d.pass("workspace %s", ws)
	}

	cronStore := cron.NewStore(config.CronJobsPath())
	if err := cronStore.Load(); err != nil {
		d.fail("cron jobs file: %v", err)
	} else {
		d.pass("cron jobs file (%d jobs)", len(cronStore.List()))
	}
}

func (d *doctor) checkProviders(cfg *config.Config) {
	if !cfg.HasAnyProvider() {
		d.fail("no provider API key (set providers.anthropic.api_key or OPENCLAW_ANTHROPIC_API_KEY)")
		return
	}
	if cfg.Providers.Anthropic.APIKey != "" {
		d.pass("anthropic key configured")
	}
	if cfg.Providers.OpenAI.APIKey != "" {
		d.pass("openai key configured")
	}
}

func (d *doctor) checkChannels(cfg *config.Config) {
	any := false
	if cfg.Channels.Telegram.Enabled {
		any = true
		if cfg.Channels.Telegram.Token == "" {
			d.fail("telegram enabled but no token")
		} else {
			d.pass("telegram configured (dm_policy=%s)", orDefault(cfg.Channels.Telegram.DMPolicy, "pairing"))
		}
	}
	if cfg.Channels.Discord.Enabled {
		any = true
		if cfg.Channels.Discord.Token == "" {
			d.fail("discord enabled but no token")
		} else {
			d.pass("discord configured (dm_policy=%s)", orDefault(cfg.Channels.Discord.DMPolicy, "open"))
		}
	}
	if !any {
		d.warn("no chat channels enabled (WebSocket clients only)")
	}
}

func (d *doctor) checkDatabase(cfg *config.Config) {
	db, err := pg.OpenDB(cfg.Database.PostgresDSN)
	if err != nil {
		d.fail("postgres: %v", err)
		return
	}
	defer db.Close()

	status, err := upgrade.CheckSchema(db)
	if err != nil {
		d.fail("schema check: %v", err)
		return
	}
	if err := status.Err(); err != nil {
		d.fail("schema: %v (run `openclaw migrate up`)", err)
		return
	}
	d.pass("postgres schema v%d", status.CurrentVersion)
}

func (d *doctor) checkGateway(ctx context.Context) {
	client, err := dialGateway(ctx)
	if err != nil {
		d.warn("gateway not reachable at %s", gatewayURL())
		return
	}
	defer client.Close()

	var health struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	if err := client.Call(ctx, protocol.MethodHealth, nil, &health); err != nil {
		d.fail("gateway health: %v", err)
		return
	}
	d.pass("gateway %s (%d client(s) connected)", health.Status, health.Clients)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

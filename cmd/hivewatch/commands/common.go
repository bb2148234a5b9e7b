package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/studyhive/realtime/internal/build"
	"github.com/studyhive/realtime/internal/config"
	"github.com/studyhive/realtime/internal/realtime"
)

// loadConfig loads the config file and applies the log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if logLevel == "" {
		build.SetLogLevel(cfg.LogLevel)
	}

	return cfg, nil
}

// newClient builds a realtime client from config and logs it in. The
// caller owns the returned client and must call Logout.
func newClient(ctx context.Context) (*realtime.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no token: set HIVE_TOKEN or " +
			"auth.token in the config file")
	}

	rcfg := realtime.Config{
		TransportURL:     cfg.Transport.URL,
		StreamURL:        cfg.Stream.URL,
		APIURL:           cfg.API.URL,
		QueueCapacity:    cfg.Queue.Capacity,
		SnapshotInterval: cfg.SnapshotInterval(),
	}
	rcfg.Transport.HeartbeatInterval = cfg.HeartbeatInterval()
	rcfg.Transport.MissLimit = cfg.Transport.MissLimit
	rcfg.Transport.ReconnectDelay = cfg.ReconnectDelay()

	client, err := realtime.New(rcfg)
	if err != nil {
		return nil, err
	}

	if err := client.Login(ctx, cfg.Auth.Token); err != nil {
		return nil, err
	}

	return client, nil
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

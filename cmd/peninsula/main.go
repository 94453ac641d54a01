// Command peninsula records, watches and queries NetworkTables 4 data.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"github.com/sudorandom/peninsula-nt4/pkg/config"
	"github.com/sudorandom/peninsula-nt4/pkg/nt4"
	"github.com/sudorandom/peninsula-nt4/pkg/nt4client"
	"github.com/sudorandom/peninsula-nt4/pkg/utils"
)

var Version = "dev"

// Globals are flags shared by every subcommand. Non-empty values override
// the config file.
type Globals struct {
	Config     string        `short:"c" type:"path" help:"YAML config file."`
	Address    string        `short:"a" help:"Server host, host:port, ws:// URL or team number."`
	ClientName string        `help:"Client name sent to the server (default: random)."`
	TimeSync   time.Duration `help:"Interval between time sync pings."`
	LogLevel   string        `help:"Log level: debug, info, warn, error."`
	LogFormat  string        `help:"Log format: text or json."`
	Match      []string      `short:"m" help:"Only show topics whose path contains one of these."`
}

type CLI struct {
	Globals

	Record  RecordCmd        `cmd:"" help:"Mirror a server and archive every value."`
	Watch   WatchCmd         `cmd:"" help:"Show live topic statistics."`
	Query   QueryCmd         `cmd:"" help:"Query values from an archive."`
	Topics  TopicsCmd        `cmd:"" help:"List archived topics."`
	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("peninsula"),
		kong.Description("NetworkTables 4 recorder and viewer."),
		kong.UsageOnError(),
		kong.Vars{"version": Version},
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}

// load reads the config file, if any, and applies flag overrides.
func (g *Globals) load() (*config.Config, error) {
	cfg := config.Default()
	if g.Config != "" {
		var err error
		if cfg, err = config.Load(g.Config); err != nil {
			return nil, err
		}
	}
	if g.Address != "" {
		cfg.Address = g.Address
	}
	if g.ClientName != "" {
		cfg.ClientName = g.ClientName
	}
	if g.TimeSync > 0 {
		cfg.TimeSync = g.TimeSync
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Log.Format = g.LogFormat
	}
	if len(g.Match) > 0 {
		cfg.Match = g.Match
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (g *Globals) setup() (*config.Config, *slog.Logger, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, nil, err
	}
	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newSource(cfg *config.Config, logger *slog.Logger, metrics *nt4client.Metrics) *nt4.Source {
	dial := nt4.DefaultDial(
		nt4client.WithLogger(logger),
		nt4client.WithMetrics(metrics),
		nt4client.WithName(cfg.ClientName),
		nt4client.WithTimeSyncInterval(cfg.TimeSync),
	)
	return nt4.NewSource(dial, nt4.WithSourceLogger(logger))
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler).With("service", "peninsula", "version", Version)
}

// formatValue renders v for display. Protobuf payloads are decoded field
// by field since no schema is available.
func formatValue(wireType string, v any) string {
	b, isBytes := v.([]byte)
	switch {
	case isBytes && (strings.HasPrefix(wireType, "proto:") || wireType == "protobuf"):
		return utils.FormatProto(b)
	case isBytes:
		return fmt.Sprintf("0x%x", b)
	case wireType == "string" || wireType == "json":
		return fmt.Sprintf("%q", v)
	}
	return fmt.Sprint(v)
}

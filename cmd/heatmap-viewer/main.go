package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/hajimehoshi/ebiten/v2"
	_ "github.com/silbinarywolf/preferdiscretegpu"

	"github.com/sudorandom/transfer-heatmap/pkg/config"
	"github.com/sudorandom/transfer-heatmap/pkg/logging"
	"github.com/sudorandom/transfer-heatmap/pkg/metrics"
	"github.com/sudorandom/transfer-heatmap/pkg/sources"
)

// CLI flags override the loaded configuration when set.
type CLI struct {
	Config string `help:"YAML config file." type:"path" env:"HEATMAP_CONFIG"`

	URL      string  `help:"Websocket URL streaming transfer messages."`
	Replay   string  `help:"JSONL capture to replay instead of a live stream." type:"path"`
	Speed    float64 `help:"Replay speed multiplier (0 = as fast as possible)." default:"-1"`
	GeoIP    string  `name:"geoip" help:"MaxMind city database for events that only carry an IP." type:"path"`
	GeoCache string  `help:"Badger directory caching IP lookups (empty = in memory)." type:"path"`
	Hubs     bool    `help:"Place transfers that only carry a country at a weighted major city."`

	Width        int     `help:"Internal rendering width."`
	Height       int     `help:"Internal rendering height."`
	WindowWidth  int     `help:"Initial window width." default:"1280"`
	WindowHeight int     `help:"Initial window height." default:"720"`
	TPS          int     `name:"tps" help:"Ticks per second."`
	Projection   string  `help:"mercator or mollweide."`
	Zoom         float64 `help:"Initial zoom level."`
	Mode         string  `help:"Weighting mode: size or count."`
	Theme        string  `help:"dark or light."`

	Metrics  string `help:"Address to serve /metrics on."`
	LogLevel string `help:"Log level."`
	Headless bool   `help:"Run without decorating a window."`
}

func (c *CLI) apply(cfg *config.Config) {
	if c.URL != "" {
		cfg.Source.URL = c.URL
		cfg.Source.ReplayPath = ""
	}
	if c.Replay != "" {
		cfg.Source.ReplayPath = c.Replay
		cfg.Source.URL = ""
	}
	if c.Speed >= 0 {
		cfg.Source.ReplaySpeed = c.Speed
	}
	if c.Hubs {
		cfg.Source.CountryHubs = true
	}
	setString(&cfg.Source.GeoIPPath, c.GeoIP)
	setString(&cfg.Source.GeoCachePath, c.GeoCache)
	setString(&cfg.Render.Projection, c.Projection)
	setString(&cfg.Engine.Mode, c.Mode)
	setString(&cfg.Engine.Theme, c.Theme)
	setString(&cfg.Metrics.Addr, c.Metrics)
	setString(&cfg.Logging.Level, c.LogLevel)
	if c.Width > 0 {
		cfg.Render.Width = c.Width
	}
	if c.Height > 0 {
		cfg.Render.Height = c.Height
	}
	if c.TPS > 0 {
		cfg.Render.TPS = c.TPS
	}
	if c.Zoom > 0 {
		cfg.Render.Zoom = c.Zoom
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("heatmap-viewer"),
		kong.Description("Real-time geospatial heatmap of file transfer activity."),
		kong.UsageOnError(),
	)

	cfg, err := config.Load(cli.Config)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}
	cli.apply(cfg)
	if err := cfg.Validate(); err != nil {
		logging.Fatal().Err(err).Msg("Invalid flags")
	}
	logging.Init(cfg.LogConfig())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
				logging.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	enricher, closeGeo, err := sources.OpenEnricher(sources.EnricherConfig{
		GeoIPPath:    cfg.Source.GeoIPPath,
		GeoCachePath: cfg.Source.GeoCachePath,
		GeoCacheTTL:  cfg.Source.GeoCacheTTL,
		CountryHubs:  cfg.Source.CountryHubs,
		CacheDir:     cfg.Render.CacheDir,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open geolocation")
	}
	defer closeGeo()

	msgs := make(chan sources.Message, 4096)
	go runSource(ctx, cfg, enricher, msgs)

	v, err := newViewer(ctx, cfg, msgs, !cli.Headless)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize viewer")
	}
	defer v.Close()

	ebiten.SetTPS(cfg.Render.TPS)
	ebiten.SetWindowTitle("Transfer Heatmap")
	if !cli.Headless {
		ebiten.SetWindowSize(cli.WindowWidth, cli.WindowHeight)
		ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)
	} else {
		logging.Info().Msg("Running in headless mode")
		ebiten.SetWindowDecorated(false)
	}
	if err := ebiten.RunGame(v); err != nil && !errors.Is(err, ebiten.Termination) {
		logging.Error().Err(err).Msg("Viewer exited")
	}
}

func runSource(ctx context.Context, cfg *config.Config, enricher sources.Enricher, out chan<- sources.Message) {
	switch {
	case cfg.Source.ReplayPath != "":
		f, err := os.Open(cfg.Source.ReplayPath)
		if err != nil {
			logging.Error().Err(err).Msg("Opening replay")
			return
		}
		defer func() { _ = f.Close() }()
		p := &sources.Replayer{Speed: cfg.Source.ReplaySpeed, Restamp: true, Enricher: enricher}
		if err := p.Run(ctx, f, out); err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Replay failed")
			return
		}
		logging.Info().Str("path", cfg.Source.ReplayPath).Msg("Replay finished")
	case cfg.Source.URL != "":
		l := sources.NewListener(cfg.Source.URL, enricher)
		if err := l.Run(ctx, out); err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Listener stopped")
		}
	default:
		logging.Warn().Msg("No source configured, the map will stay empty")
	}
}

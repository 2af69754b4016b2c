package main

import (
	"image"
	"image/draw"
	"os"
	"time"

	"github.com/alecthomas/kong"

	"github.com/sudorandom/transfer-heatmap/pkg/basemap"
	"github.com/sudorandom/transfer-heatmap/pkg/config"
	"github.com/sudorandom/transfer-heatmap/pkg/heatmap"
	"github.com/sudorandom/transfer-heatmap/pkg/logging"
	"github.com/sudorandom/transfer-heatmap/pkg/projection"
	"github.com/sudorandom/transfer-heatmap/pkg/sources"
	"github.com/sudorandom/transfer-heatmap/pkg/surface/raster"
)

type CLI struct {
	Replay string `arg:"" help:"JSONL capture to render." type:"existingfile"`
	Out    string `short:"o" help:"PNG to write. Defaults to a timestamped file in the capture directory." type:"path"`

	Config    string    `help:"YAML config file." type:"path" env:"HEATMAP_CONFIG"`
	At        time.Time `help:"Render the map as of this RFC3339 time instead of the last event."`
	Width     int       `help:"Image width."`
	Height    int       `help:"Image height."`
	Mode      string    `help:"Weighting mode: size or count."`
	Theme     string    `help:"dark or light."`
	Basemap   string    `help:"GeoJSON basemap file. Fetched and cached when empty." type:"path"`
	NoBasemap bool      `help:"Render the heat layer on the plain background."`
	GeoIP     string    `name:"geoip" help:"MaxMind city database for events that only carry an IP." type:"path"`
	Hubs      bool      `help:"Place transfers that only carry a country at a weighted major city."`
	LogLevel  string    `help:"Log level."`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("heatmap-snapshot"),
		kong.Description("Render a transfer capture to a PNG heatmap."),
		kong.UsageOnError(),
	)

	cfg, err := config.Load(cli.Config)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}
	cfg.Logging.Format = "json"
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.Width > 0 {
		cfg.Render.Width = cli.Width
	}
	if cli.Height > 0 {
		cfg.Render.Height = cli.Height
	}
	if cli.Mode != "" {
		cfg.Engine.Mode = cli.Mode
	}
	if cli.Theme != "" {
		cfg.Engine.Theme = cli.Theme
	}
	if cli.Basemap != "" {
		cfg.Render.BasemapPath = cli.Basemap
	}
	if cli.GeoIP != "" {
		cfg.Source.GeoIPPath = cli.GeoIP
	}
	if cli.Hubs {
		cfg.Source.CountryHubs = true
	}
	if err := cfg.Validate(); err != nil {
		logging.Fatal().Err(err).Msg("Invalid flags")
	}
	logging.Init(cfg.LogConfig())

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

	f, err := os.Open(cli.Replay)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open capture")
	}
	msgs, err := sources.ReadAll(f, enricher)
	_ = f.Close()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to read capture")
	}
	logging.Info().Int("messages", len(msgs)).Str("path", cli.Replay).Msg("Read capture")

	var base *basemap.Basemap
	if !cli.NoBasemap {
		if cfg.Render.BasemapPath != "" {
			base, err = basemap.Load(cfg.Render.BasemapPath)
		} else {
			base, err = basemap.Fetch(cfg.Render.BasemapURL, cfg.Render.CacheDir)
		}
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to load basemap")
		}
	}

	res := snapshot(cfg, msgs, base, cli.At)
	logging.Info().
		Int("accepted", res.accepted).
		Int("cells", res.frame.Cells).
		Int("clusters", res.frame.Clusters).
		Int("skipped", res.frame.Skipped).
		Time("at", res.at).
		Msg("Rendered snapshot")

	out := cli.Out
	if out == "" {
		out = raster.CaptureName(cfg.Render.CaptureDir, "snapshot", res.at)
	}
	if err := raster.SavePNG(out, res.img); err != nil {
		logging.Fatal().Err(err).Msg("Failed to write snapshot")
	}
	logging.Info().Str("path", out).Msg("Wrote snapshot")
}

type result struct {
	img      *image.RGBA
	frame    heatmap.FrameStats
	at       time.Time
	accepted int
}

// snapshot replays msgs against a manual clock that follows the transfer
// timestamps, then renders a single frame at the last timestamp (or at, when
// set) over the basemap.
func snapshot(cfg *config.Config, msgs []sources.Message, base *basemap.Basemap, at time.Time) result {
	w, h := cfg.Render.Width, cfg.Render.Height
	clock := heatmap.NewManualClock(time.Time{})
	proj := projection.FitMollweide(w, h)
	surf := raster.New(w, h)
	queue := heatmap.NewFrameQueue()

	opts := cfg.EngineOptions()
	opts.Clock = clock
	engine := heatmap.NewEngine(proj, surf, queue, opts)

	res := result{}
	for _, m := range msgs {
		if t := m.Transfer; t != nil {
			if ts, err := time.Parse(time.RFC3339Nano, t.Timestamp); err == nil && ts.After(clock.Now()) {
				clock.Set(ts)
			}
		}
		if sources.Apply(engine, m) {
			res.accepted++
		}
	}
	if !at.IsZero() {
		clock.Set(at)
	}
	if clock.Now().IsZero() {
		clock.Set(time.Now())
	}
	res.at = clock.Now()

	engine.Invalidate()
	queue.RunPending()
	res.frame = engine.LastFrame()

	style := basemap.StyleFor(engine.Theme())
	var bg image.Image
	if base != nil {
		bg = base.Render(proj, w, h, style)
	} else {
		bg = image.NewUniform(style.Background)
	}
	res.img = raster.Flatten(clipTo(bg, w, h), surf.Image())
	engine.Destroy()
	return res
}

// clipTo gives unbounded images such as image.Uniform a w x h frame.
func clipTo(img image.Image, w, h int) image.Image {
	if _, ok := img.(*image.Uniform); !ok {
		return img
	}
	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(rgba, rgba.Bounds(), img, image.Point{}, draw.Src)
	return rgba
}

package main

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/inpututil"
	"github.com/rs/zerolog"

	"github.com/sudorandom/transfer-heatmap/pkg/basemap"
	"github.com/sudorandom/transfer-heatmap/pkg/config"
	"github.com/sudorandom/transfer-heatmap/pkg/heatmap"
	"github.com/sudorandom/transfer-heatmap/pkg/logging"
	"github.com/sudorandom/transfer-heatmap/pkg/overlay"
	"github.com/sudorandom/transfer-heatmap/pkg/projection"
	"github.com/sudorandom/transfer-heatmap/pkg/sources"
	"github.com/sudorandom/transfer-heatmap/pkg/surface/ebitensurface"
	"github.com/sudorandom/transfer-heatmap/pkg/surface/raster"
)

const (
	// maxMessagesPerTick bounds how much of a burst one Update absorbs.
	maxMessagesPerTick = 5000
	panStep            = 12.0
	zoomStep           = 0.25
	basemapDebounce    = 150 * time.Millisecond
)

// resizable is implemented by both projections.
type resizable interface {
	Resize(width, height int)
}

type viewer struct {
	ctx  context.Context
	cfg  *config.Config
	msgs <-chan sources.Message
	log  zerolog.Logger

	width, height int
	followWindow  bool // render at the window size instead of the configured one

	proj     heatmap.Projection
	mercator *projection.Mercator

	queue  *heatmap.FrameQueue
	surf   *ebitensurface.Surface
	engine *heatmap.Engine

	stats *overlay.Stats
	hud   *overlay.HUD

	base          *basemap.Basemap
	baseImg       *ebiten.Image
	baseDirty     bool
	baseRendered  time.Time
	focused       bool
	captureWanted bool
}

func newViewer(ctx context.Context, cfg *config.Config, msgs <-chan sources.Message, followWindow bool) (*viewer, error) {
	w, h := cfg.Render.Width, cfg.Render.Height
	v := &viewer{
		ctx:          ctx,
		cfg:          cfg,
		msgs:         msgs,
		log:          logging.Component("viewer"),
		width:        w,
		height:       h,
		followWindow: followWindow,
		queue:        heatmap.NewFrameQueue(),
		surf:         ebitensurface.New(w, h),
		stats:        overlay.NewStats(overlay.DefaultInterval, time.Now()),
		baseImg:      ebiten.NewImage(w, h),
		baseDirty:    true,
		focused:      true,
	}

	switch cfg.Render.Projection {
	case "mollweide":
		v.proj = projection.FitMollweide(w, h)
	default:
		v.mercator = projection.NewMercator(w, h, cfg.Render.CenterLat, cfg.Render.CenterLon, cfg.Render.Zoom)
		v.proj = v.mercator
	}

	base, err := loadBasemap(cfg)
	if err != nil {
		return nil, err
	}
	v.base = base
	v.log.Info().Int("features", base.Features()).Msg("Loaded basemap")

	hud, err := overlay.NewHUD(v.stats, w, h)
	if err != nil {
		return nil, err
	}
	v.hud = hud

	v.engine = heatmap.NewEngine(v.proj, v.surf, v.queue, cfg.EngineOptions())
	return v, nil
}

func loadBasemap(cfg *config.Config) (*basemap.Basemap, error) {
	if cfg.Render.BasemapPath != "" {
		return basemap.Load(cfg.Render.BasemapPath)
	}
	b, err := basemap.Fetch(cfg.Render.BasemapURL, cfg.Render.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("fetching basemap: %w", err)
	}
	return b, nil
}

func (v *viewer) Update() error {
	if v.ctx.Err() != nil {
		return ebiten.Termination
	}

	v.handleFocus()
	v.drain()
	v.handleInput()

	now := time.Now()
	if v.stats.Roll(now) {
		v.log.Debug().
			Float64("download", v.stats.Rate(heatmap.Download)).
			Float64("upload", v.stats.Rate(heatmap.Upload)).
			Float64("audit", v.stats.Rate(heatmap.Audit)).
			Msg("Rates")
	}
	v.hud.Update()

	if v.baseDirty && now.Sub(v.baseRendered) >= basemapDebounce {
		v.renderBasemap()
		v.baseRendered = now
	}

	v.queue.RunPending()
	return nil
}

func (v *viewer) handleFocus() {
	focused := ebiten.IsFocused()
	if focused == v.focused {
		return
	}
	v.focused = focused
	if focused {
		v.log.Debug().Msg("Window focused, resuming")
		v.engine.Resume()
	} else {
		v.log.Debug().Msg("Window lost focus, pausing")
		v.engine.Pause()
	}
}

func (v *viewer) drain() {
	for range maxMessagesPerTick {
		select {
		case msg := <-v.msgs:
			if sources.Apply(v.engine, msg) && msg.Transfer != nil {
				t := msg.Transfer
				v.stats.Record(heatmap.Classify(t.Action, t.Category), t.Country, float64(max(t.Size, 0)))
			}
		default:
			return
		}
	}
}

func (v *viewer) handleInput() {
	viewChanged := false

	if m := v.mercator; m != nil {
		dx, dy := 0.0, 0.0
		if ebiten.IsKeyPressed(ebiten.KeyArrowLeft) {
			dx -= panStep
		}
		if ebiten.IsKeyPressed(ebiten.KeyArrowRight) {
			dx += panStep
		}
		if ebiten.IsKeyPressed(ebiten.KeyArrowUp) {
			dy -= panStep
		}
		if ebiten.IsKeyPressed(ebiten.KeyArrowDown) {
			dy += panStep
		}
		if dx != 0 || dy != 0 {
			m.Pan(dx, dy)
			viewChanged = true
		}

		zoom := 0.0
		if inpututil.IsKeyJustPressed(ebiten.KeyEqual) || inpututil.IsKeyJustPressed(ebiten.KeyNumpadAdd) {
			zoom += zoomStep * 2
		}
		if inpututil.IsKeyJustPressed(ebiten.KeyMinus) || inpututil.IsKeyJustPressed(ebiten.KeyNumpadSubtract) {
			zoom -= zoomStep * 2
		}
		if _, wy := ebiten.Wheel(); wy != 0 {
			zoom += wy * zoomStep
		}
		if zoom != 0 {
			before := m.Zoom()
			m.ZoomBy(zoom)
			viewChanged = viewChanged || m.Zoom() != before
		}
	}

	if inpututil.IsKeyJustPressed(ebiten.KeySpace) {
		if v.engine.State() == heatmap.StatePaused {
			v.engine.Resume()
		} else {
			v.engine.Pause()
		}
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyM) {
		v.engine.SetViewMode(v.engine.Mode().Toggle())
		v.log.Info().Stringer("mode", v.engine.Mode()).Msg("View mode changed")
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyC) {
		v.engine.ClearData()
		v.log.Info().Msg("Cleared data")
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyT) {
		v.engine.SetTheme(v.engine.Theme().Toggle())
		v.baseDirty = true
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyP) {
		v.captureWanted = true
	}

	if viewChanged {
		v.baseDirty = true
		v.engine.Invalidate()
	}
}

func (v *viewer) renderBasemap() {
	start := time.Now()
	img := v.base.Render(v.proj, v.width, v.height, basemap.StyleFor(v.engine.Theme()))
	v.baseImg.WritePixels(img.Pix)
	v.baseDirty = false
	v.log.Debug().Dur("took", time.Since(start)).Msg("Rendered basemap")
}

func (v *viewer) Draw(screen *ebiten.Image) {
	screen.DrawImage(v.baseImg, nil)
	screen.DrawImage(v.surf.Image(), nil)
	v.hud.Draw(screen, v.status())

	if v.captureWanted {
		v.captureWanted = false
		v.capture(screen)
	}
}

func (v *viewer) status() overlay.Status {
	return overlay.Status{
		Mode:      v.engine.Mode(),
		Theme:     v.engine.Theme(),
		State:     v.engine.State(),
		Frame:     v.engine.LastFrame(),
		Zoom:      v.proj.Zoom(),
		Cells:     v.engine.GridLen(),
		Points:    v.engine.PointLen(),
		Particles: v.engine.ParticleLen(),
	}
}

func (v *viewer) capture(screen *ebiten.Image) {
	b := screen.Bounds()
	img := image.NewRGBA(b)
	screen.ReadPixels(img.Pix)
	path := raster.CaptureName(v.cfg.Render.CaptureDir, "heatmap", time.Now())
	go func() {
		if err := raster.SavePNG(path, img); err != nil {
			v.log.Error().Err(err).Msg("Saving capture")
			return
		}
		v.log.Info().Str("path", path).Msg("Saved capture")
	}()
}

func (v *viewer) Layout(outsideWidth, outsideHeight int) (int, int) {
	if v.followWindow && outsideWidth > 0 && outsideHeight > 0 &&
		(outsideWidth != v.width || outsideHeight != v.height) {
		v.resize(outsideWidth, outsideHeight)
	}
	return v.width, v.height
}

func (v *viewer) resize(w, h int) {
	v.log.Debug().Int("width", w).Int("height", h).Msg("Resizing")
	v.width, v.height = w, h
	if r, ok := v.proj.(resizable); ok {
		r.Resize(w, h)
	}
	v.surf.Resize(w, h)
	v.hud.Resize(w, h)
	v.baseImg.Deallocate()
	v.baseImg = ebiten.NewImage(w, h)
	v.baseDirty = true
	v.engine.Invalidate()
}

func (v *viewer) Close() {
	v.engine.Destroy()
	v.baseImg.Deallocate()
}

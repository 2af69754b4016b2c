package main

import (
	"image"
	"image/color"
	"strings"
	"testing"
	"time"

	"github.com/sudorandom/transfer-heatmap/pkg/basemap"
	"github.com/sudorandom/transfer-heatmap/pkg/config"
	"github.com/sudorandom/transfer-heatmap/pkg/sources"
)

const capture = `{"type":"transfer","data":{"lat":0.1,"lon":0.1,"size":5000000,"category":"download","timestamp":"2026-01-01T00:00:00Z"}}
{"type":"transfer","data":{"lat":0.2,"lon":0.2,"size":1000,"action":"PUT","timestamp":"2026-01-01T00:00:01Z"}}
{"type":"transfer","data":{"lat":120,"lon":0,"size":1000,"timestamp":"2026-01-01T00:00:02Z"}}
not json
`

func readCapture(t *testing.T) []sources.Message {
	t.Helper()
	msgs, err := sources.ReadAll(strings.NewReader(capture), nil)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len(ReadAll()) = %d; want 3", len(msgs))
	}
	return msgs
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Render.Width, cfg.Render.Height = 400, 200
	return cfg
}

func TestSnapshot(t *testing.T) {
	res := snapshot(testConfig(), readCapture(t), nil, time.Time{})

	if res.accepted != 2 {
		t.Errorf("accepted = %d; want 2", res.accepted)
	}
	wantAt := time.Date(2026, 1, 1, 0, 0, 2, 0, time.UTC)
	if !res.at.Equal(wantAt) {
		t.Errorf("at = %v; want %v", res.at, wantAt)
	}
	if res.frame.Cells != 1 {
		t.Errorf("frame.Cells = %d; want 1", res.frame.Cells)
	}
	if res.frame.Clusters != 1 {
		t.Errorf("frame.Clusters = %d; want 1", res.frame.Clusters)
	}
	if b := res.img.Bounds(); b.Dx() != 400 || b.Dy() != 200 {
		t.Fatalf("image bounds = %v; want 400x200", b)
	}

	bg := basemap.DarkStyle().Background
	if got := res.img.RGBAAt(200, 100); got == bg {
		t.Errorf("pixel at the projected event = %v; want heat over the background", got)
	}
	if got := res.img.RGBAAt(2, 2); got != bg {
		t.Errorf("corner pixel = %v; want background %v", got, bg)
	}
}

func TestSnapshotAtPrunesOldData(t *testing.T) {
	at := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	res := snapshot(testConfig(), readCapture(t), nil, at)

	if res.frame.Cells != 0 || res.frame.Clusters != 0 {
		t.Errorf("frame = %+v; want nothing left a day later", res.frame)
	}
	bg := basemap.DarkStyle().Background
	if got := res.img.RGBAAt(200, 100); got != bg {
		t.Errorf("pixel at the expired event = %v; want background %v", got, bg)
	}
}

func TestClipTo(t *testing.T) {
	c := color.RGBA{1, 2, 3, 255}
	img := clipTo(image.NewUniform(c), 4, 3)
	if b := img.Bounds(); b.Dx() != 4 || b.Dy() != 3 {
		t.Errorf("clipTo() bounds = %v; want 4x3", b)
	}
}

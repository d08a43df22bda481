package main

import (
	"context"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestDrawRegions(t *testing.T) {
	black := color.RGBA{A: 255}
	frame := solidImage(64, 80, black)
	req := OverlayRequest{Regions: testRegions().All(), Status: MachineStatus{State: StateFarming}}

	out := DrawRegions(frame, req, Point{}, 2)
	if out == frame {
		t.Fatal("DrawRegions drew on its input")
	}
	if frame.RGBAAt(31, 60) != black {
		t.Error("input frame modified")
	}

	magenta := color.RGBA{R: 255, B: 255, A: 255}
	for _, p := range []Point{{31, 60}, {30, 60}, {10, 71}, {0, 60}} {
		if got := out.RGBAAt(p.X, p.Y); got != magenta {
			t.Errorf("sprite edge at %v = %v, want %v", p, got, magenta)
		}
	}
	if got := out.RGBAAt(15, 55); got != black {
		t.Errorf("sprite interior = %v, want untouched", got)
	}
}

func TestDrawRegionsOrigin(t *testing.T) {
	frame := solidImage(40, 60, color.RGBA{A: 255})
	region := Region{ID: RegionSprite, Bounds: NewBounds(110, 240, 20, 10), Color: NewColor(0, 0, 255)}
	out := DrawRegions(frame, OverlayRequest{Regions: []Region{region}}, Point{X: 100, Y: 200}, 1)
	if got := out.RGBAAt(29, 49); got != (color.RGBA{B: 255, A: 255}) {
		t.Errorf("translated corner = %v", got)
	}
}

func TestOverlayScript(t *testing.T) {
	sig := verdictSignal(5, testEpoch, "pidgey", 9, 5)
	req := OverlayRequest{
		Regions: testRegions().All(),
		Status:  MachineStatus{State: StatePaused, PauseReason: `skin "pidgey"`},
		Signal:  &sig,
		Actions: []ActionLog{{Timestamp: testEpoch, Message: "tap z"}},
	}
	script, err := overlayScript(req, 3)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"skin-bot-overlay", `"Label":"Sprite"`, `"Thickness":3`, "State: Paused", `skin \"pidgey\"`, "12:00:00 tap z", "rgb(255,0,255)"} {
		if !strings.Contains(script, want) {
			t.Errorf("script lacks %s", want)
		}
	}
}

type recordingRenderer struct {
	mu       sync.Mutex
	rendered []OverlayRequest
}

func (r *recordingRenderer) Render(req OverlayRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rendered = append(r.rendered, req)
	return nil
}

func (r *recordingRenderer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rendered)
}

func TestOverlaySubmitIsRateLimited(t *testing.T) {
	renderer := &recordingRenderer{}
	o := NewOverlay(renderer, time.Hour)
	if !o.Submit(OverlayRequest{}) {
		t.Fatal("first frame refused")
	}
	if o.Submit(OverlayRequest{}) {
		t.Error("second frame inside the interval accepted")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for renderer.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("frame never rendered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOverlayDropsWhenFull(t *testing.T) {
	o := NewOverlay(&recordingRenderer{}, 0)
	accepted := 0
	for i := 0; i < 20; i++ {
		if o.Submit(OverlayRequest{}) {
			accepted++
		}
	}
	if accepted != cap(o.requests) {
		t.Errorf("accepted %d frames, want %d", accepted, cap(o.requests))
	}
}

func TestFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug", "overlay.png")
	source := newFakeSource()
	o := NewFileOverlay(source, path, 2)

	if err := o.Render(OverlayRequest{Regions: testRegions().All()}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("overlay not written: %v", err)
	}
	if source.count("overlay") != 1 {
		t.Errorf("captures = %d", source.count("overlay"))
	}

	if err := o.Render(OverlayRequest{}); err != nil {
		t.Errorf("empty request: %v", err)
	}
}

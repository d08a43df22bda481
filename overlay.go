// Package main - overlay.go
//
// Region overlay for debugging the region configuration while the bot runs.
//
// Renderers:
//   - BrowserOverlay: injects a canvas over the game page (browser backend)
//   - FileOverlay: captures the area covering every region, draws the boxes
//     and writes visualization.output_file (desktop backends)
//
// Both show every region box with its label, the current state, the counters
// and the last signal. The browser overlay also lists the recent key actions.
//
// Worker Model:
// Rendering takes 50-200ms, so it never runs on the decision thread. The
// loop calls Submit every tick; requests are rate limited to update_interval
// and handed to a single worker over a buffered channel. A full channel drops
// the request.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// OverlayRequest carries what one overlay frame shows
type OverlayRequest struct {
	Regions []Region
	Status  MachineStatus
	Signal  *DetectionSignal
	Actions []ActionLog
}

// statusLines renders the status panel text
func (req OverlayRequest) statusLines() []string {
	s := req.Status.Stats
	lines := []string{
		fmt.Sprintf("State: %s", req.Status.State),
		fmt.Sprintf("Battles: %d  Skins: %d  Flees: %d  Errors: %d", s.Battles, s.SkinsFound, s.FleesPerformed, s.Errors),
	}
	if req.Status.PauseReason != "" {
		lines = append(lines, "Paused: "+req.Status.PauseReason)
	}
	if req.Signal != nil {
		lines = append(lines, "Last: "+req.Signal.String())
	}
	return lines
}

// OverlayRenderer draws one overlay frame
type OverlayRenderer interface {
	Render(req OverlayRequest) error
}

// Overlay owns the render worker.
type Overlay struct {
	renderer OverlayRenderer
	requests chan OverlayRequest
	limiter  *RateLimiter
}

// NewOverlay creates an overlay rendering at most once per interval
func NewOverlay(renderer OverlayRenderer, interval time.Duration) *Overlay {
	return &Overlay{
		renderer: renderer,
		requests: make(chan OverlayRequest, 10),
		limiter:  NewRateLimiter(interval),
	}
}

// Submit queues a frame (non-blocking). Returns false when the frame was
// throttled or dropped.
func (o *Overlay) Submit(req OverlayRequest) bool {
	if !o.limiter.Allow() {
		return false
	}
	select {
	case o.requests <- req:
		return true
	default:
		LogDebug("Overlay channel full, skipping frame")
		return false
	}
}

// Run renders queued frames until ctx is done
func (o *Overlay) Run(ctx context.Context) {
	LogInfo("Overlay worker started")
	for {
		select {
		case <-ctx.Done():
			LogInfo("Overlay worker stopped")
			return
		case req := <-o.requests:
			if err := o.renderer.Render(req); err != nil {
				LogDebug("Overlay render failed: %v", err)
			}
		}
	}
}

// BrowserOverlay draws on a canvas injected over the game page.
type BrowserOverlay struct {
	browser   *Browser
	thickness int
}

// NewBrowserOverlay creates a browser renderer
func NewBrowserOverlay(browser *Browser, thickness int) *BrowserOverlay {
	return &BrowserOverlay{browser: browser, thickness: thickness}
}

// Render injects the overlay script
func (o *BrowserOverlay) Render(req OverlayRequest) error {
	if len(req.Actions) == 0 {
		req.Actions = o.browser.RecentActions(5)
	}
	script, err := overlayScript(req, o.thickness)
	if err != nil {
		return err
	}
	return o.browser.DrawOverlay(script)
}

type overlayBox struct {
	X, Y, W, H int
	Label      string
	Color      string
}

type overlayPayload struct {
	Thickness int
	Boxes     []overlayBox
	Lines     []string
	Actions   []string
}

func cssColor(c Color) string {
	return fmt.Sprintf("rgb(%d,%d,%d)", c.R, c.G, c.B)
}

// overlayScript builds the canvas script. The payload is embedded as JSON so
// labels never need escaping.
func overlayScript(req OverlayRequest, thickness int) (string, error) {
	p := overlayPayload{Thickness: thickness, Lines: req.statusLines()}
	for _, r := range req.Regions {
		p.Boxes = append(p.Boxes, overlayBox{X: r.Bounds.X, Y: r.Bounds.Y, W: r.Bounds.W, H: r.Bounds.H, Label: r.Label, Color: cssColor(r.Color)})
	}
	for _, a := range req.Actions {
		p.Actions = append(p.Actions, a.Timestamp.Format("15:04:05")+" "+a.Message)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}

	return `
		(function(p) {
			const target = document.getElementById('canvas') || document.body;
			const rect = target.getBoundingClientRect();

			let overlay = document.getElementById('skin-bot-overlay');
			if (overlay) {
				overlay.remove();
			}
			overlay = document.createElement('canvas');
			overlay.id = 'skin-bot-overlay';
			overlay.style.position = 'absolute';
			overlay.style.left = rect.left + 'px';
			overlay.style.top = rect.top + 'px';
			overlay.style.pointerEvents = 'none';
			overlay.style.zIndex = '9999';
			overlay.width = rect.width;
			overlay.height = rect.height;
			document.body.appendChild(overlay);

			const ctx = overlay.getContext('2d');
			ctx.lineWidth = p.Thickness;
			ctx.font = 'bold 14px monospace';
			ctx.textBaseline = 'bottom';
			(p.Boxes || []).forEach(function(b) {
				ctx.strokeStyle = b.Color;
				ctx.fillStyle = b.Color;
				ctx.strokeRect(b.X, b.Y, b.W, b.H);
				ctx.fillText(b.Label, b.X, b.Y - 2);
			});

			const lines = (p.Lines || []).concat(p.Actions || []);
			ctx.fillStyle = 'rgba(0, 0, 0, 0.8)';
			ctx.fillRect(5, 5, 520, 22 * lines.length + 10);
			ctx.fillStyle = 'white';
			ctx.textBaseline = 'top';
			lines.forEach(function(line, i) {
				ctx.fillText(line, 12, 10 + i * 22);
			});
		})(` + string(data) + `);
	`, nil
}

// FileOverlay writes the overlay to a PNG file.
type FileOverlay struct {
	source    ImageSource
	path      string
	thickness int
}

// NewFileOverlay creates a file renderer capturing through source
func NewFileOverlay(source ImageSource, path string, thickness int) *FileOverlay {
	return &FileOverlay{source: source, path: path, thickness: thickness}
}

// Render captures the area covering every region and saves the annotated frame
func (o *FileOverlay) Render(req OverlayRequest) error {
	area := NewRegionSet(req.Regions...).Union()
	if area.Empty() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	snap, err := o.source.Capture(ctx, Region{ID: "overlay", Bounds: area})
	if err != nil {
		return err
	}
	origin := Point{X: area.X, Y: area.Y}
	frame := DrawRegions(snap.Image, req, origin, o.thickness)
	return savePNG(o.path, frame)
}

// DrawRegions returns a copy of frame with every region box, its label and
// the status panel drawn on it. origin is the screen position of the frame.
func DrawRegions(frame *image.RGBA, req OverlayRequest, origin Point, thickness int) *image.RGBA {
	bounds := frame.Bounds()
	result := image.NewRGBA(bounds)
	draw.Draw(result, bounds, frame, bounds.Min, draw.Src)

	for _, r := range req.Regions {
		b := r.Bounds.Offset(origin)
		drawRect(result, b, r.Color.RGBA(), thickness)
		drawText(result, b.X, b.Y-3, r.Label, r.Color.RGBA())
	}

	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	for i, line := range req.statusLines() {
		drawText(result, 5, 15+i*15, line, white)
	}
	return result
}

// drawRect draws a rectangle outline
func drawRect(img *image.RGBA, bounds Bounds, col color.RGBA, thickness int) {
	clip := img.Bounds()
	for t := 0; t < thickness; t++ {
		edges := []image.Rectangle{
			image.Rect(bounds.X, bounds.Y+t, bounds.X+bounds.W, bounds.Y+t+1),
			image.Rect(bounds.X, bounds.Y+bounds.H-t-1, bounds.X+bounds.W, bounds.Y+bounds.H-t),
			image.Rect(bounds.X+t, bounds.Y, bounds.X+t+1, bounds.Y+bounds.H),
			image.Rect(bounds.X+bounds.W-t-1, bounds.Y, bounds.X+bounds.W-t, bounds.Y+bounds.H),
		}
		for _, e := range edges {
			draw.Draw(img, e.Intersect(clip), image.NewUniform(col), image.Point{}, draw.Src)
		}
	}
}

// drawText draws text with its baseline at y on a darkened background
func drawText(img *image.RGBA, x, y int, text string, col color.RGBA) {
	face := basicfont.Face7x13
	d := &font.Drawer{Dst: img, Src: image.NewUniform(col), Face: face}
	width := d.MeasureString(text).Ceil()

	bg := image.Rect(x-1, y-face.Ascent-1, x+width+1, y+face.Descent+1).Intersect(img.Bounds())
	draw.Draw(img, bg, image.NewUniform(color.RGBA{A: 160}), image.Point{}, draw.Over)

	d.Dot = fixed.P(x, y)
	d.DrawString(text)
}

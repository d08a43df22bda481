// Package main - browser.go
//
// This file implements the Browser controller for games hosted in a web page.
// It is both an ImageSource (region screenshots) and a KeyInput (key events),
// so the browser backend needs no desktop access at all.
//
// Browser Architecture:
// The Browser uses nested contexts for proper resource management:
//   - allocCtx: Allocator context for browser process management
//   - ctx: Browser context for page operations
// Both contexts have cancel functions for graceful cleanup.
//
// Timeout Strategy:
//   - Navigation: 60 seconds (slow network tolerance)
//   - Region screenshot: 5 seconds, further bounded by the caller's context
//   - Key events and overlay: 2 seconds
package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	_ "image/png"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

// ActionLog is a recorded key action shown in the overlay status panel.
type ActionLog struct {
	Message   string
	Timestamp time.Time
}

// Browser manages the chromedp browser instance.
//
// Lifecycle:
//  1. NewBrowser(): Create instance
//  2. Start(): Launch the browser and navigate to the game URL
//  3. Capture()/KeyTap()/KeyToggle(): Per-tick use by the pipeline and dispatcher
//  4. DrawOverlay(): Region boxes on the page (overlay.go builds the script)
//  5. Close(): Clean up contexts and browser process
type Browser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCtx    context.Context
	allocCancel context.CancelFunc

	width    int
	height   int
	headless bool

	actionLogs []ActionLog
	logMutex   sync.RWMutex
}

// NewBrowser creates a new browser instance with the given viewport size
func NewBrowser(width, height int, headless bool) *Browser {
	return &Browser{
		width:      width,
		height:     height,
		headless:   headless,
		actionLogs: make([]ActionLog, 0, 10),
	}
}

// LogAction logs an action for the overlay (keeps last 10)
func (b *Browser) LogAction(message string) {
	b.logMutex.Lock()
	defer b.logMutex.Unlock()

	b.actionLogs = append(b.actionLogs, ActionLog{
		Message:   message,
		Timestamp: time.Now(),
	})

	if len(b.actionLogs) > 10 {
		b.actionLogs = b.actionLogs[len(b.actionLogs)-10:]
	}
}

// RecentActions returns up to n most recent actions
func (b *Browser) RecentActions(n int) []ActionLog {
	b.logMutex.RLock()
	defer b.logMutex.RUnlock()

	if n > len(b.actionLogs) {
		n = len(b.actionLogs)
	}
	result := make([]ActionLog, n)
	copy(result, b.actionLogs[len(b.actionLogs)-n:])
	return result
}

// Start launches the browser and navigates to url.
func (b *Browser) Start(url string) error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", b.headless),
		chromedp.Flag("disable-gpu", false),
		chromedp.WindowSize(b.width, b.height),
	)

	b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	b.ctx, b.cancel = chromedp.NewContext(b.allocCtx, chromedp.WithLogf(func(format string, args ...interface{}) {
		LogDebug(format, args...)
	}))
	LogInfo("Browser context created (%dx%d, headless=%v)", b.width, b.height, b.headless)

	LogInfo("Navigating to %s", url)
	navCtx, navCancel := context.WithTimeout(b.ctx, 60*time.Second)
	defer navCancel()

	if err := chromedp.Run(navCtx,
		chromedp.EmulateViewport(int64(b.width), int64(b.height)),
		chromedp.Navigate(url),
	); err != nil {
		LogError("Navigation error: %v", err)
		return err
	}

	LogInfo("Navigation completed successfully")
	return nil
}

func (b *Browser) alive() bool {
	return b.ctx != nil && b.ctx.Err() == nil
}

// runWithin runs actions on the page, bounded by both parent and timeout.
func (b *Browser) runWithin(parent context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if !b.alive() {
		return fmt.Errorf("browser context is invalid")
	}
	ctx, cancel := context.WithTimeout(b.ctx, timeout)
	defer cancel()

	stop := context.AfterFunc(parent, cancel)
	defer stop()

	return chromedp.Run(ctx, actions...)
}

// Capture screenshots the page area covered by the region.
func (b *Browser) Capture(ctx context.Context, region Region) (*Snapshot, error) {
	var buf []byte
	clip := &page.Viewport{
		X:      float64(region.Bounds.X),
		Y:      float64(region.Bounds.Y),
		Width:  float64(region.Bounds.W),
		Height: float64(region.Bounds.H),
		Scale:  1,
	}

	err := b.runWithin(ctx, 5*time.Second, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatPng).
			WithClip(clip).
			Do(ctx)
		return err
	}))
	if err != nil {
		return nil, NewStageError("capture", ErrCaptureUnavailable, err)
	}

	img, _, err := image.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, NewStageError("capture", ErrCaptureUnavailable, err)
	}

	rgba := image.NewRGBA(image.Rect(0, 0, img.Bounds().Dx(), img.Bounds().Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)

	return &Snapshot{RegionID: region.ID, Image: rgba, CapturedAt: time.Now()}, nil
}

// browserKeyRune maps configured key names onto the chromedp kb runes
func browserKeyRune(name string) (rune, error) {
	switch strings.ToLower(name) {
	case "left":
		return []rune(kb.ArrowLeft)[0], nil
	case "right":
		return []rune(kb.ArrowRight)[0], nil
	case "up":
		return []rune(kb.ArrowUp)[0], nil
	case "down":
		return []rune(kb.ArrowDown)[0], nil
	case "enter":
		return []rune(kb.Enter)[0], nil
	case "esc", "escape":
		return []rune(kb.Escape)[0], nil
	case "space":
		return ' ', nil
	}
	r := []rune(name)
	if len(r) == 1 {
		return r[0], nil
	}
	return 0, fmt.Errorf("unsupported key %q", name)
}

func (b *Browser) dispatchKeyEvents(events []*input.DispatchKeyEventParams) error {
	return b.runWithin(context.Background(), 2*time.Second, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, ev := range events {
			if err := ev.Do(ctx); err != nil {
				return err
			}
		}
		return nil
	}))
}

// KeyTap presses and releases a key on the page
func (b *Browser) KeyTap(key string) error {
	r, err := browserKeyRune(key)
	if err != nil {
		return err
	}
	if err := b.dispatchKeyEvents(kb.Encode(r)); err != nil {
		return err
	}
	b.LogAction("Tap " + key)
	return nil
}

// KeyToggle sends only the down ("down") or up ("up") half of a key press
func (b *Browser) KeyToggle(key, direction string) error {
	r, err := browserKeyRune(key)
	if err != nil {
		return err
	}

	var events []*input.DispatchKeyEventParams
	for _, ev := range kb.Encode(r) {
		isUp := ev.Type == input.KeyUp
		if (direction == "up") == isUp {
			events = append(events, ev)
		}
	}
	if err := b.dispatchKeyEvents(events); err != nil {
		return err
	}
	b.LogAction(fmt.Sprintf("Key %s %s", key, direction))
	return nil
}

// DrawOverlay evaluates an overlay script on the page
func (b *Browser) DrawOverlay(script string) error {
	return b.runWithin(context.Background(), 2*time.Second, chromedp.Evaluate(script, nil))
}

// Close closes the browser
func (b *Browser) Close() {
	LogInfo("Closing browser...")
	if b.cancel != nil {
		b.cancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	LogInfo("Browser closed successfully")
}

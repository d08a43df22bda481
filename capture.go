// Package main - capture.go
//
// Image sources for the detection pipeline. Every backend returns a Snapshot
// whose raster origin is (0, 0) and whose size equals the region bounds.
//
// Backends:
//   - RobotgoSource: desktop capture through robotgo (default)
//   - ScreenshotSource: desktop capture through kbinani/screenshot, for
//     multi-monitor setups where robotgo picks the wrong display
//   - Browser (browser.go): page screenshots through chromedp
//
// A capture that cannot complete returns an error of kind
// ErrCaptureUnavailable; the pipeline turns that into a narrowed signal.
package main

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"time"

	"github.com/go-vgo/robotgo"
	"github.com/kbinani/screenshot"
)

// ImageSource supplies a timestamped raster of a named region.
type ImageSource interface {
	Capture(ctx context.Context, region Region) (*Snapshot, error)
}

// toRGBA copies img into an RGBA raster starting at (0, 0)
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}

// cropRGBA returns a copy of the bounds area of src
func cropRGBA(src *image.RGBA, bounds Bounds) (*image.RGBA, error) {
	r := bounds.Rect().Add(src.Bounds().Min)
	if !r.In(src.Bounds()) {
		return nil, fmt.Errorf("region %s outside %dx%d frame", bounds, src.Bounds().Dx(), src.Bounds().Dy())
	}
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Bounds(), src, r.Min, draw.Src)
	return out, nil
}

// RobotgoSource captures desktop regions with robotgo.
type RobotgoSource struct {
	// Origin is added to region bounds, e.g. the game window position
	Origin Point
}

// Capture grabs the region from the screen
func (s *RobotgoSource) Capture(ctx context.Context, region Region) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewStageError("capture", ErrCaptureUnavailable, err)
	}

	b := region.Bounds
	bit := robotgo.CaptureScreen(s.Origin.X+b.X, s.Origin.Y+b.Y, b.W, b.H)
	if bit == nil {
		return nil, NewStageError("capture", ErrCaptureUnavailable, fmt.Errorf("robotgo returned no bitmap for %s", region.ID))
	}
	defer robotgo.FreeBitmap(bit)

	img := robotgo.ToImage(bit)
	if img == nil {
		return nil, NewStageError("capture", ErrCaptureUnavailable, fmt.Errorf("bitmap conversion failed for %s", region.ID))
	}

	return &Snapshot{RegionID: region.ID, Image: toRGBA(img), CapturedAt: time.Now()}, nil
}

// ScreenshotSource captures desktop regions with kbinani/screenshot.
type ScreenshotSource struct {
	Origin Point
}

// Capture grabs the region from the screen
func (s *ScreenshotSource) Capture(ctx context.Context, region Region) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewStageError("capture", ErrCaptureUnavailable, err)
	}

	rect := region.Bounds.Rect().Add(image.Pt(s.Origin.X, s.Origin.Y))
	img, err := screenshot.CaptureRect(rect)
	if err != nil {
		return nil, NewStageError("capture", ErrCaptureUnavailable, err)
	}

	return &Snapshot{RegionID: region.ID, Image: toRGBA(img), CapturedAt: time.Now()}, nil
}

// FrameSource serves regions cropped out of a single still frame. Used by
// the offline -train mode and by the sprite tool.
type FrameSource struct {
	Frame *image.RGBA
	At    time.Time
}

// NewFrameSource wraps a frame; At defaults to now
func NewFrameSource(frame image.Image) *FrameSource {
	return &FrameSource{Frame: toRGBA(frame), At: time.Now()}
}

// Capture crops the region from the frame
func (s *FrameSource) Capture(ctx context.Context, region Region) (*Snapshot, error) {
	if s.Frame == nil {
		return nil, NewStageError("capture", ErrCaptureUnavailable, fmt.Errorf("no frame"))
	}
	img, err := cropRGBA(s.Frame, region.Bounds)
	if err != nil {
		return nil, NewStageError("capture", ErrCaptureUnavailable, err)
	}
	return &Snapshot{RegionID: region.ID, Image: img, CapturedAt: s.At}, nil
}

// NewImageSource builds the configured desktop backend. The browser backend
// is constructed by the runner because it also serves key input.
func NewImageSource(backend string) (ImageSource, error) {
	switch backend {
	case BackendRobotgo:
		return &RobotgoSource{}, nil
	case BackendScreenshot:
		if screenshot.NumActiveDisplays() == 0 {
			return nil, NewStageError("capture", ErrCaptureUnavailable, fmt.Errorf("no active display"))
		}
		return &ScreenshotSource{}, nil
	default:
		return nil, &ConfigError{Field: "capture.backend", Reason: fmt.Sprintf("%q is not a desktop backend", backend)}
	}
}

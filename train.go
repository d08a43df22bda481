// Package main - train.go
//
// Offline tools for tuning the configuration and maintaining the catalogue.
//
// Modes:
//   -train <png>            run the full pipeline once on a still frame, draw
//                           every region and the signal, save result.png
//   -capture-sprite <name>  capture the sprite region now and store it as
//                           the reference for <name>
//   -list-sprites           list the catalogue
//   -verify-sprites         fingerprint every reference, warn about pairs
//                           closer than hash_threshold, write fingerprints.yaml
//   -history <n>            print the last n stored encounters
//
// Usage:
//   1. Take a screenshot of a battle and run: skin-farm-bot -train battle.png
//   2. Check result.png: every box must sit on its region
//   3. Check the log for the per-stage detection details
package main

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/vcaesar/imgo"
)

const trainResultFile = "result.png"

// loadFrame loads a still frame as RGBA
func loadFrame(path string) (*image.RGBA, error) {
	img, err := imgo.Read(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return toRGBA(img), nil
}

// savePNG saves an image, creating the directory if needed
func savePNG(path string, img image.Image) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return imgo.Save(path, img)
}

// TrainingMode runs offline detection on a still frame
func TrainingMode(cfg *Config, framePath string) error {
	LogInfo("=== Training Mode Started ===")

	frame, err := loadFrame(framePath)
	if err != nil {
		return err
	}
	LogInfo("Image loaded: %dx%d", frame.Bounds().Dx(), frame.Bounds().Dy())

	regions, err := cfg.RegionSet()
	if err != nil {
		return err
	}
	hasher := PHasher{}
	catalogue, err := LoadCatalogue(cfg.Detection.CatalogueDir, hasher)
	if err != nil {
		return err
	}
	indicator, err := NewBattleIndicator(cfg.Detection)
	if err != nil {
		return err
	}
	recognizer, err := NewTesseractRecognizer(cfg.Detection.OCRLanguage, cfg.Detection.OCRTimeout)
	if err != nil {
		return err
	}
	defer recognizer.Close()

	pipeline, err := NewPipeline(cfg.Detection, regions, NewFrameSource(frame), recognizer, hasher, indicator, catalogue)
	if err != nil {
		return err
	}

	LogInfo("=== Running Detection ===")
	sig := pipeline.Detect(context.Background(), 1)
	LogInfo("Signal: %s", sig)
	for _, issue := range sig.Issues {
		LogInfo("Issue: %v", issue)
	}
	fmt.Println(sig.String())

	if region, ok := regions.Get(RegionCreatureName); ok {
		if name, err := cropRGBA(frame, region.Bounds); err == nil {
			prepared := Precondition(name, pipeline.precond)
			if err := savePNG("result_ocr.png", prepared); err != nil {
				LogWarn("Failed to save OCR input: %v", err)
			}
		}
	}

	LogInfo("=== Creating Visualization ===")
	result := DrawRegions(frame, OverlayRequest{Regions: regions.All(), Signal: &sig}, Point{}, cfg.Visualization.BBoxThickness)
	if sig.HasVerdict() {
		verdict := "not a skin"
		col := color.RGBA{R: 255, G: 255, A: 255}
		if sig.Skin() {
			verdict = "SKIN"
			col = color.RGBA{G: 255, A: 255}
		}
		drawText(result, 5, result.Bounds().Dy()-10, fmt.Sprintf("%s: %s (distance %s)", sig.Name(), verdict, formatDistance(sig.HashDistance)), col)
	}

	if err := savePNG(trainResultFile, result); err != nil {
		return fmt.Errorf("save %s: %w", trainResultFile, err)
	}
	LogInfo("=== Training Mode Completed, check %s ===", trainResultFile)
	return nil
}

// openCaptureSource builds the configured image source for a one-shot capture.
// The returned cleanup must be called when done.
func openCaptureSource(cfg *Config) (ImageSource, func(), error) {
	if cfg.Capture.Backend != BackendBrowser {
		src, err := NewImageSource(cfg.Capture.Backend)
		return src, func() {}, err
	}
	browser := NewBrowser(cfg.Capture.WindowWidth, cfg.Capture.WindowHeight, false)
	if err := browser.Start(cfg.Capture.BrowserURL); err != nil {
		browser.Close()
		return nil, nil, err
	}
	return browser, browser.Close, nil
}

// CaptureSprite stores the current sprite region as the reference for name
func CaptureSprite(cfg *Config, rawName string) error {
	name := NormalizeName(rawName)
	if name == "" {
		return fmt.Errorf("%q has no letters", rawName)
	}
	regions, err := cfg.RegionSet()
	if err != nil {
		return err
	}
	region, _ := regions.Get(RegionSprite)

	source, cleanup, err := openCaptureSource(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := source.Capture(ctx, region)
	if err != nil {
		return err
	}

	hash, err := PHasher{}.Fingerprint(snap.Image)
	if err != nil {
		return err
	}
	path := filepath.Join(cfg.Detection.CatalogueDir, name+".png")
	if err := savePNG(path, snap.Image); err != nil {
		return err
	}
	LogInfo("Reference sprite for %s saved to %s (%s)", name, path, hash)
	fmt.Printf("%s -> %s (%s)\n", name, path, hash)
	return nil
}

// ListSprites prints every catalogue entry
func ListSprites(cfg *Config, w io.Writer) error {
	catalogue, err := LoadCatalogue(cfg.Detection.CatalogueDir, PHasher{})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%d reference sprites in %s\n", catalogue.Len(), cfg.Detection.CatalogueDir)
	for _, name := range catalogue.Names() {
		ref, _ := catalogue.Lookup(name)
		fmt.Fprintf(w, "  %-16s %s  %s\n", name, ref.Hash, ref.Source)
	}
	return nil
}

// ClosePair is two references whose fingerprints are too close to tell a
// skin of one from the other
type ClosePair struct {
	A, B     string
	Distance float64
}

// FindClosePairs returns every pair of references with distance <= threshold
func FindClosePairs(c *Catalogue, hasher Hasher, threshold float64) []ClosePair {
	names := c.Names()
	var pairs []ClosePair
	for i := 0; i < len(names); i++ {
		a, _ := c.Lookup(names[i])
		for j := i + 1; j < len(names); j++ {
			b, _ := c.Lookup(names[j])
			d, err := hasher.Distance(a.Hash, b.Hash)
			if err != nil {
				d = math.Inf(1)
			}
			if d <= threshold {
				pairs = append(pairs, ClosePair{A: a.Name, B: b.Name, Distance: d})
			}
		}
	}
	return pairs
}

// VerifySprites fingerprints the catalogue, reports confusable pairs and
// writes the manifest
func VerifySprites(cfg *Config, w io.Writer) error {
	hasher := PHasher{}
	dir := cfg.Detection.CatalogueDir
	catalogue, err := LoadCatalogue(dir, hasher)
	if err != nil {
		return err
	}
	if err := ListSprites(cfg, w); err != nil {
		return err
	}

	pairs := FindClosePairs(catalogue, hasher, cfg.Detection.HashThreshold)
	for _, p := range pairs {
		fmt.Fprintf(w, "WARNING: %s and %s are only %s apart\n", p.A, p.B, FormatFloat(p.Distance, 1))
		LogWarn("Reference sprites %s and %s are only %s apart", p.A, p.B, FormatFloat(p.Distance, 1))
	}

	if err := WriteManifest(dir, catalogue); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	fmt.Fprintf(w, "Manifest written to %s\n", filepath.Join(dir, manifestFile))
	return nil
}

// PrintHistory prints the last n stored encounters
func PrintHistory(cfg *Config, n int, w io.Writer) error {
	store, err := OpenEncounterStore(cfg.Diagnostics.EncounterDB)
	if err != nil {
		return err
	}
	defer store.Close()

	rows, err := store.Recent(n)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Last %d encounters:\n", len(rows))
	for _, row := range rows {
		fmt.Fprintln(w, "  "+row.String())
	}
	return nil
}

// Package main - analyzer.go
//
// The detection pipeline: turns region snapshots into one DetectionSignal
// per tick.
//
// Stage Order:
//  1. Battle-activity test on the battle_indicator region. Runs every tick.
//     If inactive the pipeline returns immediately; no OCR and no hashing.
//  2. Name recognition on the creature_name region (preconditioned raster,
//     normalized text). Empty or low-confidence output leaves the name unset.
//  3. Sprite fingerprint comparison against the catalogue entry for the name.
//     isSkin = distance > hash_threshold. With use_ssim_confirmation a
//     positive is accepted only if SSIM(sprite, reference) < ssim_threshold;
//     otherwise isSkin=false and the disagreement is logged as ambiguous.
//
// Error Handling:
// A failing stage never aborts the tick. It narrows the signal (dependent
// fields stay unset) and is recorded in Issues. Capture, recognizer, hashing
// failures and catalogue misses are counted in Errors; low OCR confidence
// and ambiguous verdicts are not.
//
// Thread Safety:
// Detect may run on several workers at once. The catalogue is swapped under
// a lock; everything else is read-only after NewPipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/vcaesar/imgo"
)

// BattleIndicator decides from the battle indicator snapshot whether a battle is on screen.
// Implementations must be deterministic for a given snapshot and configuration.
type BattleIndicator interface {
	Name() string
	Active(img *image.RGBA) (bool, float64)
}

// ColorFractionIndicator reports a battle when enough pixels fall in a color band.
type ColorFractionIndicator struct {
	Color       Color
	Tolerance   uint8
	MinFraction float64
}

func (ci ColorFractionIndicator) Name() string { return StrategyColorFraction }

// Active returns the decision and the fraction of matching pixels
func (ci ColorFractionIndicator) Active(img *image.RGBA) (bool, float64) {
	if img == nil || img.Bounds().Empty() {
		return false, 0
	}
	b := img.Bounds()
	matched := countMatching(img, Bounds{X: b.Min.X, Y: b.Min.Y, W: b.Dx(), H: b.Dy()}, ci.Color, ci.Tolerance)
	fraction := float64(matched) / float64(b.Dx()*b.Dy())
	return fraction >= ci.MinFraction, fraction
}

// TemplateIndicator reports a battle when a reference template matches the snapshot.
type TemplateIndicator struct {
	Template  image.Image
	Threshold float64
}

func (ti TemplateIndicator) Name() string { return StrategyTemplate }

// Active returns the decision and the best template score
func (ti TemplateIndicator) Active(img *image.RGBA) (bool, float64) {
	if img == nil || ti.Template == nil {
		return false, 0
	}
	score := matchTemplate(img, ti.Template)
	return score >= ti.Threshold, score
}

// NewBattleIndicator builds the configured stage 1 strategy
func NewBattleIndicator(d DetectionConfig) (BattleIndicator, error) {
	switch d.BattleStrategy {
	case StrategyColorFraction:
		col, err := colorFromInts(d.BattleColor, "detection.battle_color")
		if err != nil {
			return nil, err
		}
		return ColorFractionIndicator{
			Color:       col,
			Tolerance:   uint8(Clamp(d.BattleColorTolerance, 0, 255)),
			MinFraction: d.BattleMinFraction,
		}, nil
	case StrategyTemplate:
		tmpl, err := imgo.Read(d.BattleTemplate)
		if err != nil {
			return nil, &ConfigError{Field: "detection.battle_template", Reason: err.Error()}
		}
		return TemplateIndicator{Template: tmpl, Threshold: d.BattleTemplateThreshold}, nil
	default:
		return nil, &ConfigError{Field: "detection.battle_strategy", Reason: fmt.Sprintf("unknown strategy %q", d.BattleStrategy)}
	}
}

// countMatching counts pixels in region matching target within tolerance
func countMatching(img *image.RGBA, region Bounds, target Color, tolerance uint8) int {
	r := region.Rect().Intersect(img.Bounds())
	count := 0
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if colorMatches(img.RGBAAt(x, y), target, tolerance) {
				count++
			}
		}
	}
	return count
}

// colorMatches checks if a color matches a target color within tolerance.
// Pixels with alpha below 250 never match.
func colorMatches(c color.RGBA, target Color, tolerance uint8) bool {
	if c.A < 250 {
		return false
	}
	return target.Matches(Color{R: c.R, G: c.G, B: c.B}, tolerance)
}

// Pipeline runs the three detection stages.
type Pipeline struct {
	regions    *RegionSet
	source     ImageSource
	recognizer TextRecognizer
	hasher     Hasher
	indicator  BattleIndicator
	cfg        DetectionConfig
	precond    PreconditionOptions

	mu        sync.RWMutex
	catalogue *Catalogue
}

// NewPipeline wires the collaborators. regions must contain every RequiredRegions id.
func NewPipeline(cfg DetectionConfig, regions *RegionSet, source ImageSource, recognizer TextRecognizer, hasher Hasher, indicator BattleIndicator, catalogue *Catalogue) (*Pipeline, error) {
	for _, id := range RequiredRegions {
		if _, ok := regions.Get(id); !ok {
			return nil, &ConfigError{Field: "regions." + id, Reason: "missing region definition"}
		}
	}
	if catalogue == nil {
		catalogue = NewCatalogue()
	}
	return &Pipeline{
		regions:    regions,
		source:     source,
		recognizer: recognizer,
		hasher:     hasher,
		indicator:  indicator,
		cfg:        cfg,
		precond:    PreconditionOptionsFromConfig(cfg),
		catalogue:  catalogue,
	}, nil
}

// Catalogue returns the catalogue currently in use
func (p *Pipeline) Catalogue() *Catalogue {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.catalogue
}

// SwapCatalogue replaces the catalogue and returns the previous one.
// Callers only swap while the decision loop is paused.
func (p *Pipeline) SwapCatalogue(c *Catalogue) *Catalogue {
	if c == nil {
		c = NewCatalogue()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.catalogue
	p.catalogue = c
	LogInfo("Catalogue swapped: %d -> %d creatures", old.Len(), c.Len())
	return old
}

func (p *Pipeline) capture(ctx context.Context, id string) (*Snapshot, error) {
	region, _ := p.regions.Get(id)
	snap, err := p.source.Capture(ctx, region)
	if err != nil {
		if !errors.Is(err, ErrCaptureUnavailable) {
			err = NewStageError("capture "+id, ErrCaptureUnavailable, err)
		}
		return nil, err
	}
	if snap == nil || snap.Image == nil {
		return nil, NewStageError("capture "+id, ErrCaptureUnavailable, fmt.Errorf("empty snapshot"))
	}
	return snap, nil
}

// issue records a stage problem; counted problems go against the error budget
func issue(sig *DetectionSignal, err error, counted bool) {
	sig.Issues = append(sig.Issues, err)
	if counted {
		sig.Errors++
	}
}

// Detect produces the signal for one tick. It never fails; stage problems
// are reported inside the signal. A panicking stage yields a narrowed signal
// carrying one counted error.
func (p *Pipeline) Detect(ctx context.Context, seq uint64) (sig DetectionSignal) {
	timer := NewTimer(fmt.Sprintf("detect #%d", seq))
	defer timer.Stop()

	defer func() {
		if r := recover(); r != nil {
			LogError("Tick #%d: panic in detection: %v", seq, r)
			sig = DetectionSignal{Seq: seq, At: time.Now()}
			issue(&sig, NewStageError("detect", ErrDetectionPanic, fmt.Errorf("%v", r)), true)
			return
		}
		if !sig.Consistent() {
			LogError("Tick #%d: inconsistent signal %s", seq, sig)
		}
	}()

	return p.detect(ctx, seq)
}

func (p *Pipeline) detect(ctx context.Context, seq uint64) DetectionSignal {
	sig := DetectionSignal{Seq: seq, At: time.Now()}

	// Stage 1: battle activity
	snap, err := p.capture(ctx, RegionBattleIndicator)
	if err != nil {
		issue(&sig, err, true)
		LogWarn("Tick #%d: %v", seq, err)
		return sig
	}
	if !snap.CapturedAt.IsZero() {
		sig.At = snap.CapturedAt
	}
	active, score := p.indicator.Active(snap.Image)
	LogDebug("Tick #%d: %s score=%s active=%v", seq, p.indicator.Name(), FormatFloat(score, 3), active)
	if !active {
		return sig
	}
	sig.BattleActive = true

	// Stage 2: creature name
	name, conf := p.recognizeName(ctx, &sig)
	sig.OCRConfidence = conf
	if name == "" {
		return sig
	}
	sig.CreatureName = &name

	// Stage 3: sprite fingerprint
	p.compareSprite(ctx, &sig, name)
	LogDebug("Tick #%d: %s", seq, sig)
	return sig
}

func (p *Pipeline) recognizeName(ctx context.Context, sig *DetectionSignal) (string, float64) {
	snap, err := p.capture(ctx, RegionCreatureName)
	if err != nil {
		issue(sig, err, true)
		LogWarn("Tick #%d: %v", sig.Seq, err)
		return "", 0
	}

	prepared := Precondition(snap.Image, p.precond)
	text, conf, err := p.recognizer.RecognizeText(ctx, prepared)
	if err != nil {
		if !errors.Is(err, ErrRecognitionTimeout) {
			err = NewStageError("ocr", ErrRecognitionFailure, err)
		}
		issue(sig, err, true)
		LogWarn("Tick #%d: %v", sig.Seq, err)
		return "", 0
	}

	name := NormalizeName(text)
	if name == "" || conf < p.cfg.OCRConfidenceFloor {
		issue(sig, NewStageError("ocr", ErrRecognitionLowConfidence,
			fmt.Errorf("text %q confidence %s < %s", text, FormatFloat(conf, 1), FormatFloat(p.cfg.OCRConfidenceFloor, 1))), false)
		LogDebug("Tick #%d: name unresolved (%q, conf=%s)", sig.Seq, text, FormatFloat(conf, 1))
		return "", conf
	}
	return name, conf
}

func (p *Pipeline) compareSprite(ctx context.Context, sig *DetectionSignal, name string) {
	ref, ok := p.Catalogue().Lookup(name)
	if !ok {
		issue(sig, NewStageError("fingerprint", ErrFingerprintCatalogueMiss, fmt.Errorf("%q", name)), true)
		LogWarn("Tick #%d: %q is not in the catalogue", sig.Seq, name)
		return
	}

	sprite, err := p.capture(ctx, RegionSprite)
	if err != nil {
		issue(sig, err, true)
		LogWarn("Tick #%d: %v", sig.Seq, err)
		return
	}
	sig.Sprite = sprite

	hash, err := p.hasher.Fingerprint(sprite.Image)
	if err != nil {
		issue(sig, NewStageError("fingerprint", ErrFingerprintFailure, err), true)
		return
	}
	dist, err := p.hasher.Distance(hash, ref.Hash)
	if err != nil {
		issue(sig, NewStageError("fingerprint", ErrFingerprintFailure, err), true)
		return
	}
	sig.HashDistance = &dist

	skin := dist > p.cfg.HashThreshold
	if skin && p.cfg.UseSSIMConfirmation {
		skin = p.confirmStructure(sig, sprite.Image, ref)
	}
	sig.IsSkin = &skin
}

// confirmStructure applies the SSIM gate to a fingerprint positive
func (p *Pipeline) confirmStructure(sig *DetectionSignal, sprite image.Image, ref ReferenceFingerprint) bool {
	if ref.Image == nil {
		issue(sig, NewStageError("ssim", ErrAmbiguousVerdict, fmt.Errorf("no reference raster for %q", ref.Name)), false)
		LogWarn("Tick #%d: fingerprint positive for %q kept negative, no reference raster", sig.Seq, ref.Name)
		return false
	}

	score := SSIM(sprite, ref.Image)
	sig.SSIM = &score
	if score < p.cfg.SSIMThreshold {
		return true
	}

	issue(sig, NewStageError("ssim", ErrAmbiguousVerdict,
		fmt.Errorf("distance %s but ssim %s >= %s", FormatFloat(*sig.HashDistance, 1), FormatFloat(score, 3), FormatFloat(p.cfg.SSIMThreshold, 3))), false)
	LogWarn("Tick #%d: ambiguous verdict for %q (ssim=%s)", sig.Seq, ref.Name, FormatFloat(score, 3))
	return false
}

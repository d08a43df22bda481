package main

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"
)

var testEpoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// at returns testEpoch + d
func at(d time.Duration) time.Time {
	return testEpoch.Add(d)
}

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

// patternImage draws a deterministic pattern so hashes and SSIM have structure
func patternImage(w, h int, seed int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8((x*7 + y*13 + seed*31) % 256)
			if (x/8+y/8+seed)%2 == 0 {
				v = 255 - v
			}
			img.SetRGBA(x, y, color.RGBA{R: v, G: v / 2, B: 255 - v, A: 255})
		}
	}
	return img
}

func testRegions() *RegionSet {
	return NewRegionSet(
		Region{ID: RegionBattleIndicator, Bounds: NewBounds(0, 0, 20, 10), Label: "Battle", Color: NewColor(0, 255, 0)},
		Region{ID: RegionCreatureName, Bounds: NewBounds(0, 20, 40, 10), Label: "Name", Color: NewColor(255, 255, 0)},
		Region{ID: RegionSprite, Bounds: NewBounds(0, 40, 32, 32), Label: "Sprite", Color: NewColor(255, 0, 255)},
	)
}

// fakeSource serves fixed rasters per region and counts captures
type fakeSource struct {
	mu     sync.Mutex
	images map[string]*image.RGBA
	errs   map[string]error
	at     time.Time
	calls  map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		images: make(map[string]*image.RGBA),
		errs:   make(map[string]error),
		at:     testEpoch,
		calls:  make(map[string]int),
	}
}

func (s *fakeSource) Capture(ctx context.Context, region Region) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[region.ID]++
	if err := s.errs[region.ID]; err != nil {
		return nil, err
	}
	img, ok := s.images[region.ID]
	if !ok {
		img = solidImage(region.Bounds.W, region.Bounds.H, color.RGBA{A: 255})
	}
	return &Snapshot{RegionID: region.ID, Image: img, CapturedAt: s.at}, nil
}

func (s *fakeSource) count(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

// fakeRecognizer returns fixed text
type fakeRecognizer struct {
	mu    sync.Mutex
	text  string
	conf  float64
	err   error
	calls int
}

func (r *fakeRecognizer) RecognizeText(ctx context.Context, img image.Image) (string, float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.text, r.conf, r.err
}

// fakeHasher returns a fixed distance
type fakeHasher struct {
	mu        sync.Mutex
	distance  float64
	err       error
	hashCalls int
}

func (h *fakeHasher) Fingerprint(img image.Image) (Fingerprint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hashCalls++
	if h.err != nil {
		return Fingerprint{}, h.err
	}
	return NewFingerprint(0), nil
}

func (h *fakeHasher) Distance(a, b Fingerprint) (float64, error) {
	return h.distance, nil
}

// fakeIndicator reports a fixed battle state
type fakeIndicator struct {
	active bool
}

func (f fakeIndicator) Name() string { return "fake" }

func (f fakeIndicator) Active(img *image.RGBA) (bool, float64) {
	if f.active {
		return true, 1
	}
	return false, 0
}

// panicIndicator panics on its first `left` calls, then reports no battle
type panicIndicator struct {
	mu   sync.Mutex
	left int
}

func (f *panicIndicator) Name() string { return "panic" }

func (f *panicIndicator) Active(img *image.RGBA) (bool, float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.left > 0 {
		f.left--
		panic("indicator exploded")
	}
	return false, 0
}

type fakeArchiver struct {
	signals []DetectionSignal
}

func (a *fakeArchiver) Archive(sig DetectionSignal) (string, error) {
	a.signals = append(a.signals, sig)
	return fmt.Sprintf("debug/skin_%s.png", sig.Name()), nil
}

type fakeRecorder struct {
	encounters []Encounter
}

func (r *fakeRecorder) RecordEncounter(e Encounter) {
	r.encounters = append(r.encounters, e)
}

// fakeKeys records key events
type fakeKeys struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (k *fakeKeys) KeyTap(key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.err != nil {
		return k.err
	}
	k.events = append(k.events, "tap "+key)
	return nil
}

func (k *fakeKeys) KeyToggle(key, direction string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.err != nil {
		return k.err
	}
	k.events = append(k.events, direction+" "+key)
	return nil
}

func (k *fakeKeys) recorded() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, len(k.events))
	copy(out, k.events)
	return out
}

// Signal builders

func idleSignal(seq uint64, t time.Time) DetectionSignal {
	return DetectionSignal{Seq: seq, At: t}
}

func battleSignal(seq uint64, t time.Time) DetectionSignal {
	return DetectionSignal{Seq: seq, At: t, BattleActive: true}
}

func verdictSignal(seq uint64, t time.Time, name string, distance, threshold float64) DetectionSignal {
	skin := distance > threshold
	return DetectionSignal{
		Seq:           seq,
		At:            t,
		BattleActive:  true,
		CreatureName:  &name,
		OCRConfidence: 90,
		HashDistance:  &distance,
		IsSkin:        &skin,
		Sprite:        &Snapshot{RegionID: RegionSprite, Image: solidImage(4, 4, color.RGBA{A: 255}), CapturedAt: t},
	}
}

func testBehavior() BehaviorConfig {
	return BehaviorConfig{
		TickInterval:       100 * time.Millisecond,
		MovementDelay:      time.Second,
		BattleDwellTimeout: 10 * time.Second,
		StartupGracePeriod: 0,
		ErrorTolerance:     3,
		HistorySize:        50,
		ConfirmTicks:       1,
	}
}

func testDetection() DetectionConfig {
	d := NewConfig().Detection
	d.OCRConfidenceFloor = 60
	d.HashThreshold = 5
	d.SSIMThreshold = 0.95
	return d
}

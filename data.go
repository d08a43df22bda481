// Package main - data.go
//
// This file defines the core data model shared by capture, detection and the
// decision loop.
//
// Major Data Categories:
//
// 1. Geometric Types:
//    - Point: 2D coordinates
//    - Bounds: Rectangles in source-image coordinates (X, Y, W, H)
//    - Color: RGB color with tolerance matching
//
// 2. Regions:
//    - Region: Named capture window with label and display color
//    - RegionSet: Immutable, process-wide set of regions looked up by id
//
// 3. Per-tick values:
//    - Snapshot: Raster of one region tagged with region id and capture time
//    - DetectionSignal: Output of the detection pipeline for one tick
//    - ControlIntent: What the decision loop asks the dispatcher to do
//
// 4. Decision state:
//    - BotState: Idle, Farming, InBattle, Paused, Stopped
//    - TransitionRecord: One entry of the bounded transition history
//    - Stats: Counters accumulated by the state machine
//
// Thread Safety:
// Region, RegionSet, Snapshot and DetectionSignal are never mutated after
// construction and may be shared freely. Stats is a value type; the state
// machine hands out copies.
package main

import (
	"fmt"
	"image"
	"image/color"
	"sort"
	"time"
)

// Region identifiers the pipeline depends on.
const (
	RegionBattleIndicator = "battle_indicator"
	RegionCreatureName    = "creature_name"
	RegionSprite          = "sprite"
)

// RequiredRegions lists the regions that must be configured before the loop starts.
var RequiredRegions = []string{RegionBattleIndicator, RegionCreatureName, RegionSprite}

// Point represents a 2D coordinate in screen space.
type Point struct {
	X int
	Y int
}

// Bounds represents a rectangular area
type Bounds struct {
	X int // Top-left X coordinate
	Y int // Top-left Y coordinate
	W int // Width
	H int // Height
}

// NewBounds creates a new Bounds
func NewBounds(x, y, w, h int) Bounds {
	return Bounds{X: x, Y: y, W: w, H: h}
}

// BoundsFromCorners converts [x1, y1, x2, y2] corner coordinates into Bounds
func BoundsFromCorners(x1, y1, x2, y2 int) Bounds {
	if x2 < x1 {
		x1, x2 = x2, x1
	}
	if y2 < y1 {
		y1, y2 = y2, y1
	}
	return Bounds{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}
}

// Empty reports whether the bounds cover no pixels
func (b Bounds) Empty() bool {
	return b.W <= 0 || b.H <= 0
}

// Rect converts the bounds to an image.Rectangle
func (b Bounds) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.W, b.Y+b.H)
}

// Union returns the smallest bounds covering both b and other
func (b Bounds) Union(other Bounds) Bounds {
	if b.Empty() {
		return other
	}
	if other.Empty() {
		return b
	}
	r := b.Rect().Union(other.Rect())
	return Bounds{X: r.Min.X, Y: r.Min.Y, W: r.Dx(), H: r.Dy()}
}

// Offset translates the bounds so that origin becomes (0, 0)
func (b Bounds) Offset(origin Point) Bounds {
	return Bounds{X: b.X - origin.X, Y: b.Y - origin.Y, W: b.W, H: b.H}
}

// String returns a compact representation used in logs and config errors
func (b Bounds) String() string {
	return fmt.Sprintf("[%d,%d %dx%d]", b.X, b.Y, b.W, b.H)
}

// Color represents an RGB color
type Color struct {
	R uint8
	G uint8
	B uint8
}

// NewColor creates a new Color
func NewColor(r, g, b uint8) Color {
	return Color{R: r, G: g, B: b}
}

// Matches checks if another color matches within tolerance
func (c Color) Matches(other Color, tolerance uint8) bool {
	return absDiff(c.R, other.R) <= tolerance &&
		absDiff(c.G, other.G) <= tolerance &&
		absDiff(c.B, other.B) <= tolerance
}

// RGBA converts to an opaque color.RGBA
func (c Color) RGBA() color.RGBA {
	return color.RGBA{R: c.R, G: c.G, B: c.B, A: 255}
}

// absDiff returns absolute difference between two uint8 values
func absDiff(a, b uint8) uint8 {
	if a > b {
		return a - b
	}
	return b - a
}

// Region is a named rectangular portion of the game display.
type Region struct {
	ID     string
	Bounds Bounds
	Label  string
	Color  Color
}

// RegionSet is the immutable set of configured regions.
type RegionSet struct {
	regions map[string]Region
	ids     []string
}

// NewRegionSet builds a region set; later duplicates replace earlier ones
func NewRegionSet(regions ...Region) *RegionSet {
	rs := &RegionSet{regions: make(map[string]Region, len(regions))}
	for _, r := range regions {
		if _, exists := rs.regions[r.ID]; !exists {
			rs.ids = append(rs.ids, r.ID)
		}
		rs.regions[r.ID] = r
	}
	sort.Strings(rs.ids)
	return rs
}

// Get looks up a region by id
func (rs *RegionSet) Get(id string) (Region, bool) {
	if rs == nil {
		return Region{}, false
	}
	r, ok := rs.regions[id]
	return r, ok
}

// All returns the regions sorted by id
func (rs *RegionSet) All() []Region {
	if rs == nil {
		return nil
	}
	out := make([]Region, 0, len(rs.ids))
	for _, id := range rs.ids {
		out = append(out, rs.regions[id])
	}
	return out
}

// Len returns the number of regions
func (rs *RegionSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.ids)
}

// Union returns the bounding box of every region
func (rs *RegionSet) Union() Bounds {
	var u Bounds
	for _, r := range rs.All() {
		u = u.Union(r.Bounds)
	}
	return u
}

// Snapshot is a raster of one region at one instant.
type Snapshot struct {
	RegionID   string
	Image      *image.RGBA
	CapturedAt time.Time
}

// DetectionSignal is the per-tick output of the detection pipeline.
//
// Invariants:
//   - BattleActive=false implies CreatureName, HashDistance and IsSkin are nil
//   - HashDistance is set only when both a sprite and a catalogue entry exist
type DetectionSignal struct {
	Seq           uint64
	At            time.Time
	BattleActive  bool
	CreatureName  *string
	OCRConfidence float64
	HashDistance  *float64
	IsSkin        *bool
	SSIM          *float64

	// Errors is the number of stage failures counted against the error budget.
	Errors int
	// Issues holds every stage problem, counted or not.
	Issues []error

	// Sprite is kept only so a confirmed skin can be archived.
	Sprite *Snapshot
}

// Name returns the recognized creature name or "" when unknown
func (s DetectionSignal) Name() string {
	if s.CreatureName == nil {
		return ""
	}
	return *s.CreatureName
}

// HasVerdict reports whether the pipeline reached a skin / not-skin decision
func (s DetectionSignal) HasVerdict() bool {
	return s.BattleActive && s.CreatureName != nil && s.IsSkin != nil
}

// Skin reports whether the signal carries a positive skin verdict
func (s DetectionSignal) Skin() bool {
	return s.HasVerdict() && *s.IsSkin
}

// Consistent checks the DetectionSignal invariants
func (s DetectionSignal) Consistent() bool {
	if !s.BattleActive {
		return s.CreatureName == nil && s.IsSkin == nil && s.HashDistance == nil
	}
	if s.HashDistance != nil && s.CreatureName == nil {
		return false
	}
	return true
}

// String renders the signal for the diagnostic trace
func (s DetectionSignal) String() string {
	if !s.BattleActive {
		return fmt.Sprintf("#%d battle=false errors=%d", s.Seq, s.Errors)
	}
	name := "<unknown>"
	if s.CreatureName != nil {
		name = *s.CreatureName
	}
	dist := "-"
	if s.HashDistance != nil {
		dist = FormatFloat(*s.HashDistance, 1)
	}
	verdict := "-"
	if s.IsSkin != nil {
		verdict = fmt.Sprintf("%v", *s.IsSkin)
	}
	return fmt.Sprintf("#%d battle=true name=%s conf=%.1f dist=%s skin=%s errors=%d",
		s.Seq, name, s.OCRConfidence, dist, verdict, s.Errors)
}

// ControlIntent is a command for the action dispatcher
type ControlIntent int

const (
	IntentNone ControlIntent = iota
	IntentMoveLeft
	IntentMoveRight
	IntentFlee
	IntentInteract
)

// String returns the string representation of the intent
func (i ControlIntent) String() string {
	switch i {
	case IntentNone:
		return "None"
	case IntentMoveLeft:
		return "MoveLeft"
	case IntentMoveRight:
		return "MoveRight"
	case IntentFlee:
		return "Flee"
	case IntentInteract:
		return "Interact"
	default:
		return "Unknown"
	}
}

// BotState is the state of the decision state machine
type BotState int

const (
	StateIdle BotState = iota
	StateFarming
	StateInBattle
	StatePaused
	StateStopped
)

// String returns the string representation of the state
func (s BotState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateFarming:
		return "Farming"
	case StateInBattle:
		return "InBattle"
	case StatePaused:
		return "Paused"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// TransitionRecord is one entry of the transition history
type TransitionRecord struct {
	At     time.Time
	From   BotState
	To     BotState
	Reason string
}

// String formats the record as "HH:MM:SS | From -> To | reason"
func (r TransitionRecord) String() string {
	return fmt.Sprintf("%s | %s -> %s | %s", r.At.Format("15:04:05"), r.From, r.To, r.Reason)
}

// Stats holds the counters accumulated during a run
type Stats struct {
	StartTime      time.Time
	EndTime        time.Time // zero until the run is finalized
	Battles        int
	SkinsFound     int
	FleesPerformed int
	Errors         int
}

// SkinRate returns skinsFound / battles, 0 when no battle happened
func (s Stats) SkinRate() float64 {
	if s.Battles == 0 {
		return 0
	}
	return float64(s.SkinsFound) / float64(s.Battles)
}

// Runtime returns the elapsed run time up to now (or the end time once finalized)
func (s Stats) Runtime(now time.Time) time.Duration {
	if s.StartTime.IsZero() {
		return 0
	}
	end := now
	if !s.EndTime.IsZero() {
		end = s.EndTime
	}
	if end.Before(s.StartTime) {
		return 0
	}
	return end.Sub(s.StartTime)
}

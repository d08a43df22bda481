// Package main - config.go
//
// Bot configuration: region rectangles, detection tunables, key bindings and
// loop timing. The structure mirrors the YAML file read by LoadConfig
// (persistence.go); every key has a default in NewConfig.
//
// The configuration is loaded once before the decision loop starts and is
// never mutated while the loop runs.
//
// Example:
//
//	regions:
//	  battle_indicator: {rect: [40, 600, 360, 640], label: "Battle", color: [0, 255, 0]}
//	  creature_name:    {rect: [820, 90, 1100, 125], label: "Name", color: [255, 255, 0]}
//	  sprite:           {rect: [850, 140, 1050, 340], label: "Sprite", color: [255, 0, 255]}
//	detection:
//	  hash_threshold: 5
//	  use_ssim_confirmation: true
//	behavior:
//	  tick_interval: 100ms
//	  battle_dwell_timeout: 10s
package main

import (
	"fmt"
	"sort"
	"time"
)

// Battle indicator strategies
const (
	StrategyColorFraction = "color_fraction"
	StrategyTemplate      = "template"
)

// Capture backends
const (
	BackendRobotgo    = "robotgo"
	BackendScreenshot = "screenshot"
	BackendBrowser    = "browser"
)

// RegionConfig is the persisted form of a Region
type RegionConfig struct {
	Rect  []int  `yaml:"rect"` // [x1, y1, x2, y2]
	Label string `yaml:"label"`
	Color []int  `yaml:"color"` // [r, g, b]
}

// DetectionConfig holds the detection pipeline tunables
type DetectionConfig struct {
	BattleStrategy          string  `yaml:"battle_strategy"`
	BattleColor             []int   `yaml:"battle_color"`
	BattleColorTolerance    int     `yaml:"battle_color_tolerance"`
	BattleMinFraction       float64 `yaml:"battle_min_fraction"`
	BattleTemplate          string  `yaml:"battle_template"`
	BattleTemplateThreshold float64 `yaml:"battle_template_threshold"`

	HashThreshold       float64 `yaml:"hash_threshold"`
	UseSSIMConfirmation bool    `yaml:"use_ssim_confirmation"`
	SSIMThreshold       float64 `yaml:"ssim_threshold"` // skin confirmed when ssim < threshold

	OCRLanguage          string        `yaml:"ocr_language"`
	OCRConfidenceFloor   float64       `yaml:"ocr_confidence_floor"` // 0-100
	OCRTimeout           time.Duration `yaml:"ocr_timeout"`
	OCRScale             int           `yaml:"ocr_scale"`
	OCRBinarizeThreshold int           `yaml:"ocr_binarize_threshold"`
	OCRPadding           int           `yaml:"ocr_padding"`

	CatalogueDir string `yaml:"catalogue_dir"`
}

// ControlsConfig holds key bindings
type ControlsConfig struct {
	MoveKey1    string        `yaml:"move_key_1"`
	MoveKey2    string        `yaml:"move_key_2"`
	FleeKeys    []string      `yaml:"flee_keys"`
	InteractKey string        `yaml:"interact_key"`
	KeyHold     time.Duration `yaml:"key_hold"`
	ActionDelay time.Duration `yaml:"action_delay"`
}

// BehaviorConfig holds decision loop timing and budgets
type BehaviorConfig struct {
	TickInterval       time.Duration `yaml:"tick_interval"`
	MovementDelay      time.Duration `yaml:"movement_delay"`
	BattleDwellTimeout time.Duration `yaml:"battle_dwell_timeout"`
	StartupGracePeriod time.Duration `yaml:"startup_grace_period"`
	ErrorTolerance     int           `yaml:"error_tolerance"`
	HistorySize        int           `yaml:"history_size"`
	ConfirmTicks       int           `yaml:"confirm_ticks"`
	PipelineWorkers    int           `yaml:"pipeline_workers"`
}

// CaptureConfig selects the image source and action backend
type CaptureConfig struct {
	Backend      string `yaml:"backend"`
	BrowserURL   string `yaml:"browser_url"`
	WindowWidth  int    `yaml:"window_width"`
	WindowHeight int    `yaml:"window_height"`
}

// VisualizationConfig controls the region overlay
type VisualizationConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BBoxThickness  int           `yaml:"bbox_thickness"`
	UpdateInterval time.Duration `yaml:"update_interval"`
	OutputFile     string        `yaml:"output_file"`
}

// DiagnosticsConfig holds output locations
type DiagnosticsConfig struct {
	ArchiveDir  string `yaml:"archive_dir"`
	LogFile     string `yaml:"log_file"`
	EncounterDB string `yaml:"encounter_db"`
}

// ControlConfig configures the HTTP control surface
type ControlConfig struct {
	ListenAddr string `yaml:"listen_addr"` // empty disables the server
}

// Config holds bot configuration
type Config struct {
	Regions       map[string]RegionConfig `yaml:"regions"`
	Detection     DetectionConfig         `yaml:"detection"`
	Controls      ControlsConfig          `yaml:"controls"`
	Behavior      BehaviorConfig          `yaml:"behavior"`
	Capture       CaptureConfig           `yaml:"capture"`
	Visualization VisualizationConfig     `yaml:"visualization"`
	Diagnostics   DiagnosticsConfig       `yaml:"diagnostics"`
	Control       ControlConfig           `yaml:"control"`
}

// NewConfig creates default configuration. Regions have no default and must
// come from the config file.
func NewConfig() *Config {
	return &Config{
		Regions: make(map[string]RegionConfig),
		Detection: DetectionConfig{
			BattleStrategy:          StrategyColorFraction,
			BattleColor:             []int{248, 248, 248},
			BattleColorTolerance:    12,
			BattleMinFraction:       0.35,
			BattleTemplateThreshold: 0.8,
			HashThreshold:           5,
			UseSSIMConfirmation:     false,
			SSIMThreshold:           0.95,
			OCRLanguage:             "eng",
			OCRConfidenceFloor:      60,
			OCRTimeout:              2 * time.Second,
			OCRScale:                4,
			OCRBinarizeThreshold:    180,
			OCRPadding:              20,
			CatalogueDir:            "assets/base_sprites",
		},
		Controls: ControlsConfig{
			MoveKey1:    "left",
			MoveKey2:    "right",
			FleeKeys:    []string{"z"},
			InteractKey: "x",
			KeyHold:     100 * time.Millisecond,
			ActionDelay: 500 * time.Millisecond,
		},
		Behavior: BehaviorConfig{
			TickInterval:       100 * time.Millisecond,
			MovementDelay:      time.Second,
			BattleDwellTimeout: 10 * time.Second,
			StartupGracePeriod: 3 * time.Second,
			ErrorTolerance:     3,
			HistorySize:        200,
			ConfirmTicks:       1,
			PipelineWorkers:    2,
		},
		Capture: CaptureConfig{
			Backend:      BackendRobotgo,
			WindowWidth:  1280,
			WindowHeight: 720,
		},
		Visualization: VisualizationConfig{
			Enabled:        false,
			BBoxThickness:  2,
			UpdateInterval: time.Second,
			OutputFile:     "debug/overlay.png",
		},
		Diagnostics: DiagnosticsConfig{
			ArchiveDir:  "debug",
			LogFile:     "logs/bot.log",
			EncounterDB: "data/encounters.db",
		},
		Control: ControlConfig{
			ListenAddr: "127.0.0.1:8765",
		},
	}
}

// Validate checks every field the loop depends on and returns a *ConfigError
// naming the first invalid one.
func (c *Config) Validate() error {
	for _, id := range RequiredRegions {
		if _, ok := c.Regions[id]; !ok {
			return &ConfigError{Field: "regions." + id, Reason: "missing region definition"}
		}
	}

	ids := make([]string, 0, len(c.Regions))
	for id := range c.Regions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, err := c.Regions[id].toRegion(id); err != nil {
			return err
		}
	}

	d := c.Detection
	switch d.BattleStrategy {
	case StrategyColorFraction:
		if _, err := colorFromInts(d.BattleColor, "detection.battle_color"); err != nil {
			return err
		}
		if d.BattleMinFraction <= 0 || d.BattleMinFraction > 1 {
			return &ConfigError{Field: "detection.battle_min_fraction", Reason: "must be in (0, 1]"}
		}
		if d.BattleColorTolerance < 0 || d.BattleColorTolerance > 255 {
			return &ConfigError{Field: "detection.battle_color_tolerance", Reason: "must be in [0, 255]"}
		}
	case StrategyTemplate:
		if d.BattleTemplate == "" {
			return &ConfigError{Field: "detection.battle_template", Reason: "required by the template strategy"}
		}
		if d.BattleTemplateThreshold <= 0 || d.BattleTemplateThreshold > 1 {
			return &ConfigError{Field: "detection.battle_template_threshold", Reason: "must be in (0, 1]"}
		}
	default:
		return &ConfigError{Field: "detection.battle_strategy", Reason: fmt.Sprintf("unknown strategy %q", d.BattleStrategy)}
	}

	if d.HashThreshold < 0 {
		return &ConfigError{Field: "detection.hash_threshold", Reason: "must not be negative"}
	}
	if d.UseSSIMConfirmation && (d.SSIMThreshold <= 0 || d.SSIMThreshold > 1) {
		return &ConfigError{Field: "detection.ssim_threshold", Reason: "must be in (0, 1]"}
	}
	if d.OCRScale < 1 {
		return &ConfigError{Field: "detection.ocr_scale", Reason: "must be at least 1"}
	}
	if d.OCRBinarizeThreshold < 0 || d.OCRBinarizeThreshold > 255 {
		return &ConfigError{Field: "detection.ocr_binarize_threshold", Reason: "must be in [0, 255]"}
	}

	if len(c.Controls.FleeKeys) == 0 {
		return &ConfigError{Field: "controls.flee_keys", Reason: "at least one key is required"}
	}
	if c.Controls.MoveKey1 == "" || c.Controls.MoveKey2 == "" {
		return &ConfigError{Field: "controls.move_key_1", Reason: "both movement keys are required"}
	}

	b := c.Behavior
	if b.TickInterval <= 0 {
		return &ConfigError{Field: "behavior.tick_interval", Reason: "must be positive"}
	}
	if b.BattleDwellTimeout <= 0 {
		return &ConfigError{Field: "behavior.battle_dwell_timeout", Reason: "must be positive"}
	}
	if b.StartupGracePeriod < 0 {
		return &ConfigError{Field: "behavior.startup_grace_period", Reason: "must not be negative"}
	}
	if b.ErrorTolerance < 0 {
		return &ConfigError{Field: "behavior.error_tolerance", Reason: "must not be negative"}
	}
	if b.HistorySize < 1 {
		return &ConfigError{Field: "behavior.history_size", Reason: "must be at least 1"}
	}
	if b.ConfirmTicks < 1 {
		return &ConfigError{Field: "behavior.confirm_ticks", Reason: "must be at least 1"}
	}
	if b.PipelineWorkers < 0 {
		return &ConfigError{Field: "behavior.pipeline_workers", Reason: "must not be negative"}
	}
	// Inline detection runs on the decision thread and must finish within a tick
	if b.PipelineWorkers == 0 && d.OCRTimeout > b.TickInterval {
		return &ConfigError{Field: "detection.ocr_timeout", Reason: "must not exceed behavior.tick_interval when pipeline_workers is 0"}
	}

	switch c.Capture.Backend {
	case BackendRobotgo, BackendScreenshot:
	case BackendBrowser:
		if c.Capture.BrowserURL == "" {
			return &ConfigError{Field: "capture.browser_url", Reason: "required by the browser backend"}
		}
	default:
		return &ConfigError{Field: "capture.backend", Reason: fmt.Sprintf("unknown backend %q", c.Capture.Backend)}
	}

	return nil
}

// RegionSet converts the region definitions into an immutable RegionSet
func (c *Config) RegionSet() (*RegionSet, error) {
	regions := make([]Region, 0, len(c.Regions))
	for id, rc := range c.Regions {
		r, err := rc.toRegion(id)
		if err != nil {
			return nil, err
		}
		regions = append(regions, r)
	}
	return NewRegionSet(regions...), nil
}

// BattleColor returns the configured battle indicator color band center
func (c *Config) BattleColor() Color {
	col, err := colorFromInts(c.Detection.BattleColor, "detection.battle_color")
	if err != nil {
		return Color{}
	}
	return col
}

func (rc RegionConfig) toRegion(id string) (Region, error) {
	field := "regions." + id
	if len(rc.Rect) != 4 {
		return Region{}, &ConfigError{Field: field + ".rect", Reason: "expected [x1, y1, x2, y2]"}
	}
	for _, v := range rc.Rect {
		if v < 0 {
			return Region{}, &ConfigError{Field: field + ".rect", Reason: "coordinates must not be negative"}
		}
	}
	bounds := BoundsFromCorners(rc.Rect[0], rc.Rect[1], rc.Rect[2], rc.Rect[3])
	if bounds.Empty() {
		return Region{}, &ConfigError{Field: field + ".rect", Reason: "region has zero width or height"}
	}

	col := NewColor(0, 255, 0)
	if len(rc.Color) > 0 {
		var err error
		col, err = colorFromInts(rc.Color, field+".color")
		if err != nil {
			return Region{}, err
		}
	}

	label := rc.Label
	if label == "" {
		label = id
	}
	return Region{ID: id, Bounds: bounds, Label: label, Color: col}, nil
}

func colorFromInts(v []int, field string) (Color, error) {
	if len(v) != 3 {
		return Color{}, &ConfigError{Field: field, Reason: "expected [r, g, b]"}
	}
	for _, c := range v {
		if c < 0 || c > 255 {
			return Color{}, &ConfigError{Field: field, Reason: "components must be in [0, 255]"}
		}
	}
	return NewColor(uint8(v[0]), uint8(v[1]), uint8(v[2])), nil
}

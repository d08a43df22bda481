// Package main implements a shiny-hunting ("skin farming") bot for a
// turn-based creature game.
//
// Architecture Overview:
// The bot watches three screen regions, decides from them whether the
// creature in the current battle is a rare color variant ("skin"), flees from
// every ordinary encounter and pauses when a skin appears.
//
//   1. Detection Pipeline (analyzer.go): battle indicator -> creature name
//      (Tesseract) -> sprite perceptual hash against the reference catalogue.
//      Produces one DetectionSignal per tick.
//
//   2. Decision State Machine (farming.go): consumes signals, returns control
//      intents, keeps the transition history and Stats.
//
//   3. Action Dispatcher (movement.go, action.go): turns intents into key
//      sequences on its own worker so a flee never blocks the loop.
//
//   4. Operator Surfaces: system tray (tray.go) and HTTP control API
//      (control.go). Both queue Commands that the loop applies between ticks.
//
//   5. Diagnostics: rotating log (debug.go), skin archive, encounter store
//      (store.go), region overlay (overlay.go).
//
// Main Loop:
// Every tick_interval the loop runs the pipeline (inline under a one-tick
// deadline, or on pipeline_workers goroutines whose stale results are
// dropped), feeds the signal to
// the state machine and submits the returned intent. Commands, dispatcher
// errors and worker results are handled by the same select, so the state
// machine is only ever driven from one goroutine.
//
// Command Line:
//   skin-farm-bot [-config config.yaml] [-headless] [-no-tray]
//   skin-farm-bot -train screen.png
//   skin-farm-bot -capture-sprite <name> | -list-sprites | -verify-sprites
//   skin-farm-bot -history 20
//
// Exit Codes:
//   - 0: Normal exit
//   - 1: Logger initialization failed or invalid configuration
//   - 2: Unhandled panic occurred
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Bot owns every collaborator and the decision loop.
type Bot struct {
	cfg      *Config
	regions  *RegionSet
	hasher   Hasher
	pipeline *Pipeline
	machine  *StateMachine
	movement *MovementCoordinator

	browser    *Browser
	recognizer *TesseractRecognizer
	store      *EncounterStore
	overlay    *Overlay
	control    *ControlServer

	commands CommandQueue
	pool     *detectionPool
	seq      uint64
	last     *DetectionSignal
	done     chan struct{}
}

// BotOptions are the command line switches that affect the runner
type BotOptions struct {
	Headless bool
}

// NewBot creates every collaborator from the configuration.
//
// Backend Selection (capture.backend):
//   - robotgo / screenshot: desktop capture, robotgo key events
//   - browser: chromedp page screenshots and CDP key events
func NewBot(cfg *Config, opts BotOptions) (*Bot, error) {
	regions, err := cfg.RegionSet()
	if err != nil {
		return nil, err
	}

	b := &Bot{
		cfg:      cfg,
		regions:  regions,
		hasher:   PHasher{},
		commands: NewCommandQueue(),
		done:     make(chan struct{}),
	}

	var (
		source ImageSource
		keys   KeyInput
		logKey func(string)
	)
	if cfg.Capture.Backend == BackendBrowser {
		b.browser = NewBrowser(cfg.Capture.WindowWidth, cfg.Capture.WindowHeight, opts.Headless)
		if err := b.browser.Start(cfg.Capture.BrowserURL); err != nil {
			b.browser.Close()
			return nil, fmt.Errorf("start browser: %w", err)
		}
		source, keys, logKey = b.browser, b.browser, b.browser.LogAction
	} else {
		source, err = NewImageSource(cfg.Capture.Backend)
		if err != nil {
			return nil, err
		}
		keys = RobotgoKeys{}
	}

	b.recognizer, err = NewTesseractRecognizer(cfg.Detection.OCRLanguage, cfg.Detection.OCRTimeout)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("start recognizer: %w", err)
	}

	indicator, err := NewBattleIndicator(cfg.Detection)
	if err != nil {
		b.Close()
		return nil, err
	}
	catalogue, err := LoadCatalogue(cfg.Detection.CatalogueDir, b.hasher)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.pipeline, err = NewPipeline(cfg.Detection, regions, source, b.recognizer, b.hasher, indicator, catalogue)
	if err != nil {
		b.Close()
		return nil, err
	}

	machineOpts := []StateMachineOption{
		WithArchiver(NewDiagnosticArchive(cfg.Diagnostics.ArchiveDir)),
		WithTransitionListener(skinAlert),
	}
	if cfg.Diagnostics.EncounterDB != "" {
		store, err := OpenEncounterStore(cfg.Diagnostics.EncounterDB)
		if err != nil {
			LogWarn("Encounter store disabled: %v", err)
		} else {
			b.store = store
			machineOpts = append(machineOpts, WithEncounterRecorder(store))
		}
	}
	b.machine = NewStateMachine(cfg.Behavior, machineOpts...)
	b.movement = NewMovementCoordinator(NewAction(keys, logKey), cfg.Controls)

	if cfg.Visualization.Enabled {
		var renderer OverlayRenderer
		if b.browser != nil {
			renderer = NewBrowserOverlay(b.browser, cfg.Visualization.BBoxThickness)
		} else {
			renderer = NewFileOverlay(source, cfg.Visualization.OutputFile, cfg.Visualization.BBoxThickness)
		}
		b.overlay = NewOverlay(renderer, cfg.Visualization.UpdateInterval)
	}

	if cfg.Control.ListenAddr != "" {
		var lister EncounterLister
		if b.store != nil {
			lister = b.store
		}
		b.control = NewControlServer(cfg.Control.ListenAddr, b.machine, lister, b.commands)
	}

	if cfg.Behavior.PipelineWorkers > 0 {
		b.pool = newDetectionPool(b.pipeline, cfg.Behavior.PipelineWorkers)
	}

	LogInfo("Bot created: backend=%s regions=%d catalogue=%d workers=%d",
		cfg.Capture.Backend, regions.Len(), catalogue.Len(), cfg.Behavior.PipelineWorkers)
	return b, nil
}

// skinAlert rings the terminal bell when the bot pauses on a skin
func skinAlert(rec TransitionRecord) {
	if rec.To == StatePaused && rec.From == StateInBattle {
		fmt.Fprintf(os.Stderr, "\a*** %s ***\n", rec.Reason)
	}
}

// Close releases the external resources
func (b *Bot) Close() {
	if b.recognizer != nil {
		if err := b.recognizer.Close(); err != nil {
			LogWarn("Failed to close recognizer: %v", err)
		}
	}
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			LogWarn("Failed to close encounter store: %v", err)
		}
	}
	if b.browser != nil {
		b.browser.Close()
	}
}

// runLoop drives the state machine until ctx is done or a stop command arrives
func (b *Bot) runLoop(ctx context.Context) {
	defer close(b.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if b.store != nil {
		if _, err := b.store.BeginSession(time.Now()); err != nil {
			LogWarn("Encounters will not be stored: %v", err)
		}
	}
	SafeGo("dispatcher", func() { b.movement.Run(ctx) })
	if b.overlay != nil {
		SafeGo("overlay", func() { b.overlay.Run(ctx) })
	}
	if b.pool != nil {
		b.pool.Start(ctx)
	}

	var results <-chan DetectionSignal
	if b.pool != nil {
		results = b.pool.Results()
	}

	ticker := time.NewTicker(b.cfg.Behavior.TickInterval)
	defer ticker.Stop()

	LogInfo("Main loop started (tick %v)", b.cfg.Behavior.TickInterval)
	for {
		select {
		case <-ctx.Done():
			b.machine.Stop(time.Now(), "shutdown signal")
			return
		case cmd := <-b.commands:
			b.applyCommand(cmd)
		case err := <-b.movement.Errors():
			b.machine.RecordError(err)
		case sig := <-results:
			if b.pool.Accept(sig) {
				b.applySignal(sig)
			}
		case <-ticker.C:
			b.runTick(ctx)
		}
		if b.machine.State() == StateStopped {
			LogInfo("Main loop stopped")
			return
		}
	}
}

// runTick starts detection for the next tick
func (b *Bot) runTick(ctx context.Context) {
	if b.machine.State() == StatePaused {
		b.submitOverlay()
		return
	}
	if b.pool != nil {
		if b.pool.Submit(b.seq + 1) {
			b.seq++
		}
		return
	}
	b.seq++
	tickCtx, cancel := context.WithTimeout(ctx, b.cfg.Behavior.TickInterval)
	defer cancel()
	b.applySignal(b.pipeline.Detect(tickCtx, b.seq))
}

// applySignal feeds one signal to the state machine and submits the intent
func (b *Bot) applySignal(sig DetectionSignal) {
	intent := b.machine.Tick(sig)
	b.last = &sig
	if intent != IntentNone {
		LogDebug("Tick #%d: intent %s", sig.Seq, intent)
		b.movement.Submit(intent)
	}
	b.submitOverlay()
}

func (b *Bot) submitOverlay() {
	if b.overlay == nil {
		return
	}
	b.overlay.Submit(OverlayRequest{
		Regions: b.regions.All(),
		Status:  b.machine.Status(),
		Signal:  b.last,
	})
}

// applyCommand runs an operator command on the decision thread
func (b *Bot) applyCommand(cmd Command) {
	LogInfo("Command %s from %s", cmd.Kind, cmd.Source)
	var err error
	switch cmd.Kind {
	case CommandPause:
		if !b.machine.Pause(time.Now(), cmd.Reason()) {
			err = fmt.Errorf("%w: cannot pause in state %s", ErrCommandRejected, b.machine.State())
		}
	case CommandResume:
		if !b.machine.Resume(time.Now(), cmd.Reason()) {
			err = fmt.Errorf("%w: cannot resume in state %s", ErrCommandRejected, b.machine.State())
		}
	case CommandStop:
		b.machine.Stop(time.Now(), cmd.Reason())
	case CommandReload:
		err = b.reloadCatalogue()
	default:
		err = fmt.Errorf("%w: unknown command", ErrCommandRejected)
	}
	if err != nil {
		LogWarn("Command %s: %v", cmd.Kind, err)
	}
	cmd.Done(err)
}

// reloadCatalogue swaps in a freshly loaded catalogue. Only allowed while the
// loop makes no decisions that depend on it.
func (b *Bot) reloadCatalogue() error {
	state := b.machine.State()
	if state != StatePaused && state != StateIdle {
		return fmt.Errorf("%w: reload only while Paused or Idle (state %s)", ErrCommandRejected, state)
	}
	catalogue, err := LoadCatalogue(b.cfg.Detection.CatalogueDir, b.hasher)
	if err != nil {
		return err
	}
	b.pipeline.SwapCatalogue(catalogue)
	return nil
}

// shutdown finalizes the session and prints the run summary
func (b *Bot) shutdown() {
	b.machine.Stop(time.Now(), "shutdown")

	if b.control != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := b.control.Shutdown(ctx); err != nil {
			LogWarn("Control server shutdown: %v", err)
		}
		cancel()
	}
	if b.store != nil {
		if err := b.store.EndSession(b.machine.Stats()); err != nil {
			LogWarn("Failed to finalize session: %v", err)
		}
	}
	b.Close()

	fmt.Print(b.machine.Summary())
	fmt.Print(b.machine.FormatHistory(20))
	LogInfo("Final stats: %+v", b.machine.Stats())
}

// Run starts the bot and blocks until it stops.
//
// Execution Flow:
//  1. Install OS signal handlers for SIGINT/SIGTERM (cancel the loop)
//  2. Start the control server
//  3. Run the tray (blocking, starts the loop when ready) or the loop directly
//  4. Finalize: stop the machine, close the store, print Stats and history
func (b *Bot) Run(withTray bool) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	SafeGo("signals", func() {
		select {
		case sig := <-sigChan:
			LogInfo("Signal received: %v, shutting down gracefully...", sig)
			cancel()
		case <-b.done:
		}
	})

	if b.control != nil {
		b.control.Start()
	}

	if withTray {
		tray := NewTrayApp(b.machine, b.commands, func() { b.runLoop(ctx) }, b.done)
		tray.Run()
		cancel()
		<-b.done
	} else {
		b.runLoop(ctx)
	}

	b.shutdown()
}

// detectionPool runs the pipeline on several workers. Results come back in
// completion order; only results newer than the last applied one are kept.
type detectionPool struct {
	pipeline *Pipeline
	workers  int
	jobs     chan uint64
	results  chan DetectionSignal

	// last is the newest applied sequence number, owned by the decision thread
	last uint64
}

func newDetectionPool(p *Pipeline, workers int) *detectionPool {
	return &detectionPool{
		pipeline: p,
		workers:  workers,
		jobs:     make(chan uint64, workers),
		results:  make(chan DetectionSignal, workers),
	}
}

// Start launches the workers. Detect recovers stage panics, so every queued
// seq produces a result and the workers outlive a failing tick.
func (dp *detectionPool) Start(ctx context.Context) {
	for i := 0; i < dp.workers; i++ {
		SafeGo(fmt.Sprintf("detect worker %d", i), func() {
			for {
				select {
				case <-ctx.Done():
					return
				case seq := <-dp.jobs:
					sig := dp.pipeline.Detect(ctx, seq)
					select {
					case dp.results <- sig:
					case <-ctx.Done():
						return
					}
				}
			}
		})
	}
}

// Submit queues a tick. Returns false when every worker is busy.
func (dp *detectionPool) Submit(seq uint64) bool {
	select {
	case dp.jobs <- seq:
		return true
	default:
		LogDebug("All detection workers busy, skipping tick")
		return false
	}
}

// Results delivers finished signals in completion order
func (dp *detectionPool) Results() <-chan DetectionSignal {
	return dp.results
}

// Accept reports whether sig should be applied. A signal older than the last
// applied one is stale and dropped; missing sequence numbers are skipped.
// Called from the decision thread only.
func (dp *detectionPool) Accept(sig DetectionSignal) bool {
	if sig.Seq <= dp.last {
		LogDebug("Dropping stale signal #%d (last applied #%d)", sig.Seq, dp.last)
		return false
	}
	dp.last = sig.Seq
	return true
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "PANIC: %v\n", r)
			LogError("PANIC in main: %v", r)
			CloseLogger()
			os.Exit(2)
		}
	}()

	configPath := flag.String("config", defaultConfigFile, "path to the YAML configuration")
	headless := flag.Bool("headless", false, "run the browser backend headless")
	noTray := flag.Bool("no-tray", false, "run without the system tray")
	trainPath := flag.String("train", "", "run detection once on a still frame and write result.png")
	captureSprite := flag.String("capture-sprite", "", "capture the sprite region as the reference for `name`")
	listSprites := flag.Bool("list-sprites", false, "list the reference catalogue")
	verifySprites := flag.Bool("verify-sprites", false, "fingerprint every reference sprite and write the manifest")
	history := flag.Int("history", 0, "print the last `n` stored encounters")
	flag.Parse()

	cfg, cfgErr := LoadValidConfig(*configPath)

	logFile := NewConfig().Diagnostics.LogFile
	if cfg != nil {
		logFile = cfg.Diagnostics.LogFile
	}
	if err := InitLogger(logFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		LogInfo("=== Skin Farm Bot Shutdown ===")
		CloseLogger()
	}()

	LogInfo("=== Skin Farm Bot Started ===")

	if cfgErr != nil {
		if errors.Is(cfgErr, ErrInvalidConfig) {
			fmt.Fprintf(os.Stderr, "Configuration error: %v\n", cfgErr)
		} else {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", cfgErr)
		}
		LogError("Configuration error: %v", cfgErr)
		CloseLogger()
		os.Exit(1)
	}

	var err error
	switch {
	case *trainPath != "":
		err = TrainingMode(cfg, *trainPath)
	case *captureSprite != "":
		err = CaptureSprite(cfg, *captureSprite)
	case *listSprites:
		err = ListSprites(cfg, os.Stdout)
	case *verifySprites:
		err = VerifySprites(cfg, os.Stdout)
	case *history > 0:
		err = PrintHistory(cfg, *history, os.Stdout)
	default:
		var bot *Bot
		bot, err = NewBot(cfg, BotOptions{Headless: *headless})
		if err == nil {
			bot.Run(!*noTray)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		LogError("Exit with error: %v", err)
		CloseLogger()
		os.Exit(1)
	}
}

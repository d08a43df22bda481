package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestBot(t *testing.T, source *fakeSource, active bool) *Bot {
	t.Helper()
	cfg := NewConfig()
	cfg.Behavior = testBehavior()
	cfg.Behavior.TickInterval = 5 * time.Millisecond
	cfg.Detection.CatalogueDir = t.TempDir()

	p := newTestPipeline(t, testDetection(), source, &fakeRecognizer{text: "pidgey", conf: 90}, &fakeHasher{distance: 1}, active, pidgeyCatalogue())
	return &Bot{
		cfg:      cfg,
		regions:  testRegions(),
		hasher:   PHasher{},
		pipeline: p,
		machine:  NewStateMachine(cfg.Behavior),
		movement: NewMovementCoordinator(NewAction(&fakeKeys{}, nil), cfg.Controls),
		commands: NewCommandQueue(),
		done:     make(chan struct{}),
	}
}

func TestDetectionPoolDropsStaleSignals(t *testing.T) {
	dp := newDetectionPool(nil, 3)
	if !dp.Accept(idleSignal(2, at(0))) {
		t.Fatal("first signal dropped")
	}
	if !dp.Accept(idleSignal(3, at(0))) {
		t.Fatal("newer signal dropped")
	}
	if dp.Accept(idleSignal(1, at(0))) {
		t.Error("late signal #1 applied after #3")
	}
	if dp.Accept(idleSignal(3, at(0))) {
		t.Error("replayed signal applied")
	}
	// #4 never arrives; #5 goes through without waiting for it
	if !dp.Accept(idleSignal(5, at(0))) {
		t.Error("signal after a gap dropped")
	}
	if dp.Accept(idleSignal(4, at(0))) {
		t.Error("gap filled late")
	}
}

func TestDetectionPoolWorkers(t *testing.T) {
	b := newTestBot(t, newFakeSource(), false)
	dp := newDetectionPool(b.pipeline, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dp.Start(ctx)

	var applied []uint64
	received := 0
	submitted := uint64(0)
	deadline := time.After(2 * time.Second)
	for received < 5 {
		if submitted < 5 && dp.Submit(submitted+1) {
			submitted++
		}
		select {
		case sig := <-dp.Results():
			received++
			if dp.Accept(sig) {
				applied = append(applied, sig.Seq)
			}
		case <-deadline:
			t.Fatalf("received %d results, applied %v", received, applied)
		case <-time.After(time.Millisecond):
		}
	}
	if len(applied) == 0 || applied[len(applied)-1] != 5 {
		t.Fatalf("applied = %v, want to end at 5", applied)
	}
	for i := 1; i < len(applied); i++ {
		if applied[i] <= applied[i-1] {
			t.Fatalf("applied = %v, not increasing", applied)
		}
	}
}

func TestDetectionPoolSurvivesPanic(t *testing.T) {
	b := newTestBot(t, newFakeSource(), false)
	b.pipeline.indicator = &panicIndicator{left: 1}
	dp := newDetectionPool(b.pipeline, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dp.Start(ctx)

	next := func(seq uint64) DetectionSignal {
		t.Helper()
		if !dp.Submit(seq) {
			t.Fatalf("submit #%d refused", seq)
		}
		select {
		case sig := <-dp.Results():
			return sig
		case <-time.After(2 * time.Second):
			t.Fatalf("no result for #%d", seq)
		}
		return DetectionSignal{}
	}

	sig := next(1)
	if sig.Seq != 1 || sig.Errors != 1 || sig.BattleActive {
		t.Fatalf("panicked tick = %s", sig)
	}
	if len(sig.Issues) != 1 || !errors.Is(sig.Issues[0], ErrDetectionPanic) {
		t.Errorf("issues = %v", sig.Issues)
	}
	if !dp.Accept(sig) {
		t.Error("panicked tick not applied")
	}

	sig = next(2)
	if sig.Seq != 2 || sig.Errors != 0 {
		t.Errorf("worker did not recover: %s", sig)
	}
}

func TestApplyCommand(t *testing.T) {
	b := newTestBot(t, newFakeSource(), false)
	b.machine.Tick(idleSignal(1, at(0)))
	if b.machine.State() != StateFarming {
		t.Fatalf("state = %s", b.machine.State())
	}

	send := func(kind CommandKind) error {
		cmd := NewCommand(kind, "test")
		b.applyCommand(cmd)
		return cmd.Wait(context.Background())
	}

	if err := send(CommandReload); !errors.Is(err, ErrCommandRejected) {
		t.Errorf("reload while farming = %v", err)
	}
	if err := send(CommandResume); !errors.Is(err, ErrCommandRejected) {
		t.Errorf("resume while farming = %v", err)
	}
	if err := send(CommandPause); err != nil {
		t.Fatalf("pause = %v", err)
	}
	if st := b.machine.Status(); st.State != StatePaused || st.PauseReason != "pause requested via test" {
		t.Errorf("status = %+v", st)
	}

	writePNG(t, filepath.Join(b.cfg.Detection.CatalogueDir, "mankey.png"), patternImage(32, 32, 9))
	if err := send(CommandReload); err != nil {
		t.Fatalf("reload while paused = %v", err)
	}
	if _, ok := b.pipeline.Catalogue().Lookup("mankey"); !ok {
		t.Error("reloaded catalogue not swapped in")
	}

	if err := send(CommandResume); err != nil {
		t.Errorf("resume = %v", err)
	}
	if err := send(CommandStop); err != nil || b.machine.State() != StateStopped {
		t.Errorf("stop = %v, state %s", err, b.machine.State())
	}
	if err := send(CommandKind(42)); !errors.Is(err, ErrCommandRejected) {
		t.Errorf("unknown command = %v", err)
	}
}

func TestRunTickSkipsDetectionWhilePaused(t *testing.T) {
	source := newFakeSource()
	b := newTestBot(t, source, false)
	b.runTick(context.Background())
	if b.seq != 1 || source.count(RegionBattleIndicator) != 1 {
		t.Fatalf("seq = %d, captures = %d", b.seq, source.count(RegionBattleIndicator))
	}

	b.machine.Pause(time.Now(), "operator")
	b.runTick(context.Background())
	if b.seq != 1 || source.count(RegionBattleIndicator) != 1 {
		t.Errorf("detection ran while paused: seq = %d", b.seq)
	}
}

func TestRunLoopStopsOnCommand(t *testing.T) {
	b := newTestBot(t, newFakeSource(), false)
	go b.runLoop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for b.machine.Status().LastSeq < 3 {
		if time.Now().After(deadline) {
			t.Fatal("loop made no progress")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cmd := NewCommand(CommandStop, "test")
	if !b.commands.Send(cmd) {
		t.Fatal("queue full")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := cmd.Wait(ctx); err != nil {
		t.Fatalf("stop = %v", err)
	}
	select {
	case <-b.done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit")
	}
	if st := b.machine.Status(); st.State != StateStopped || st.Stats.EndTime.IsZero() {
		t.Errorf("status = %+v", st)
	}
}

func TestRunLoopStopsOnCancel(t *testing.T) {
	b := newTestBot(t, newFakeSource(), true)
	ctx, cancel := context.WithCancel(context.Background())
	go b.runLoop(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-b.done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit")
	}
	if b.machine.State() != StateStopped {
		t.Errorf("state = %s", b.machine.State())
	}
}

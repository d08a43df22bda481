package main

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func newTestCoordinator(keys *fakeKeys) (*MovementCoordinator, *[]time.Duration, *[]string) {
	var logged []string
	controls := NewConfig().Controls
	controls.FleeKeys = []string{"down", "z", "z"}
	mc := NewMovementCoordinator(NewAction(keys, func(m string) { logged = append(logged, m) }), controls)
	var slept []time.Duration
	mc.sleep = func(d time.Duration) { slept = append(slept, d) }
	return mc, &slept, &logged
}

func TestDispatchMapsIntents(t *testing.T) {
	for _, tc := range []struct {
		intent ControlIntent
		events []string
		sleeps []time.Duration
	}{
		{IntentMoveLeft, []string{"down left", "up left"}, []time.Duration{100 * time.Millisecond}},
		{IntentMoveRight, []string{"down right", "up right"}, []time.Duration{100 * time.Millisecond}},
		{IntentFlee, []string{"tap down", "tap z", "tap z"}, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}},
		{IntentInteract, []string{"tap x"}, nil},
		{IntentNone, nil, nil},
	} {
		keys := &fakeKeys{}
		mc, slept, _ := newTestCoordinator(keys)
		if err := mc.Dispatch(tc.intent); err != nil {
			t.Fatalf("%s: %v", tc.intent, err)
		}
		if got := keys.recorded(); len(got) != len(tc.events) || (len(got) > 0 && !reflect.DeepEqual(got, tc.events)) {
			t.Errorf("%s: events = %v, want %v", tc.intent, got, tc.events)
		}
		if !reflect.DeepEqual(*slept, tc.sleeps) {
			t.Errorf("%s: sleeps = %v, want %v", tc.intent, *slept, tc.sleeps)
		}
	}
}

func TestDispatchLogsActions(t *testing.T) {
	mc, _, logged := newTestCoordinator(&fakeKeys{})
	if err := mc.Dispatch(IntentMoveLeft); err != nil {
		t.Fatal(err)
	}
	if want := []string{"hold left", "release left"}; !reflect.DeepEqual(*logged, want) {
		t.Errorf("log = %v, want %v", *logged, want)
	}
}

func TestDispatchFailureIsWrapped(t *testing.T) {
	keys := &fakeKeys{err: errors.New("no display")}
	mc, _, _ := newTestCoordinator(keys)
	err := mc.Dispatch(IntentFlee)
	if !errors.Is(err, ErrExternalDispatchFailure) {
		t.Fatalf("err = %v, want ErrExternalDispatchFailure", err)
	}
	var stage *StageError
	if !errors.As(err, &stage) || stage.Stage != "dispatch" {
		t.Errorf("err = %#v", err)
	}
}

func TestSubmitRunsOnWorker(t *testing.T) {
	keys := &fakeKeys{}
	mc, _, _ := newTestCoordinator(keys)

	if !mc.Submit(IntentNone) {
		t.Error("IntentNone refused")
	}
	if !mc.Submit(IntentInteract) {
		t.Fatal("first intent refused")
	}
	if mc.Submit(IntentInteract) {
		t.Error("second intent accepted while the worker has not started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mc.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for len(keys.recorded()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker never dispatched")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := keys.recorded(); !reflect.DeepEqual(got, []string{"tap x"}) {
		t.Errorf("events = %v", got)
	}
}

func TestFleeDisplacesQueuedMove(t *testing.T) {
	keys := &fakeKeys{}
	mc, _, _ := newTestCoordinator(keys)

	if !mc.Submit(IntentMoveLeft) {
		t.Fatal("move refused")
	}
	if !mc.Submit(IntentFlee) {
		t.Fatal("flee refused while a move was queued")
	}
	if mc.Submit(IntentMoveRight) {
		t.Error("move displaced the queued flee")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mc.Run(ctx)

	want := []string{"tap down", "tap z", "tap z"}
	deadline := time.Now().Add(time.Second)
	for len(keys.recorded()) < len(want) {
		if time.Now().After(deadline) {
			t.Fatalf("events = %v", keys.recorded())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := keys.recorded(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	select {
	case err := <-mc.Errors():
		t.Errorf("unexpected error %v", err)
	default:
	}
}

func TestDroppedFleeIsReported(t *testing.T) {
	mc, _, _ := newTestCoordinator(&fakeKeys{})
	// no worker and no buffer: nothing can take the flee
	mc.queue = make(chan ControlIntent)

	if mc.Submit(IntentMoveLeft) {
		t.Error("move accepted with no worker")
	}
	select {
	case err := <-mc.Errors():
		t.Fatalf("dropped move reported: %v", err)
	default:
	}

	if mc.Submit(IntentFlee) {
		t.Fatal("flee accepted with no worker")
	}
	select {
	case err := <-mc.Errors():
		if !errors.Is(err, ErrExternalDispatchFailure) {
			t.Errorf("err = %v", err)
		}
	default:
		t.Fatal("dropped flee not reported")
	}
}

func TestRunReportsErrors(t *testing.T) {
	mc, _, _ := newTestCoordinator(&fakeKeys{err: errors.New("no display")})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mc.Run(ctx)

	mc.Submit(IntentMoveRight)
	select {
	case err := <-mc.Errors():
		if !errors.Is(err, ErrExternalDispatchFailure) {
			t.Errorf("err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no error reported")
	}
}

func TestKeyModeString(t *testing.T) {
	if KeyHold.String() != "hold" || KeyMode(9).String() != "unknown" {
		t.Error("KeyMode names")
	}
	if robotgoKeyName("Escape") != "esc" || robotgoKeyName("LEFT") != "left" {
		t.Error("robotgo key names")
	}
}

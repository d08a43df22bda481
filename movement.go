// Package main - movement.go
//
// This file implements the MovementCoordinator that translates control
// intents into key actions.
//
// Intent Mapping (controls section of the config):
//   - MoveLeft: hold move_key_1 for key_hold
//   - MoveRight: hold move_key_2 for key_hold
//   - Flee: tap every key of flee_keys, action_delay apart (menu -> run -> confirm)
//   - Interact: tap interact_key
//   - None: nothing
//
// Dispatch Model:
// Dispatch is synchronous and returns the first failure. The runner uses
// Submit instead: intents are queued to a single worker so a flee sequence
// never delays the next tick. Failures come back on Errors() and are counted
// on the decision thread. When the worker is still busy the new intent is
// dropped; movement is periodic and a flee that is dropped is retried by the
// dwell timeout of the next battle.
package main

import (
	"context"
	"fmt"
	"time"
)

// MovementCoordinator coordinates key sequences for control intents.
type MovementCoordinator struct {
	action   *Action
	controls ControlsConfig
	sleep    func(time.Duration)

	queue chan ControlIntent
	errs  chan error
}

// NewMovementCoordinator creates a new movement coordinator
func NewMovementCoordinator(action *Action, controls ControlsConfig) *MovementCoordinator {
	return &MovementCoordinator{
		action:   action,
		controls: controls,
		sleep:    time.Sleep,
		queue:    make(chan ControlIntent, 1),
		errs:     make(chan error, 8),
	}
}

// PressKey taps a single key
func (mc *MovementCoordinator) PressKey(key string) error {
	return mc.action.SendKey(key, KeyPress)
}

// HoldKeyFor holds a key for duration
func (mc *MovementCoordinator) HoldKeyFor(key string, duration time.Duration) error {
	if err := mc.action.SendKey(key, KeyHold); err != nil {
		return err
	}
	mc.sleep(duration)
	return mc.action.SendKey(key, KeyRelease)
}

// TapSequence taps keys in order, delay apart
func (mc *MovementCoordinator) TapSequence(keys []string, delay time.Duration) error {
	for i, key := range keys {
		if i > 0 {
			mc.sleep(delay)
		}
		if err := mc.PressKey(key); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch performs the key sequence of an intent
func (mc *MovementCoordinator) Dispatch(intent ControlIntent) error {
	switch intent {
	case IntentMoveLeft:
		return mc.HoldKeyFor(mc.controls.MoveKey1, mc.controls.KeyHold)
	case IntentMoveRight:
		return mc.HoldKeyFor(mc.controls.MoveKey2, mc.controls.KeyHold)
	case IntentFlee:
		LogInfo("Fleeing with %v", mc.controls.FleeKeys)
		return mc.TapSequence(mc.controls.FleeKeys, mc.controls.ActionDelay)
	case IntentInteract:
		return mc.PressKey(mc.controls.InteractKey)
	default:
		return nil
	}
}

// Submit queues an intent for the worker. Returns false if it was dropped.
// A Flee displaces a queued intent; a Flee that still cannot be queued is
// reported on Errors so it counts against the battle.
func (mc *MovementCoordinator) Submit(intent ControlIntent) bool {
	if intent == IntentNone {
		return true
	}
	select {
	case mc.queue <- intent:
		return true
	default:
	}

	if intent != IntentFlee {
		LogWarn("Dispatcher busy, dropping %s", intent)
		return false
	}
	select {
	case queued := <-mc.queue:
		LogWarn("Dispatcher busy, %s replaces queued %s", intent, queued)
	default:
	}
	select {
	case mc.queue <- intent:
		return true
	default:
	}

	err := NewStageError("dispatch", ErrExternalDispatchFailure, fmt.Errorf("dispatcher busy, %s dropped", intent))
	LogError("%v", err)
	select {
	case mc.errs <- err:
	default:
	}
	return false
}

// Errors delivers dispatch failures from the worker
func (mc *MovementCoordinator) Errors() <-chan error {
	return mc.errs
}

// Run executes queued intents until ctx is done
func (mc *MovementCoordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case intent := <-mc.queue:
			if err := mc.Dispatch(intent); err != nil {
				select {
				case mc.errs <- err:
				default:
					LogError("Dispatch error dropped: %v", err)
				}
			}
		}
	}
}

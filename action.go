// Package main - action.go
//
// This file implements raw key input for the action dispatcher.
//
// Backends:
//   - RobotgoKeys: native key events via robotgo (desktop backends)
//   - Browser: CDP key events dispatched to the page (browser.go)
//
// Key names follow robotgo ("left", "right", "enter", "esc", "space", single
// characters). The browser backend maps the same names onto DOM keys.
//
// Action adds the press/hold/release modes and the action log on top of a
// KeyInput. MovementCoordinator (movement.go) turns intents into Actions.
package main

import (
	"fmt"
	"strings"

	"github.com/go-vgo/robotgo"
)

// KeyMode represents keyboard action type
type KeyMode int

const (
	KeyPress   KeyMode = iota // Press and release
	KeyHold                   // Hold down
	KeyRelease                // Release held key
)

// String returns the string representation of the mode
func (m KeyMode) String() string {
	switch m {
	case KeyPress:
		return "press"
	case KeyHold:
		return "hold"
	case KeyRelease:
		return "release"
	default:
		return "unknown"
	}
}

// KeyInput sends key events to the game.
type KeyInput interface {
	KeyTap(key string) error
	KeyToggle(key, direction string) error
}

// RobotgoKeys sends native key events.
type RobotgoKeys struct{}

// robotgoKeyName maps configured names onto robotgo names
func robotgoKeyName(key string) string {
	k := strings.ToLower(key)
	if k == "escape" {
		return "esc"
	}
	return k
}

// KeyTap presses and releases a key
func (RobotgoKeys) KeyTap(key string) error {
	return robotgo.KeyTap(robotgoKeyName(key))
}

// KeyToggle sends "down" or "up" for a key
func (RobotgoKeys) KeyToggle(key, direction string) error {
	return robotgo.KeyToggle(robotgoKeyName(key), direction)
}

// Action provides key actions on top of a KeyInput.
//
// Error Handling:
// Errors are returned wrapped in ErrExternalDispatchFailure; the caller
// counts them and carries on (fire-and-forget model).
type Action struct {
	input KeyInput
	log   func(message string)
}

// NewAction creates a new Action; log may be nil
func NewAction(input KeyInput, log func(message string)) *Action {
	return &Action{input: input, log: log}
}

// SendKey sends a key with the given mode.
//
// Examples:
//
//	SendKey("z", KeyPress)       -> tap z
//	SendKey("left", KeyHold)     -> left down
//	SendKey("left", KeyRelease)  -> left up
func (a *Action) SendKey(key string, mode KeyMode) error {
	var err error
	switch mode {
	case KeyPress:
		err = a.input.KeyTap(key)
	case KeyHold:
		err = a.input.KeyToggle(key, "down")
	case KeyRelease:
		err = a.input.KeyToggle(key, "up")
	default:
		err = fmt.Errorf("unknown key mode %d", mode)
	}
	if err != nil {
		return NewStageError("dispatch", ErrExternalDispatchFailure, fmt.Errorf("%s %s: %w", mode, key, err))
	}

	LogDebug("Key %s %s", mode, key)
	if a.log != nil {
		a.log(fmt.Sprintf("%s %s", mode, key))
	}
	return nil
}

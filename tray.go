// Package main - tray.go
//
// This file implements the system tray menu (getlantern/systray).
//
// Menu Structure:
//   Skin Farm Bot
//   ├─ Status: State | battles | skins | runtime (read-only, refreshed every second)
//   ├─ Pause
//   ├─ Resume
//   ├─ Reload catalogue (only while Paused or Idle)
//   └─ Quit
//
// Menu clicks are turned into Commands on the same queue the HTTP control
// server uses, so the tray never touches the state machine directly.
//
// Lifecycle:
//   1. NewTrayApp: Create instance
//   2. Run: Start systray (blocking call, must run on the main goroutine)
//   3. onReady: Build the menu, start the bot loop and the event loop
//   4. Quit: queue a stop command, wait for the loop to finish, quit systray
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/getlantern/systray"
)

// TrayApp manages the system tray menu.
type TrayApp struct {
	status   StatusSource
	commands CommandQueue
	start    func()
	done     <-chan struct{}

	statusItem *systray.MenuItem
	pauseItem  *systray.MenuItem
	resumeItem *systray.MenuItem
	reloadItem *systray.MenuItem
	quitItem   *systray.MenuItem
}

// NewTrayApp creates a tray. start is run once the tray is ready; done is
// closed when the bot loop has finished.
func NewTrayApp(status StatusSource, commands CommandQueue, start func(), done <-chan struct{}) *TrayApp {
	return &TrayApp{status: status, commands: commands, start: start, done: done}
}

// Run starts the tray application (blocking)
func (t *TrayApp) Run() {
	LogInfo("Starting system tray application")
	systray.Run(t.onReady, func() {
		LogInfo("System tray exit complete")
	})
	LogInfo("System tray Run() returned")
}

func (t *TrayApp) onReady() {
	systray.SetTitle("Skin Farm Bot")
	systray.SetTooltip("Skin Farm Bot")

	t.statusItem = systray.AddMenuItem("Status: Starting...", "Current bot status")
	t.statusItem.Disable()

	systray.AddSeparator()

	t.pauseItem = systray.AddMenuItem("Pause", "Pause farming")
	t.resumeItem = systray.AddMenuItem("Resume", "Resume farming after a skin or a pause")
	t.reloadItem = systray.AddMenuItem("Reload catalogue", "Reload reference sprites (while paused)")

	systray.AddSeparator()

	t.quitItem = systray.AddMenuItem("Quit", "Stop the bot and quit")

	SafeGo("tray events", t.handleEvents)
	LogInfo("System tray initialized")

	if t.start != nil {
		SafeGo("bot loop", t.start)
	}
}

// send queues a tray command and logs the answer
func (t *TrayApp) send(kind CommandKind) {
	cmd := NewCommand(kind, "tray")
	if !t.commands.Send(cmd) {
		return
	}
	SafeGo("tray "+kind.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cmd.Wait(ctx); err != nil {
			LogWarn("Tray %s: %v", kind, err)
		}
	})
}

func (t *TrayApp) handleEvents() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.updateStatus()
		case <-t.pauseItem.ClickedCh:
			t.send(CommandPause)
		case <-t.resumeItem.ClickedCh:
			t.send(CommandResume)
		case <-t.reloadItem.ClickedCh:
			t.send(CommandReload)
		case <-t.quitItem.ClickedCh:
			LogInfo("Quit requested by user")
			t.send(CommandStop)
			t.waitDone()
			systray.Quit()
			return
		case <-t.done:
			LogInfo("Bot loop finished, closing tray")
			systray.Quit()
			return
		}
	}
}

// waitDone waits for the bot loop to finish, at most 10 seconds
func (t *TrayApp) waitDone() {
	if t.done == nil {
		return
	}
	select {
	case <-t.done:
	case <-time.After(10 * time.Second):
		LogWarn("Bot loop did not finish in time")
	}
}

// updateStatus refreshes the status item and the enabled menu entries
func (t *TrayApp) updateStatus() {
	st := t.status.Status()
	t.statusItem.SetTitle(TrayStatusLine(st, time.Now()))

	if st.State == StatePaused {
		t.pauseItem.Disable()
		t.resumeItem.Enable()
	} else {
		t.pauseItem.Enable()
		t.resumeItem.Disable()
	}
	if st.State == StatePaused || st.State == StateIdle {
		t.reloadItem.Enable()
	} else {
		t.reloadItem.Disable()
	}
}

// TrayStatusLine formats the status item title
func TrayStatusLine(st MachineStatus, now time.Time) string {
	return fmt.Sprintf("Status: %s | %d battles | %d skins | %s",
		st.State, st.Stats.Battles, st.Stats.SkinsFound, FormatDuration(st.Stats.Runtime(now)))
}

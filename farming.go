// Package main - farming.go
//
// This file implements the decision state machine that sequences the bot.
// It consumes one DetectionSignal per tick and returns at most one
// ControlIntent for the action dispatcher.
//
// States:
//   - Idle: waiting for the startup grace period
//   - Farming: moving between tiles, waiting for a battle
//   - InBattle: evaluating the opponent
//   - Paused: a skin was found (or an operator paused); waits for Resume
//   - Stopped: terminal, Stats finalized
//
// State Transitions:
//   Idle -> Farming (grace period elapsed)
//   Farming -> InBattle (battleActive, battles+1)
//   Farming -> Farming (no battle, movement intent; not recorded in history)
//   InBattle -> Paused (confirmed skin, skinsFound+1, sprite archived)
//   InBattle -> Farming (confirmed not-skin, dwell timeout or error budget: flee, fleesPerformed+1)
//   InBattle -> Farming (battle ended before a verdict: inconclusive, no counter change)
//   Paused -> Farming (external resume)
//   any -> Stopped (external stop)
//
// Debounce:
// A verdict must repeat on confirm_ticks consecutive signals before the
// machine acts on it. Without a verdict the machine holds InBattle until
// battle_dwell_timeout elapses, then flees exactly once. A verdict on the
// tick that opens the battle resolves it on that same tick.
//
// After a flee the battle screen usually stays up for a moment. Until a
// battleActive=false signal arrives (or the dwell timeout elapses again) new
// battles are not opened, so one encounter is never counted twice.
//
// Time:
// All timing (grace, dwell, movement) is taken from DetectionSignal.At, never
// from the wall clock, so feeding the same signals into two fresh machines
// yields identical histories and Stats.
//
// Thread Safety:
// Tick and the command methods are called from the single decision thread.
// Readers (State, Stats, History, Status) may be called from any goroutine.
package main

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// EncounterOutcome is how a battle ended
type EncounterOutcome int

const (
	OutcomeSkin EncounterOutcome = iota
	OutcomeFled
	OutcomeTimeout
	OutcomeErrorBudget
	OutcomeEnded
	OutcomeInterrupted
)

// String returns the string representation of the outcome
func (o EncounterOutcome) String() string {
	switch o {
	case OutcomeSkin:
		return "skin"
	case OutcomeFled:
		return "fled"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeErrorBudget:
		return "error_budget"
	case OutcomeEnded:
		return "ended"
	case OutcomeInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Encounter summarizes one resolved battle
type Encounter struct {
	StartedAt     time.Time
	EndedAt       time.Time
	Creature      string
	Outcome       EncounterOutcome
	OCRConfidence float64
	HashDistance  *float64
	SSIM          *float64
	Errors        int
	ArchivePath   string
}

// EncounterRecorder receives every resolved battle.
type EncounterRecorder interface {
	RecordEncounter(e Encounter)
}

// TransitionListener is called after every recorded transition
type TransitionListener func(rec TransitionRecord)

// StateMachineOption configures a StateMachine
type StateMachineOption func(*StateMachine)

// WithArchiver sets the archiver called on a confirmed skin
func WithArchiver(a Archiver) StateMachineOption {
	return func(m *StateMachine) { m.archiver = a }
}

// WithTransitionListener adds a listener. Listeners run on the decision
// thread with the machine locked and must not call back into it.
func WithTransitionListener(l TransitionListener) StateMachineOption {
	return func(m *StateMachine) { m.listeners = append(m.listeners, l) }
}

// WithEncounterRecorder sets the encounter recorder
func WithEncounterRecorder(r EncounterRecorder) StateMachineOption {
	return func(m *StateMachine) { m.recorder = r }
}

// validTransitions lists the allowed targets per state (self-ticks excluded)
var validTransitions = map[BotState][]BotState{
	StateIdle:     {StateFarming, StateStopped},
	StateFarming:  {StateInBattle, StatePaused, StateStopped},
	StateInBattle: {StateFarming, StatePaused, StateStopped},
	StatePaused:   {StateFarming, StateStopped},
	StateStopped:  {},
}

// CanTransition reports whether from -> to is in the transition table
func CanTransition(from, to BotState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// battleContext holds the per-battle bookkeeping
type battleContext struct {
	startedAt     time.Time
	errors        int
	streak        int
	lastVerdict   bool
	creature      string
	ocrConfidence float64
	hashDistance  *float64
	ssim          *float64
}

// MachineStatus is a consistent snapshot for the control surfaces
type MachineStatus struct {
	State       BotState
	PauseReason string
	LastSeq     uint64
	Stats       Stats
}

// StateMachine is the sequencing authority of the bot.
type StateMachine struct {
	cfg BehaviorConfig

	mu          sync.RWMutex
	state       BotState
	history     []TransitionRecord
	stats       Stats
	pauseReason string

	lastSeq    uint64
	applied    bool
	lastAt     time.Time
	battle     *battleContext
	awaitClear bool
	clearSince time.Time

	movement *RateLimiter
	nextMove ControlIntent

	archiver  Archiver
	listeners []TransitionListener
	recorder  EncounterRecorder
}

// NewStateMachine creates a machine in Idle
func NewStateMachine(cfg BehaviorConfig, opts ...StateMachineOption) *StateMachine {
	if cfg.HistorySize < 1 {
		cfg.HistorySize = 1
	}
	if cfg.ConfirmTicks < 1 {
		cfg.ConfirmTicks = 1
	}
	m := &StateMachine{
		cfg:      cfg,
		state:    StateIdle,
		movement: NewRateLimiter(cfg.MovementDelay),
		nextMove: IntentMoveLeft,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state
func (m *StateMachine) State() BotState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Stats returns a copy of the counters
func (m *StateMachine) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// History returns a copy of the transition history, oldest first
func (m *StateMachine) History() []TransitionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

// Status returns state, pause reason and counters in one read
func (m *StateMachine) Status() MachineStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MachineStatus{State: m.state, PauseReason: m.pauseReason, LastSeq: m.lastSeq, Stats: m.stats}
}

// now is the machine clock: the time of the last applied signal
func (m *StateMachine) now() time.Time {
	if m.lastAt.IsZero() {
		return time.Now()
	}
	return m.lastAt
}

// transition records from -> to. Returns false for a transition not in the table.
// Callers hold m.mu.
func (m *StateMachine) transition(to BotState, at time.Time, reason string) bool {
	from := m.state
	if !CanTransition(from, to) {
		LogWarn("Invalid transition %s -> %s ignored (%s)", from, to, reason)
		return false
	}

	rec := TransitionRecord{At: at, From: from, To: to, Reason: reason}
	m.state = to
	m.history = append(m.history, rec)
	if over := len(m.history) - m.cfg.HistorySize; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}

	LogInfo("[STATE] %s", rec)
	for _, l := range m.listeners {
		l(rec)
	}
	return true
}

// Tick applies one signal and returns the intent to dispatch.
func (m *StateMachine) Tick(sig DetectionSignal) ControlIntent {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.applied && sig.Seq <= m.lastSeq {
		LogDebug("Discarding stale signal #%d (last applied #%d)", sig.Seq, m.lastSeq)
		return IntentNone
	}
	if m.state == StateStopped {
		return IntentNone
	}
	m.applied = true
	m.lastSeq = sig.Seq
	m.lastAt = sig.At
	if m.stats.StartTime.IsZero() {
		m.stats.StartTime = sig.At
	}
	m.stats.Errors += sig.Errors

	return m.runStateMachine(sig)
}

// runStateMachine dispatches to the handler of the current state
func (m *StateMachine) runStateMachine(sig DetectionSignal) ControlIntent {
	switch m.state {
	case StateIdle:
		return m.onIdle(sig)
	case StateFarming:
		return m.onFarming(sig)
	case StateInBattle:
		return m.onInBattle(sig)
	default:
		// Paused waits for an explicit resume
		return IntentNone
	}
}

func (m *StateMachine) onIdle(sig DetectionSignal) ControlIntent {
	if sig.At.Sub(m.stats.StartTime) < m.cfg.StartupGracePeriod {
		return IntentNone
	}
	m.transition(StateFarming, sig.At, "begin farming")
	return m.onFarming(sig)
}

func (m *StateMachine) onFarming(sig DetectionSignal) ControlIntent {
	if m.awaitClear {
		if sig.BattleActive && sig.At.Sub(m.clearSince) < m.cfg.BattleDwellTimeout {
			return IntentNone
		}
		m.awaitClear = false
	}

	if sig.BattleActive {
		m.stats.Battles++
		m.battle = &battleContext{startedAt: sig.At}
		m.transition(StateInBattle, sig.At, fmt.Sprintf("battle #%d started", m.stats.Battles))
		return m.onInBattle(sig)
	}

	if !m.movement.AllowAt(sig.At) {
		return IntentNone
	}
	intent := m.nextMove
	if intent == IntentMoveLeft {
		m.nextMove = IntentMoveRight
	} else {
		m.nextMove = IntentMoveLeft
	}
	return intent
}

func (m *StateMachine) onInBattle(sig DetectionSignal) ControlIntent {
	b := m.battle
	if b == nil {
		b = &battleContext{startedAt: sig.At}
		m.battle = b
	}

	if !sig.BattleActive {
		m.endBattle(sig.At, OutcomeEnded, "")
		m.transition(StateFarming, sig.At, "battle ended before a verdict (inconclusive)")
		return IntentNone
	}

	b.errors += sig.Errors
	if sig.CreatureName != nil {
		b.creature = *sig.CreatureName
		b.ocrConfidence = sig.OCRConfidence
	}
	if sig.HashDistance != nil {
		b.hashDistance = sig.HashDistance
		b.ssim = sig.SSIM
	}

	if sig.HasVerdict() {
		verdict := *sig.IsSkin
		if b.streak > 0 && verdict == b.lastVerdict {
			b.streak++
		} else {
			b.streak = 1
			b.lastVerdict = verdict
		}
		if b.streak >= m.cfg.ConfirmTicks {
			if verdict {
				return m.onSkin(sig)
			}
			return m.flee(sig.At, OutcomeFled, fmt.Sprintf("%s is not a skin (distance %s), fleeing", b.creature, formatDistance(sig.HashDistance)))
		}
	} else {
		b.streak = 0
	}

	if b.errors > m.cfg.ErrorTolerance {
		return m.flee(sig.At, OutcomeErrorBudget, fmt.Sprintf("error budget exceeded (%d errors), fleeing", b.errors))
	}

	if sig.At.Sub(b.startedAt) >= m.cfg.BattleDwellTimeout {
		return m.flee(sig.At, OutcomeTimeout, fmt.Sprintf("no verdict after %v, assuming not a skin, fleeing", m.cfg.BattleDwellTimeout))
	}

	return IntentNone
}

func (m *StateMachine) onSkin(sig DetectionSignal) ControlIntent {
	m.stats.SkinsFound++

	archivePath := ""
	if m.archiver != nil {
		path, err := m.archiver.Archive(sig)
		if err != nil {
			LogError("Failed to archive skin evidence: %v", err)
		}
		archivePath = path
	}

	reason := fmt.Sprintf("skin detected: %s (distance %s)", sig.Name(), formatDistance(sig.HashDistance))
	m.endBattle(sig.At, OutcomeSkin, archivePath)
	m.pauseReason = reason
	m.transition(StatePaused, sig.At, reason)
	return IntentNone
}

// flee leaves the battle and returns the flee intent
func (m *StateMachine) flee(at time.Time, outcome EncounterOutcome, reason string) ControlIntent {
	m.stats.FleesPerformed++
	m.endBattle(at, outcome, "")
	m.awaitClear = true
	m.clearSince = at
	m.transition(StateFarming, at, reason)
	return IntentFlee
}

// endBattle reports the current battle to the recorder and clears it
func (m *StateMachine) endBattle(at time.Time, outcome EncounterOutcome, archivePath string) {
	b := m.battle
	m.battle = nil
	if b == nil || m.recorder == nil {
		return
	}
	m.recorder.RecordEncounter(Encounter{
		StartedAt:     b.startedAt,
		EndedAt:       at,
		Creature:      b.creature,
		Outcome:       outcome,
		OCRConfidence: b.ocrConfidence,
		HashDistance:  b.hashDistance,
		SSIM:          b.ssim,
		Errors:        b.errors,
		ArchivePath:   archivePath,
	})
}

func formatDistance(d *float64) string {
	if d == nil {
		return "-"
	}
	return FormatFloat(*d, 1)
}

// commandTime places an operator command on the signal clock. Commands
// arrive between signals, so at never moves the clock backwards.
// Callers hold m.mu.
func (m *StateMachine) commandTime(at time.Time) time.Time {
	if at.IsZero() {
		return m.now()
	}
	if at.Before(m.lastAt) {
		at = m.lastAt
	}
	m.lastAt = at
	return at
}

// Resume leaves Paused at the given time. Returns false when the machine is
// not paused.
func (m *StateMachine) Resume(at time.Time, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StatePaused {
		LogWarn("Resume ignored in state %s", m.state)
		return false
	}
	at = m.commandTime(at)
	m.pauseReason = ""
	m.awaitClear = true
	m.clearSince = at
	m.movement.Reset()
	return m.transition(StateFarming, at, reason)
}

// Pause is the operator pause. A battle in progress is recorded as interrupted.
func (m *StateMachine) Pause(at time.Time, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !CanTransition(m.state, StatePaused) {
		LogWarn("Pause ignored in state %s", m.state)
		return false
	}
	at = m.commandTime(at)
	m.endBattle(at, OutcomeInterrupted, "")
	m.pauseReason = reason
	return m.transition(StatePaused, at, reason)
}

// Stop moves to Stopped and finalizes Stats. Stopping twice is a no-op.
func (m *StateMachine) Stop(at time.Time, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateStopped {
		return false
	}
	now := m.commandTime(at)
	m.endBattle(now, OutcomeInterrupted, "")
	if m.stats.StartTime.IsZero() {
		m.stats.StartTime = now
	}
	m.stats.EndTime = now
	return m.transition(StateStopped, now, reason)
}

// RecordError counts an error raised outside the pipeline (e.g. dispatch failures)
func (m *StateMachine) RecordError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Errors++
	if m.battle != nil {
		m.battle.errors++
	}
	LogWarn("Error recorded: %v", err)
}

// Summary renders the Stats report printed at shutdown
func (m *StateMachine) Summary() string {
	m.mu.RLock()
	stats := m.stats
	now := m.now()
	m.mu.RUnlock()

	var sb strings.Builder
	line := strings.Repeat("=", 50)
	sb.WriteString(line + "\n")
	sb.WriteString("BOT STATISTICS\n")
	sb.WriteString(line + "\n")
	fmt.Fprintf(&sb, "Runtime:         %s\n", FormatDuration(stats.Runtime(now)))
	fmt.Fprintf(&sb, "Battles:         %d\n", stats.Battles)
	fmt.Fprintf(&sb, "Skins found:     %d\n", stats.SkinsFound)
	fmt.Fprintf(&sb, "Flees performed: %d\n", stats.FleesPerformed)
	fmt.Fprintf(&sb, "Errors:          %d\n", stats.Errors)
	if stats.Battles > 0 {
		fmt.Fprintf(&sb, "Skin rate:       %s%%\n", FormatFloat(stats.SkinRate()*100, 2))
	}
	sb.WriteString(line + "\n")
	return sb.String()
}

// FormatHistory renders the last n transitions
func (m *StateMachine) FormatHistory(n int) string {
	history := m.History()
	if n < 0 {
		n = 0
	}
	if n < len(history) {
		history = history[len(history)-n:]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Last %d transitions:\n", len(history))
	for _, rec := range history {
		sb.WriteString("  " + rec.String() + "\n")
	}
	return sb.String()
}

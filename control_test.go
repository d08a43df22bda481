package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type fakeStatus struct {
	mu      sync.Mutex
	status  MachineStatus
	history []TransitionRecord
}

func (f *fakeStatus) Status() MachineStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeStatus) History() []TransitionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TransitionRecord(nil), f.history...)
}

func (f *fakeStatus) setState(s BotState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status.State = s
}

type fakeLister struct {
	rows []EncounterRow
	err  error
}

func (f fakeLister) Recent(n int) ([]EncounterRow, error) {
	if n < len(f.rows) {
		return f.rows[:n], f.err
	}
	return f.rows, f.err
}

// answerCommands plays the decision loop: pause only applies while farming
func answerCommands(ctx context.Context, q CommandQueue, status *fakeStatus) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-q:
			switch {
			case cmd.Kind == CommandPause && status.Status().State == StateFarming:
				status.setState(StatePaused)
				cmd.Done(nil)
			case cmd.Kind == CommandResume && status.Status().State == StatePaused:
				status.setState(StateFarming)
				cmd.Done(nil)
			default:
				cmd.Done(fmt.Errorf("%w: %s", ErrCommandRejected, cmd.Kind))
			}
		}
	}
}

func newTestControl(t *testing.T, lister EncounterLister) (*ControlServer, *fakeStatus) {
	t.Helper()
	status := &fakeStatus{
		status: MachineStatus{State: StateFarming, LastSeq: 41, Stats: Stats{StartTime: time.Now(), Battles: 4, SkinsFound: 1}},
	}
	for i := 0; i < 30; i++ {
		status.history = append(status.history, TransitionRecord{At: at(time.Duration(i) * time.Second), From: StateFarming, To: StateInBattle, Reason: fmt.Sprintf("r%d", i)})
	}
	queue := NewCommandQueue()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go answerCommands(ctx, queue, status)
	return NewControlServer("127.0.0.1:0", status, lister, queue), status
}

func serve(s *ControlServer, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestControlStatus(t *testing.T) {
	s, _ := newTestControl(t, nil)
	rec := serve(s, http.MethodGet, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var got statusResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.State != "Farming" || got.LastSeq != 41 || got.Battles != 4 || got.SkinRate != 0.25 {
		t.Errorf("status = %+v", got)
	}
}

func TestControlHistory(t *testing.T) {
	s, _ := newTestControl(t, nil)
	for _, tc := range []struct {
		query string
		count int
		last  string
	}{
		{"/history", 20, "r29"},
		{"/history?n=3", 3, "r29"},
		{"/history?n=100", 30, "r29"},
		{"/history?n=bogus", 20, "r29"},
	} {
		rec := serve(s, http.MethodGet, tc.query)
		var got []transitionResponse
		if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
			t.Fatalf("%s: %v", tc.query, err)
		}
		if len(got) != tc.count || got[len(got)-1].Reason != tc.last {
			t.Errorf("%s: %d records, last %+v", tc.query, len(got), got[len(got)-1])
		}
	}
}

func TestControlEncounters(t *testing.T) {
	s, _ := newTestControl(t, nil)
	if rec := serve(s, http.MethodGet, "/encounters"); rec.Code != http.StatusNotFound {
		t.Errorf("disabled store code = %d", rec.Code)
	}

	dist := 7.0
	s, _ = newTestControl(t, fakeLister{rows: []EncounterRow{
		{SessionID: "s1", Encounter: Encounter{Creature: "mankey", Outcome: OutcomeSkin, HashDistance: &dist}},
		{SessionID: "s1", Encounter: Encounter{Creature: "pidgey", Outcome: OutcomeFled}},
	}})
	rec := serve(s, http.MethodGet, "/encounters?n=1")
	var got []encounterResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Creature != "mankey" || got[0].Outcome != "skin" || *got[0].HashDistance != 7 {
		t.Errorf("encounters = %+v", got)
	}

	s, _ = newTestControl(t, fakeLister{err: errors.New("disk gone")})
	if rec := serve(s, http.MethodGet, "/encounters"); rec.Code != http.StatusInternalServerError {
		t.Errorf("failing store code = %d", rec.Code)
	}
}

func TestControlCommands(t *testing.T) {
	s, status := newTestControl(t, nil)

	rec := serve(s, http.MethodPost, "/pause")
	if rec.Code != http.StatusOK {
		t.Fatalf("pause code = %d (%s)", rec.Code, rec.Body)
	}
	var body map[string]string
	json.NewDecoder(rec.Body).Decode(&body)
	if body["command"] != "pause" || body["state"] != "Paused" {
		t.Errorf("pause body = %v", body)
	}
	if status.Status().State != StatePaused {
		t.Error("state not paused")
	}

	if rec := serve(s, http.MethodPost, "/pause"); rec.Code != http.StatusConflict {
		t.Errorf("second pause code = %d", rec.Code)
	}
	if rec := serve(s, http.MethodPost, "/resume"); rec.Code != http.StatusOK {
		t.Errorf("resume code = %d", rec.Code)
	}
	if rec := serve(s, http.MethodGet, "/pause"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /pause code = %d", rec.Code)
	}
}

func TestControlCommandTimeout(t *testing.T) {
	status := &fakeStatus{status: MachineStatus{State: StateFarming}}
	s := NewControlServer("127.0.0.1:0", status, nil, NewCommandQueue())
	s.timeout = 20 * time.Millisecond

	if rec := serve(s, http.MethodPost, "/stop"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unanswered command code = %d", rec.Code)
	}
}

func TestCommandQueueFull(t *testing.T) {
	q := NewCommandQueue()
	for i := 0; i < cap(q); i++ {
		if !q.Send(NewCommand(CommandPause, "test")) {
			t.Fatalf("send %d refused", i)
		}
	}
	if q.Send(NewCommand(CommandPause, "test")) {
		t.Error("full queue accepted a command")
	}

	s := NewControlServer("127.0.0.1:0", &fakeStatus{}, nil, q)
	if rec := serve(s, http.MethodPost, "/pause"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("full queue code = %d", rec.Code)
	}
}

func TestCommandReplies(t *testing.T) {
	cmd := NewCommand(CommandReload, "tray")
	if cmd.Reason() != "reload requested via tray" {
		t.Errorf("reason = %q", cmd.Reason())
	}
	cmd.Done(ErrCommandRejected)
	cmd.Done(nil)
	if err := cmd.Wait(context.Background()); !errors.Is(err, ErrCommandRejected) {
		t.Errorf("first answer lost: %v", err)
	}

	var zero Command
	zero.Done(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewCommand(CommandStop, "x").Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait on cancelled ctx = %v", err)
	}
}

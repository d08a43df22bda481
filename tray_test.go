package main

import (
	"testing"
	"time"
)

func TestTrayStatusLine(t *testing.T) {
	st := MachineStatus{State: StateInBattle, Stats: Stats{StartTime: testEpoch, Battles: 12, SkinsFound: 1}}
	want := "Status: InBattle | 12 battles | 1 skins | 01:02:03"
	if got := TrayStatusLine(st, at(time.Hour+2*time.Minute+3*time.Second)); got != want {
		t.Errorf("TrayStatusLine = %q, want %q", got, want)
	}
}

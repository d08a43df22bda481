package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestArchiveName(t *testing.T) {
	ts := time.UnixMilli(1714564800123)
	for _, tc := range []struct {
		creature string
		want     string
	}{
		{"pidgey", "skin_pidgey_1714564800123"},
		{"../mr mime", "skin_mrmime_1714564800123"},
		{"", "skin_unknown_1714564800123"},
		{"???", "skin_unknown_1714564800123"},
	} {
		if got := ArchiveName(tc.creature, ts); got != tc.want {
			t.Errorf("ArchiveName(%q) = %q, want %q", tc.creature, got, tc.want)
		}
	}
}

func TestArchiveWritesRasterAndRecord(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "debug")
	archive := NewDiagnosticArchive(dir)

	sig := verdictSignal(12, at(3*time.Second), "pidgey", 9, 5)
	sig.Issues = []error{NewStageError("ssim", ErrAmbiguousVerdict, nil)}

	path, err := archive.Archive(sig)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	stem := filepath.Join(dir, ArchiveName("pidgey", at(3*time.Second)))
	if path != stem+".png" {
		t.Errorf("path = %s, want %s.png", path, stem)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("raster not written: %v", err)
	}

	data, err := os.ReadFile(stem + ".yaml")
	if err != nil {
		t.Fatalf("record not written: %v", err)
	}
	var rec archiveRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Creature != "pidgey" || rec.Seq != 12 || !rec.IsSkin || rec.HashDistance == nil || *rec.HashDistance != 9 {
		t.Errorf("record = %+v", rec)
	}
	if len(rec.Issues) != 1 || !strings.Contains(rec.Issues[0], "disagree") {
		t.Errorf("issues = %v", rec.Issues)
	}
}

func TestArchiveWithoutSprite(t *testing.T) {
	dir := t.TempDir()
	sig := verdictSignal(1, at(0), "mankey", 9, 5)
	sig.Sprite = nil

	path, err := NewDiagnosticArchive(dir).Archive(sig)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(path, ".yaml") {
		t.Errorf("path = %s, want the record", path)
	}
}

func TestLoggingBeforeInitIsNoop(t *testing.T) {
	LogDebug("not initialized %d", 1)
	LogError("still fine")
}

func TestInitLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "bot.log")
	if err := InitLogger(path); err != nil {
		t.Fatalf("InitLogger: %v", err)
	}
	LogInfo("hello %s", "log")
	CloseLogger()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "hello log") {
		t.Errorf("log file = %q", data)
	}
}

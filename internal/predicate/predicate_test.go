//go:build unix

package predicate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestJudgeInteresting(t *testing.T) {
	dir := t.TempDir()
	predicatePath := writeScript(t, dir, "predicate.sh", "grep -q lorem \"$1\"\n")

	candidate := filepath.Join(dir, "candidate")
	if err := os.WriteFile(candidate, []byte("lorem ipsum"), 0o644); err != nil {
		t.Fatalf("write candidate: %v", err)
	}

	d := New(predicatePath, time.Second, t.TempDir())
	interesting, err := d.Judge(context.Background(), candidate)
	if err != nil {
		t.Fatalf("Judge() failed: %v", err)
	}
	if !interesting {
		t.Errorf("expected interesting verdict")
	}
}

func TestJudgeUninteresting(t *testing.T) {
	dir := t.TempDir()
	predicatePath := writeScript(t, dir, "predicate.sh", "grep -q lorem \"$1\"\n")

	candidate := filepath.Join(dir, "candidate")
	if err := os.WriteFile(candidate, []byte("nothing here"), 0o644); err != nil {
		t.Fatalf("write candidate: %v", err)
	}

	d := New(predicatePath, time.Second, t.TempDir())
	interesting, err := d.Judge(context.Background(), candidate)
	if err != nil {
		t.Fatalf("Judge() failed: %v", err)
	}
	if interesting {
		t.Errorf("expected uninteresting verdict")
	}
}

func TestJudgeTimeout(t *testing.T) {
	dir := t.TempDir()
	predicatePath := writeScript(t, dir, "predicate.sh", "sleep 5\n")

	candidate := filepath.Join(dir, "candidate")
	if err := os.WriteFile(candidate, []byte("x"), 0o644); err != nil {
		t.Fatalf("write candidate: %v", err)
	}

	d := New(predicatePath, 100*time.Millisecond, t.TempDir())
	start := time.Now()
	interesting, err := d.Judge(context.Background(), candidate)
	if err != nil {
		t.Fatalf("Judge() failed: %v", err)
	}
	if interesting {
		t.Errorf("expected timeout to be treated as uninteresting")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Judge() took too long to return after timeout")
	}
}

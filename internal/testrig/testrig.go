// Package testrig provides integration test infrastructure for exercising
// the scheduler end to end against fake reducer and predicate shell
// scripts, rooted under a fresh t.TempDir() per test.
//
// # Why This Design?
//
// The integration surface here is a single shrinking test case plus two
// kinds of subprocess: there is no directory-tree shape to assert on,
// only a final head and its size. The harness builds scratch scripts
// and wires a Scheduler against them.
package testrig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shrinkd/shrinkd/internal/config"
	"github.com/shrinkd/shrinkd/internal/fingerprint"
	"github.com/shrinkd/shrinkd/internal/history"
	"github.com/shrinkd/shrinkd/internal/merge"
	"github.com/shrinkd/shrinkd/internal/predicate"
	"github.com/shrinkd/shrinkd/internal/queue"
	"github.com/shrinkd/shrinkd/internal/scheduler"
	"github.com/shrinkd/shrinkd/internal/store"
)

// Harness provides scratch-directory infrastructure for scheduler
// integration tests.
//
// Usage:
//
//	h := testrig.New(t)
//	seed := h.WriteFile("seed", "lorem ipsum dolor sit amet")
//	predicatePath := h.WriteScript("predicate.sh", testrig.GrepPredicate("lorem"))
//	reducerPath := h.WriteScript("reducer.sh", testrig.TailTrimReducer)
//	sched, st := h.Build(config.Default(), []scheduler.ReducerSpec{{Name: "trim", Path: reducerPath}}, predicatePath)
//	result, err := sched.Run(context.Background(), seed)
type Harness struct {
	t    *testing.T
	root string
}

// New creates a Harness rooted at a fresh t.TempDir().
func New(t *testing.T) *Harness {
	t.Helper()
	return &Harness{t: t, root: t.TempDir()}
}

// Root returns the harness's scratch directory.
func (h *Harness) Root() string { return h.root }

// WriteFile writes content under the harness root and returns its path.
func (h *Harness) WriteFile(name, content string) string {
	h.t.Helper()
	path := filepath.Join(h.root, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		h.t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// WriteScript writes an executable shell script under the harness root
// and returns its path. body should not include the shebang line.
func (h *Harness) WriteScript(name, body string) string {
	h.t.Helper()
	path := filepath.Join(h.root, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		h.t.Fatalf("write script %s: %v", name, err)
	}
	return path
}

// Build assembles a Scheduler with fresh store/history/queue/fingerprint
// collaborators rooted under the harness directory, predicate-driven by
// predicatePath. The Store is also returned so tests can read back the
// content of an accepted head by path.
func (h *Harness) Build(cfg config.Config, reducers []scheduler.ReducerSpec, predicatePath string) (*scheduler.Scheduler, *store.Store) {
	h.t.Helper()

	runRoot, err := os.MkdirTemp(h.root, "run-")
	if err != nil {
		h.t.Fatalf("create run dir: %v", err)
	}

	st, err := store.Open(filepath.Join(runRoot, "store"))
	if err != nil {
		h.t.Fatalf("store.Open() failed: %v", err)
	}
	hi, err := history.Open(filepath.Join(runRoot, "history.git"))
	if err != nil {
		h.t.Fatalf("history.Open() failed: %v", err)
	}
	fp, err := fingerprint.New(cfg.FingerprintCapacity, "")
	if err != nil {
		h.t.Fatalf("fingerprint.New() failed: %v", err)
	}
	q := queue.New(cfg.QueueCapacity, fp)

	scratchDir := filepath.Join(runRoot, "scratch")
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		h.t.Fatalf("create scratch dir: %v", err)
	}

	me := merge.New(hi, st, scratchDir)
	pd := predicate.New(predicatePath, cfg.PredicateTimeout, scratchDir)

	return scheduler.New(cfg, st, hi, q, fp, me, pd, reducers, scratchDir), st
}

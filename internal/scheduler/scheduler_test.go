//go:build unix

package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shrinkd/shrinkd/internal/config"
	"github.com/shrinkd/shrinkd/internal/fingerprint"
	"github.com/shrinkd/shrinkd/internal/history"
	"github.com/shrinkd/shrinkd/internal/merge"
	"github.com/shrinkd/shrinkd/internal/predicate"
	"github.com/shrinkd/shrinkd/internal/queue"
	"github.com/shrinkd/shrinkd/internal/store"
)

// writeScript writes an executable shell script under dir.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

// trimmingReducer emits, one request at a time, its seed's content
// truncated by one more byte from the tail than the last, until nothing
// is left.
const trimmingReducer = `
seed="$1"
content=$(cat "$seed")
len=${#content}
i=0
while read -r _line; do
  i=$((i+1))
  newlen=$((len-i))
  if [ "$newlen" -lt 1 ]; then
    echo ""
    exit 0
  fi
  printf '%s' "$content" | head -c "$newlen" > "out$i"
  echo "out$i"
done
`

func newTestScheduler(t *testing.T, cfg config.Config, reducers []ReducerSpec, predicatePath string) (*Scheduler, string) {
	t.Helper()
	root := t.TempDir()

	st, err := store.Open(filepath.Join(root, "store"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	h, err := history.Open(filepath.Join(root, "history.git"))
	if err != nil {
		t.Fatalf("history.Open() failed: %v", err)
	}
	fp, err := fingerprint.New(cfg.FingerprintCapacity, "")
	if err != nil {
		t.Fatalf("fingerprint.New() failed: %v", err)
	}
	q := queue.New(cfg.QueueCapacity, fp)
	workDir := filepath.Join(root, "work")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		t.Fatalf("mkdir work dir: %v", err)
	}
	me := merge.New(h, st, workDir)
	pd := predicate.New(predicatePath, cfg.PredicateTimeout, workDir)

	return New(cfg, st, h, q, fp, me, pd, reducers, workDir), root
}

func TestRunShrinksToFixpoint(t *testing.T) {
	root := t.TempDir()
	predicatePath := writeScript(t, root, "predicate.sh", "grep -q lorem \"$1\"\n")
	reducerPath := writeScript(t, root, "reducer.sh", trimmingReducer)

	seedPath := filepath.Join(root, "seed")
	if err := os.WriteFile(seedPath, []byte("lorem ipsum dolor sit amet"), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	cfg := config.Default()
	cfg.Workers = 1
	cfg.Shuffle = false
	cfg.MaxReducerInstances = 1
	cfg.QueueCapacity = 100

	sched, _ := newTestScheduler(t, cfg, []ReducerSpec{{Name: "trim", Path: reducerPath}}, predicatePath)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := sched.Run(ctx, seedPath)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if result.Head.Size != 5 {
		t.Errorf("Head.Size = %d, want 5 (\"lorem\")", result.Head.Size)
	}
}

func TestRunRejectsNonInterestingInitial(t *testing.T) {
	root := t.TempDir()
	predicatePath := writeScript(t, root, "predicate.sh", "grep -q lorem \"$1\"\n")
	reducerPath := writeScript(t, root, "reducer.sh", trimmingReducer)

	seedPath := filepath.Join(root, "seed")
	if err := os.WriteFile(seedPath, []byte("no match here"), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	cfg := config.Default()
	cfg.Workers = 1
	cfg.QueueCapacity = 10

	sched, _ := newTestScheduler(t, cfg, []ReducerSpec{{Name: "trim", Path: reducerPath}}, predicatePath)

	_, err := sched.Run(context.Background(), seedPath)
	if err != ErrInitialNotInteresting {
		t.Fatalf("Run() error = %v, want ErrInitialNotInteresting", err)
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	root := t.TempDir()
	predicatePath := writeScript(t, root, "predicate.sh", "sleep 0.2; exit 0\n")
	reducerPath := writeScript(t, root, "reducer.sh", trimmingReducer)

	seedPath := filepath.Join(root, "seed")
	if err := os.WriteFile(seedPath, []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	cfg := config.Default()
	cfg.Workers = 1
	cfg.PredicateTimeout = 0
	cfg.QueueCapacity = 10

	sched, _ := newTestScheduler(t, cfg, []ReducerSpec{{Name: "trim", Path: reducerPath}}, predicatePath)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(500 * time.Millisecond)
		cancel()
	}()

	done := make(chan struct{})
	go func() {
		if _, err := sched.Run(ctx, seedPath); err != nil {
			t.Errorf("Run() failed: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return promptly after cancellation")
	}
}

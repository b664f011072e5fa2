// Package merge implements the merge engine: on every acceptance, it
// speculatively combines the newly accepted head with the
// previous head against their common ancestor, and hands the result back
// as a synthetic merge candidate.
//
// # Why This Design?
//
//   - Merges are pure speculation: a MergeConflict is dropped, never
//     fatal — the run always has the accepted head to fall back to.
//   - At most one merge is pending per (previous-head, new-head) pair at
//     a time, so a burst of acceptances can't flood the queue with
//     redundant merge attempts over the same two ancestors.
package merge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/shrinkd/shrinkd/internal/history"
	"github.com/shrinkd/shrinkd/internal/queue"
	"github.com/shrinkd/shrinkd/internal/store"
)

// Engine produces merge candidates on acceptance.
type Engine struct {
	history *history.History
	store   *store.Store
	tmpDir  string

	mu      sync.Mutex
	pending map[[2]string]bool
}

// New creates a merge Engine. tmpDir is a scratch directory the engine
// may write merged content into before interning it.
func New(h *history.History, st *store.Store, tmpDir string) *Engine {
	return &Engine{history: h, store: st, tmpDir: tmpDir, pending: make(map[[2]string]bool)}
}

// OnAccept computes the merge of prevHead and newHead, if no merge of
// that exact pair is already pending. It returns (nil, nil) when the
// merge is skipped (already pending) or drops on conflict — both are
// normal, non-fatal outcomes the scheduler should simply not enqueue.
func (e *Engine) OnAccept(ctx context.Context, prevHead, newHead history.Node, generation int) (*queue.Candidate, error) {
	if prevHead.IsZero() || prevHead == newHead {
		return nil, nil
	}

	key := pairKey(prevHead, newHead)
	e.mu.Lock()
	if e.pending[key] {
		e.mu.Unlock()
		return nil, nil
	}
	e.pending[key] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, key)
		e.mu.Unlock()
	}()

	merged, err := e.history.Merge(prevHead, newHead)
	if err != nil {
		if errors.Is(err, history.ErrMergeConflict) {
			return nil, nil // conflicting merge: drop, non-fatal
		}
		return nil, fmt.Errorf("merge %s %s: %w", prevHead, newHead, err)
	}

	tmp, err := os.CreateTemp(e.tmpDir, "merge-")
	if err != nil {
		return nil, fmt.Errorf("create merge scratch file: %w", err)
	}
	if _, err := tmp.Write(merged); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("write merge scratch file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("close merge scratch file: %w", err)
	}

	tc, err := e.store.Intern(tmp.Name(), "merge")
	if err != nil {
		return nil, fmt.Errorf("intern merge result: %w", err)
	}

	return &queue.Candidate{
		TestCase:        tc,
		Generation:      generation,
		Kind:            queue.KindMerge,
		SourceReducerID: "merge",
	}, nil
}

func pairKey(a, b history.Node) [2]string {
	sa, sb := a.String(), b.String()
	if sa > sb {
		sa, sb = sb, sa
	}
	return [2]string{sa, sb}
}

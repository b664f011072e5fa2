// Package scheduler implements the main control loop: a single
// coordinator goroutine that dispatches predicate workers, drains
// reducer instances, accepts strictly-smaller interesting candidates
// into the history, and enqueues speculative merges — until every
// reducer instance is exhausted and the candidate queue runs dry.
//
// # Why This Design?
//
// The coordinator never blocks on subprocess I/O directly: each
// ReducerInstance is driven by its own goroutine that blocks on its
// subprocess's request/reply turn and feeds the shared queue, while
// each predicate Judge call runs in its own worker goroutine and reports
// back over a completion channel. The coordinator's select loop only
// ever waits on channels, never on a pipe or a subprocess exit.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/shrinkd/shrinkd/internal/config"
	"github.com/shrinkd/shrinkd/internal/fingerprint"
	"github.com/shrinkd/shrinkd/internal/history"
	"github.com/shrinkd/shrinkd/internal/merge"
	"github.com/shrinkd/shrinkd/internal/predicate"
	"github.com/shrinkd/shrinkd/internal/progress"
	"github.com/shrinkd/shrinkd/internal/queue"
	"github.com/shrinkd/shrinkd/internal/reducer"
	"github.com/shrinkd/shrinkd/internal/store"
)

// ErrInitialNotInteresting is returned by Run when the predicate rejects
// the initial test case before any reduction work begins.
var ErrInitialNotInteresting = errors.New("initial test case is not interesting")

// ReducerSpec names one reducer program the scheduler seeds against the
// head on startup and on every acceptance.
type ReducerSpec struct {
	Name string
	Path string
}

// Result is the outcome of a completed Run.
type Result struct {
	Head        *store.TestCase
	Generations int
}

// Scheduler owns the coordinator goroutine tying every collaborator
// package together.
type Scheduler struct {
	cfg     config.Config
	store   *store.Store
	history *history.History
	queue   *queue.Queue
	fp      *fingerprint.Set
	mergeEn *merge.Engine
	pred    *predicate.Driver
	reducers []ReducerSpec
	workDir string

	// nodes maps each generation to the History node that became head at
	// it, so a candidate is committed on the node its seed came from.
	nodes map[int]history.Node

	// ErrCh receives non-fatal diagnostics (ReducerMisbehavior,
	// NonDeterministicPredicate) for the caller to log. Buffered; the
	// scheduler never blocks trying to send on it.
	ErrCh chan error

	// Stats, if set before Run, is updated on every judgement and
	// acceptance for the caller's progress display. Nil by default.
	Stats *progress.Stats
}

// New assembles a Scheduler from its collaborators. workDir is a scratch
// directory for reducer/predicate/merge private working directories.
func New(cfg config.Config, st *store.Store, h *history.History, q *queue.Queue, fp *fingerprint.Set, me *merge.Engine, pd *predicate.Driver, reducers []ReducerSpec, workDir string) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		store:    st,
		history:  h,
		queue:    q,
		fp:       fp,
		mergeEn:  me,
		pred:     pd,
		reducers: reducers,
		workDir:  workDir,
		ErrCh:    make(chan error, 64),
	}
}

// liveReducer tracks one running Instance alongside the bookkeeping the
// coordinator needs to preempt or age it out.
type liveReducer struct {
	inst           *reducer.Instance
	seedGeneration int
	seedNode       history.Node
	cancel         context.CancelFunc
}

// workerResult is what a predicate worker reports back after judging one
// candidate.
type workerResult struct {
	cand        queue.Candidate
	interesting bool
	err         error
}

// Run drives the reduction to a fixpoint (or until ctx is canceled) and
// returns the final head test case.
func (s *Scheduler) Run(ctx context.Context, initialPath string) (*Result, error) {
	initial, err := s.store.Intern(initialPath, "initial")
	if err != nil {
		return nil, fmt.Errorf("intern initial test case: %w", err)
	}

	interesting, err := s.pred.Judge(ctx, s.store.Path(initial))
	if err != nil {
		return nil, fmt.Errorf("judge initial test case: %w", err)
	}
	if !interesting {
		return nil, ErrInitialNotInteresting
	}

	content, err := os.ReadFile(s.store.Path(initial))
	if err != nil {
		return nil, fmt.Errorf("read initial test case: %w", err)
	}
	root, err := s.history.Init(content, time.Now())
	if err != nil {
		return nil, fmt.Errorf("init history: %w", err)
	}
	s.store.Pin(initial)
	s.queue.SetGeneration(0)
	s.nodes = map[int]history.Node{0: root}

	headTC := initial
	generation := 0

	live := make(map[*reducer.Instance]*liveReducer)
	doneCh := make(chan *reducer.Instance, 64)
	candCh := make(chan struct{}, 1)

	for _, rs := range s.reducers {
		if err := s.spawnReducer(ctx, rs, headTC, root, generation, live, doneCh, candCh); err != nil {
			s.notify(fmt.Errorf("spawn reducer %s: %w", rs.Name, err))
		}
	}

	jobsCh := make(chan queue.Candidate)
	resultsCh := make(chan workerResult)
	for i := 0; i < s.cfg.Workers; i++ {
		go s.runWorker(ctx, jobsCh, resultsCh)
	}

	activeJobs := 0
	shuttingDown := false

	for {
		for !shuttingDown && activeJobs < s.cfg.Workers {
			cand, ok := s.queue.Pop()
			if !ok {
				break
			}
			activeJobs++
			jobsCh <- cand
		}

		if s.Stats != nil {
			s.Stats.QueueDepth.Store(int64(s.queue.Len()))
		}

		if len(live) == 0 && activeJobs == 0 && (shuttingDown || s.queue.Len() == 0) {
			break
		}

		select {
		case <-ctx.Done():
			if !shuttingDown {
				shuttingDown = true
				for _, lr := range live {
					lr.cancel()
				}
			}

		case res := <-resultsCh:
			activeJobs--
			headTC, generation, err = s.handleResult(ctx, res, headTC, generation, live, doneCh, candCh)
			if err != nil {
				s.notify(err)
			}

		case inst := <-doneCh:
			if lr, ok := live[inst]; ok {
				lr.cancel()
				delete(live, inst)
			}
			_ = inst.Close()

		case <-candCh:
			// Loop around: more capacity may now be fillable from the queue.
		}
	}

	close(jobsCh)
	return &Result{Head: headTC, Generations: generation}, nil
}

// runWorker judges candidates from jobsCh until it is closed.
func (s *Scheduler) runWorker(ctx context.Context, jobsCh <-chan queue.Candidate, resultsCh chan<- workerResult) {
	for cand := range jobsCh {
		interesting, err := s.pred.Judge(ctx, s.store.Path(cand.TestCase))
		if s.Stats != nil {
			s.Stats.Judged.Add(1)
		}
		resultsCh <- workerResult{cand: cand, interesting: interesting, err: err}
	}
}

// handleResult applies one predicate verdict: releasing an uninteresting
// or obsolete candidate, or accepting a strictly-smaller interesting one
// as the new head.
func (s *Scheduler) handleResult(ctx context.Context, res workerResult, headTC *store.TestCase, generation int, live map[*reducer.Instance]*liveReducer, doneCh chan *reducer.Instance, candCh chan struct{}) (*store.TestCase, int, error) {
	if res.err != nil {
		s.store.Release(res.cand.TestCase)
		return headTC, generation, fmt.Errorf("judge %s: %w", res.cand.TestCase.Hash, res.err)
	}
	if !res.interesting {
		s.store.Release(res.cand.TestCase)
		return headTC, generation, nil
	}
	if res.cand.TestCase.Size >= s.history.HeadSize() {
		// Interesting but no longer an improvement over the current head.
		s.store.Release(res.cand.TestCase)
		return headTC, generation, nil
	}

	acceptedAt := time.Now()
	content, err := os.ReadFile(s.store.Path(res.cand.TestCase))
	if err != nil {
		s.store.Release(res.cand.TestCase)
		return headTC, generation, fmt.Errorf("read accepted candidate: %w", err)
	}

	prevHead := s.history.Head()
	parent, ok := s.nodes[res.cand.Generation]
	if !ok {
		parent = prevHead
	}
	newNode, err := s.history.Accept(parent, content)
	if err != nil {
		s.store.Release(res.cand.TestCase)
		return headTC, generation, fmt.Errorf("accept candidate: %w", err)
	}

	if s.cfg.Reverify {
		ok, err := s.pred.Judge(ctx, s.store.Path(res.cand.TestCase))
		if err != nil || !ok {
			s.notify(fmt.Errorf("non-deterministic predicate on %s, keeping prior head", res.cand.TestCase.Hash))
			s.store.Release(res.cand.TestCase)
			return headTC, generation, nil
		}
	}

	s.history.SetHead(newNode, res.cand.TestCase.Size, acceptedAt)
	s.store.Pin(res.cand.TestCase)
	s.store.Unpin(headTC)

	newGeneration := generation + 1
	s.nodes[newGeneration] = newNode
	s.queue.SetGeneration(newGeneration)

	if s.Stats != nil {
		s.Stats.Generation.Store(int64(newGeneration))
		s.Stats.HeadSize.Store(res.cand.TestCase.Size)
		s.Stats.Accepted.Add(1)
	}
	if s.cfg.Verbose {
		fmt.Fprintf(os.Stderr, "\r\033[Kaccepted %d bytes from %s (generation %d)\n", res.cand.TestCase.Size, res.cand.SourceReducerID, newGeneration)
	}

	if cand, err := s.mergeEn.OnAccept(ctx, prevHead, newNode, newGeneration); err != nil {
		s.notify(fmt.Errorf("merge engine: %w", err))
	} else if cand != nil {
		// TryPush, never Push: this runs on the coordinator goroutine
		// itself, which is also the only goroutine that calls Pop to
		// free queue capacity. A blocking Push here on a full queue
		// would deadlock the coordinator against itself. Merges are
		// pure speculation, so dropping one under backpressure is safe.
		if ok, dup := s.queue.TryPush(*cand); !ok || dup {
			s.store.Release(cand.TestCase)
		}
	}

	if s.cfg.PreemptStaleReducers {
		for inst, lr := range live {
			if lr.seedNode != newNode {
				lr.cancel()
				delete(live, inst)
			}
		}
	}

	for _, rs := range s.reducers {
		if s.countBySpec(live, rs.Name, newNode) >= s.cfg.MaxReducerInstances {
			continue
		}
		if err := s.spawnReducer(ctx, rs, res.cand.TestCase, newNode, newGeneration, live, doneCh, candCh); err != nil {
			s.notify(fmt.Errorf("spawn reducer %s: %w", rs.Name, err))
		}
	}

	return res.cand.TestCase, newGeneration, nil
}

func (s *Scheduler) countBySpec(live map[*reducer.Instance]*liveReducer, name string, seedNode history.Node) int {
	n := 0
	for inst, lr := range live {
		if inst.Name == name && lr.seedNode == seedNode {
			n++
		}
	}
	return n
}

// spawnReducer starts one Instance seeded on seed and launches its
// feeder goroutine.
func (s *Scheduler) spawnReducer(ctx context.Context, rs ReducerSpec, seed *store.TestCase, seedNode history.Node, seedGeneration int, live map[*reducer.Instance]*liveReducer, doneCh chan *reducer.Instance, candCh chan struct{}) error {
	instCtx, cancel := context.WithCancel(ctx)
	s.store.Retain(seed)
	inst, err := reducer.Start(instCtx, rs.Name, rs.Path, seed, s.store.Path(seed), s.workDir, s.store, 0)
	if err != nil {
		cancel()
		s.store.Release(seed)
		return err
	}
	live[inst] = &liveReducer{inst: inst, seedGeneration: seedGeneration, seedNode: seedNode, cancel: cancel}
	go s.feedReducer(instCtx, inst, seedGeneration, doneCh, candCh)
	return nil
}

// feedReducer repeatedly calls Next, pushing each candidate onto the
// shared queue. Shuffle, when enabled, reorders candidates over a small
// window to reduce the odds that two temporally-adjacent edits from the
// same reducer end up racing for the same region and colliding on merge.
func (s *Scheduler) feedReducer(ctx context.Context, inst *reducer.Instance, seedGeneration int, doneCh chan<- *reducer.Instance, candCh chan<- struct{}) {
	defer func() { doneCh <- inst }()

	var window []*store.TestCase
	flush := func() {
		if s.cfg.Shuffle && len(window) > 1 {
			rand.Shuffle(len(window), func(i, j int) { window[i], window[j] = window[j], window[i] })
		}
		for _, tc := range window {
			s.pushCandidate(ctx, tc, seedGeneration, inst.Name, candCh)
		}
		window = window[:0]
	}

	for {
		tc, ok, err := inst.Next(ctx)
		if err != nil {
			s.notify(fmt.Errorf("reducer %s misbehaved: %w", inst.Name, err))
			flush()
			return
		}
		if !ok {
			flush()
			return
		}

		if !s.cfg.Shuffle || s.cfg.ShuffleWindow <= 1 {
			s.pushCandidate(ctx, tc, seedGeneration, inst.Name, candCh)
			continue
		}
		window = append(window, tc)
		if len(window) >= s.cfg.ShuffleWindow {
			flush()
		}
	}
}

func (s *Scheduler) pushCandidate(ctx context.Context, tc *store.TestCase, seedGeneration int, sourceID string, candCh chan<- struct{}) {
	cand := queue.Candidate{TestCase: tc, Generation: seedGeneration, Kind: queue.KindReducerOutput, SourceReducerID: sourceID}
	ok, dup, err := s.queue.Push(ctx, cand)
	if err != nil || !ok || dup {
		s.store.Release(tc)
		return
	}
	select {
	case candCh <- struct{}{}:
	default:
	}
}

// notify forwards a non-fatal diagnostic to ErrCh, dropping it if the
// channel is full rather than blocking the coordinator.
func (s *Scheduler) notify(err error) {
	select {
	case s.ErrCh <- err:
	default:
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shrinkd/shrinkd/internal/config"
	"github.com/shrinkd/shrinkd/internal/fingerprint"
	"github.com/shrinkd/shrinkd/internal/history"
	"github.com/shrinkd/shrinkd/internal/merge"
	"github.com/shrinkd/shrinkd/internal/predicate"
	"github.com/shrinkd/shrinkd/internal/progress"
	"github.com/shrinkd/shrinkd/internal/queue"
	"github.com/shrinkd/shrinkd/internal/scheduler"
	"github.com/shrinkd/shrinkd/internal/store"
	"github.com/spf13/cobra"
)

// runOptions holds CLI flags for the run command.
type runOptions struct {
	workers              int
	timeoutSecs          int
	noShuffle            bool
	shuffleWindow        int
	out                  string
	verbose              bool
	noProgress           bool
	noReverify           bool
	preemptStaleReducers bool
	maxReducerInstances  int
	fingerprintCapacity  int
	queueCapacity        int
	cacheDir             string
}

// newRunCmd creates the run subcommand.
func newRunCmd() *cobra.Command {
	defaults := config.Default()
	opts := &runOptions{
		workers:             defaults.Workers,
		timeoutSecs:         int(defaults.PredicateTimeout / time.Second),
		shuffleWindow:       defaults.ShuffleWindow,
		maxReducerInstances: defaults.MaxReducerInstances,
		fingerprintCapacity: defaults.FingerprintCapacity,
		queueCapacity:       defaults.QueueCapacity,
	}

	cmd := &cobra.Command{
		Use:   "run <initial-test-case> <predicate> <reducer>...",
		Short: "Shrink a test case under a predicate using one or more reducers",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			return runShrink(args[0], args[1], args[2:], opts)
		},
	}

	cmd.Flags().IntVarP(&opts.workers, "workers", "w", opts.workers, "Number of parallel predicate workers")
	cmd.Flags().IntVar(&opts.timeoutSecs, "timeout", opts.timeoutSecs, "Predicate timeout, in seconds (0 disables the deadline)")
	cmd.Flags().BoolVar(&opts.noShuffle, "no-shuffle", false, "Disable windowed shuffling of reducer output")
	cmd.Flags().IntVar(&opts.shuffleWindow, "shuffle-window", opts.shuffleWindow, "Window size for shuffling reducer output")
	cmd.Flags().IntVar(&opts.queueCapacity, "queue-capacity", opts.queueCapacity, "Bounded candidate queue capacity")
	cmd.Flags().StringVar(&opts.out, "out", "", "Write the final head here instead of overwriting the initial test case")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log every acceptance")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Disable progress output")
	cmd.Flags().BoolVar(&opts.noReverify, "no-reverify", false, "Skip re-running the predicate on a newly accepted head")
	cmd.Flags().BoolVar(&opts.preemptStaleReducers, "preempt-stale-reducers", false, "Kill reducer instances seeded on a superseded head")
	cmd.Flags().IntVar(&opts.maxReducerInstances, "max-reducer-instances", opts.maxReducerInstances, "Max concurrently live instances per reducer on each seed")
	cmd.Flags().IntVar(&opts.fingerprintCapacity, "fingerprint-capacity", opts.fingerprintCapacity, "LRU capacity of the candidate fingerprint set")
	cmd.Flags().StringVar(&opts.cacheDir, "cache-dir", "", "Directory for a persisted fingerprint cache, enabling faster re-runs")

	return cmd
}

// drainErrors consumes errors from a channel and writes them to stderr.
func drainErrors(errs <-chan error) {
	for err := range errs {
		fmt.Fprintf(os.Stderr, "\r\033[Kerror: %v\n", err)
	}
}

func runShrink(initialPath, predicatePath string, reducerPaths []string, opts *runOptions) error {
	cfg := config.Config{
		Workers:              opts.workers,
		PredicateTimeout:     time.Duration(opts.timeoutSecs) * time.Second,
		Shuffle:              !opts.noShuffle,
		ShuffleWindow:        opts.shuffleWindow,
		MaxReducerInstances:  opts.maxReducerInstances,
		FingerprintCapacity:  opts.fingerprintCapacity,
		Reverify:             !opts.noReverify,
		PreemptStaleReducers: opts.preemptStaleReducers,
		QueueCapacity:        opts.queueCapacity,
		CacheDir:             opts.cacheDir,
		Verbose:              opts.verbose,
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}

	workDir, err := os.MkdirTemp("", "shrinkd-")
	if err != nil {
		return fmt.Errorf("create working directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	st, err := store.Open(filepath.Join(workDir, "store"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	h, err := history.Open(filepath.Join(workDir, "history.git"))
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}

	var persistPath string
	if cfg.CacheDir != "" {
		persistPath = filepath.Join(cfg.CacheDir, "fingerprint.db")
	}
	fp, err := fingerprint.New(cfg.FingerprintCapacity, persistPath)
	if err != nil {
		return fmt.Errorf("open fingerprint set: %w", err)
	}
	defer func() { _ = fp.Close() }()

	q := queue.New(cfg.QueueCapacity, fp)
	scratchDir := filepath.Join(workDir, "scratch")
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	me := merge.New(h, st, scratchDir)
	pd := predicate.New(predicatePath, cfg.PredicateTimeout, scratchDir)

	var reducers []scheduler.ReducerSpec
	for _, p := range reducerPaths {
		reducers = append(reducers, scheduler.ReducerSpec{Name: filepath.Base(p), Path: p})
	}

	sched := scheduler.New(cfg, st, h, q, fp, me, pd, reducers, scratchDir)

	showProgress := !opts.noProgress
	stats := progress.NewStats()
	sched.Stats = stats
	bar := progress.New(showProgress, -1)
	bar.Describe(stats)

	go drainErrors(sched.ErrCh)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	defer signal.Stop(sigCh)

	tickerDone := make(chan struct{})
	if showProgress {
		go func() {
			ticker := time.NewTicker(100 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					bar.Describe(stats)
				case <-tickerDone:
					return
				}
			}
		}()
	}

	// The store takes ownership of (moves) whatever file Run interns, so
	// hand it a copy and leave the user's initial test case in place.
	seedCopy := filepath.Join(workDir, "initial")
	if err := copyFile(initialPath, seedCopy); err != nil {
		close(tickerDone)
		return fmt.Errorf("copy initial test case: %w", err)
	}
	result, err := sched.Run(ctx, seedCopy)
	close(tickerDone)
	if err != nil {
		return fmt.Errorf("reduction failed: %w", err)
	}
	bar.Finish(stats)

	outPath := opts.out
	if outPath == "" {
		outPath = initialPath
	}
	if err := copyFile(st.Path(result.Head), outPath); err != nil {
		return fmt.Errorf("write final head: %w", err)
	}

	if opts.verbose {
		fmt.Fprintf(os.Stderr, "shrunk to %d bytes over %d generations\n", result.Head.Size, result.Generations)
	}

	return nil
}

func copyFile(src, dst string) error {
	content, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

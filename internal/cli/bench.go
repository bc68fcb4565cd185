package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hupe1980/sharedb"
	"github.com/hupe1980/sharedb/engine"
)

// NewBenchCommand creates the bench command.
func NewBenchCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "bench <scenario.yaml>",
		Short: "Drive a workload scenario against the database",
		Long: `Run a scenario file against the database and print a latency summary.

The scenario preloads documents into a collection, then drives a weighted
read/write mix from concurrent workers, with Zipf-distributed document
access and an optional rate cap. Every operation goes through the full
open-lock-operate-close cycle, so the numbers include dispatch overhead.

Scenario file:
  collection: bench
  documents: 1000
  workers: 8
  duration: 10s
  rate: 500        # ops/sec, 0 = unlimited
  reads: 80
  writes: 20
  zipf:
    s: 1.1
    v: 1.0`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(rootOpts, args[0], cmd)
		},
	}
}

func runBench(opts *RootOptions, scenarioPath string, cmd *cobra.Command) error {
	scenario, err := LoadScenario(scenarioPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}

	db, err := opts.open()
	if err != nil {
		return err
	}
	defer db.Close()

	result, err := runScenario(cmd.Context(), db, scenario)
	if err != nil {
		return WrapExitError(ExitFailure, "bench failed", err)
	}

	if opts.Format == "json" {
		return printJSON(cmd.OutOrStdout(), result)
	}
	return result.print(cmd.OutOrStdout())
}

// BenchResult summarizes one scenario run.
type BenchResult struct {
	Collection string    `json:"collection"`
	Documents  int       `json:"documents"`
	Workers    int       `json:"workers"`
	ElapsedMS  int64     `json:"elapsed_ms"`
	Errors     int       `json:"errors"`
	Reads      OpSummary `json:"reads"`
	Writes     OpSummary `json:"writes"`

	elapsed time.Duration
}

// OpSummary summarizes the latencies of one operation kind.
type OpSummary struct {
	Count     int     `json:"count"`
	OpsPerSec float64 `json:"ops_per_sec"`
	P50NS     int64   `json:"p50_ns"`
	P95NS     int64   `json:"p95_ns"`
	P99NS     int64   `json:"p99_ns"`
	MaxNS     int64   `json:"max_ns"`
}

func runScenario(ctx context.Context, db *sharedb.DB, s *Scenario) (*BenchResult, error) {
	if err := preload(ctx, db, s); err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if s.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.Rate), s.Rate)
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(s.Duration))
	defer cancel()

	g, runCtx := errgroup.WithContext(runCtx)
	workers := make([]*workerStats, s.Workers)

	started := time.Now()
	for i := 0; i < s.Workers; i++ {
		g.Go(func() error {
			workers[i] = runWorker(runCtx, db, s, i, limiter)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return summarize(s, workers, time.Since(started)), nil
}

// preload fills the bench collection with identities 1..Documents.
func preload(ctx context.Context, db *sharedb.DB, s *Scenario) error {
	if _, err := db.DropCollection(ctx, s.Collection); err != nil {
		return err
	}

	const batch = 500
	for start := 0; start < s.Documents; start += batch {
		end := min(start+batch, s.Documents)
		docs := make([]engine.Document, 0, end-start)
		for i := start; i < end; i++ {
			docs = append(docs, engine.Document{"hits": 0, "payload": "0123456789abcdef0123456789abcdef"})
		}
		if _, err := db.Insert(ctx, s.Collection, docs, engine.AutoIDInt64); err != nil {
			return err
		}
	}
	return nil
}

type workerStats struct {
	reads  []time.Duration
	writes []time.Duration
	errors int
}

func (w *workerStats) record(read bool, d time.Duration, err error) {
	if err != nil {
		w.errors++
		return
	}
	if read {
		w.reads = append(w.reads, d)
	} else {
		w.writes = append(w.writes, d)
	}
}

func runWorker(ctx context.Context, db *sharedb.DB, s *Scenario, id int, limiter *rate.Limiter) *workerStats {
	rng := rand.New(rand.NewSource(s.Seed + int64(id)))
	zipf := rand.NewZipf(rng, s.Zipf.S, s.Zipf.V, uint64(s.Documents-1))
	stats := &workerStats{}

	for {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return stats
			}
		} else if ctx.Err() != nil {
			return stats
		}

		docID := int64(zipf()) + 1
		read := rng.Intn(s.Reads+s.Writes) < s.Reads

		start := time.Now()
		err := runOp(ctx, db, s.Collection, docID, read)
		elapsed := time.Since(start)

		// The run window closing mid-operation is not a failure.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return stats
		}
		stats.record(read, elapsed, err)
	}
}

func runOp(ctx context.Context, db *sharedb.DB, collection string, id int64, read bool) error {
	if !read {
		_, err := db.UpdateMany(ctx, collection,
			engine.Mutation{Inc: map[string]float64{"hits": 1}},
			engine.Eq(engine.IDField, id))
		return err
	}

	cur, err := db.Query(ctx, collection, engine.Query{
		Filter: engine.Eq(engine.IDField, id),
		Limit:  1,
	})
	if err != nil {
		return err
	}
	for cur.Next() {
	}
	err = cur.Err()
	if cerr := cur.Close(); err == nil {
		err = cerr
	}
	return err
}

func summarize(s *Scenario, workers []*workerStats, elapsed time.Duration) *BenchResult {
	var reads, writes []time.Duration
	result := &BenchResult{
		Collection: s.Collection,
		Documents:  s.Documents,
		Workers:    s.Workers,
		ElapsedMS:  elapsed.Milliseconds(),
		elapsed:    elapsed,
	}

	for _, w := range workers {
		if w == nil {
			continue
		}
		reads = append(reads, w.reads...)
		writes = append(writes, w.writes...)
		result.Errors += w.errors
	}

	result.Reads = summarizeOp(reads, elapsed)
	result.Writes = summarizeOp(writes, elapsed)
	return result
}

func summarizeOp(durations []time.Duration, elapsed time.Duration) OpSummary {
	if len(durations) == 0 {
		return OpSummary{}
	}

	slices.Sort(durations)
	return OpSummary{
		Count:     len(durations),
		OpsPerSec: float64(len(durations)) / elapsed.Seconds(),
		P50NS:     int64(percentile(durations, 0.50)),
		P95NS:     int64(percentile(durations, 0.95)),
		P99NS:     int64(percentile(durations, 0.99)),
		MaxNS:     int64(durations[len(durations)-1]),
	}
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	return sorted[int(q*float64(len(sorted)-1))]
}

func (r *BenchResult) print(out io.Writer) error {
	fmt.Fprintf(out, "collection=%s documents=%d workers=%d elapsed=%s errors=%d\n",
		r.Collection, r.Documents, r.Workers, r.elapsed.Round(time.Millisecond), r.Errors)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "op\tcount\tops/s\tp50\tp95\tp99\tmax")
	for _, row := range []struct {
		name string
		s    OpSummary
	}{
		{"read", r.Reads},
		{"write", r.Writes},
	} {
		fmt.Fprintf(w, "%s\t%d\t%.1f\t%s\t%s\t%s\t%s\n",
			row.name, row.s.Count, row.s.OpsPerSec,
			formatNS(row.s.P50NS), formatNS(row.s.P95NS), formatNS(row.s.P99NS), formatNS(row.s.MaxNS))
	}
	return w.Flush()
}

func formatNS(ns int64) string {
	return time.Duration(ns).Round(time.Microsecond).String()
}

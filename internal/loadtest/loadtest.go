// Package loadtest drives a relay with simulated concurrent editors.
//
// Every editor owns one text container of a shared document and appends to it
// in a loop, waiting for the relay to acknowledge each edit. A separate
// observer replica records how long each edit takes to arrive. Since editors
// never touch each other's containers, every replica must end up with the same
// state, which is checked after the run.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/mschirtzinger/docsync/internal/collab"
	"github.com/mschirtzinger/docsync/internal/remote"
)

// Options configures a run.
type Options struct {
	// Endpoint is the relay base URL. Required.
	Endpoint string
	// Room used for the run (default: "loadtest-<unix nanos>").
	Room string
	// Editors is the number of concurrent editors (default: 10).
	Editors int
	// EditsPerEditor is the number of edits each editor makes (default: 20).
	EditsPerEditor int
	// Timeout bounds connecting, each edit's acknowledgement and convergence
	// (default: 30s).
	Timeout time.Duration
	// Logger for client activity (default: discard)
	Logger *log.Logger
}

// LatencyStats captures a latency distribution.
type LatencyStats struct {
	Min     time.Duration
	Max     time.Duration
	Mean    time.Duration
	P50     time.Duration // Median
	P95     time.Duration
	P99     time.Duration
	Samples int
}

// Result is the outcome of a run.
type Result struct {
	// Ack is the time from a local edit to the relay's acknowledgement.
	Ack *LatencyStats
	// Propagation is the time from a local edit to its arrival at the observer.
	Propagation *LatencyStats
	Errors      int
	Converged   bool
	Elapsed     time.Duration
}

// replica is one document connected to the relay.
type replica struct {
	doc    *collab.TextDoc
	client *remote.Client
}

func (o *Options) setDefaults() {
	if o.Room == "" {
		o.Room = fmt.Sprintf("loadtest-%d", time.Now().UnixNano())
	}
	if o.Editors <= 0 {
		o.Editors = 10
	}
	if o.EditsPerEditor <= 0 {
		o.EditsPerEditor = 20
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = log.New(io.Discard, "", 0)
	}
}

func containerName(editor int) string {
	return fmt.Sprintf("editor-%03d", editor)
}

// Run connects Editors+1 replicas to the relay, runs the edits and reports
// latencies.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	opts.setDefaults()

	newReplica := func() (*replica, error) {
		doc := collab.NewTextDoc()
		c, err := remote.New(remote.Config{
			Endpoint:       opts.Endpoint,
			Room:           opts.Room,
			Doc:            doc,
			ReconnectDelay: 100 * time.Millisecond,
			Logger:         opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		return &replica{doc: doc, client: c}, nil
	}

	replicas := make([]*replica, 0, opts.Editors+1)
	defer func() {
		for _, r := range replicas {
			_ = r.client.Close()
		}
	}()
	for i := 0; i <= opts.Editors; i++ {
		r, err := newReplica()
		if err != nil {
			return nil, fmt.Errorf("failed to create replica %d: %w", i, err)
		}
		replicas = append(replicas, r)
	}
	observer, editors := replicas[0], replicas[1:]

	sent := make([][]time.Time, opts.Editors)
	for i := range sent {
		sent[i] = make([]time.Time, opts.EditsPerEditor)
	}
	var (
		sentMu     sync.Mutex
		seen       = make([]int, opts.Editors)
		propagated []time.Duration
	)
	observer.doc.Observe(func(collab.Update) {
		now := time.Now()
		sentMu.Lock()
		defer sentMu.Unlock()
		for i := range seen {
			n := observer.doc.GetText(containerName(i)).Len()
			for ; seen[i] < n && seen[i] < opts.EditsPerEditor; seen[i]++ {
				if t := sent[i][seen[i]]; !t.IsZero() {
					propagated = append(propagated, now.Sub(t))
				}
			}
		}
	})

	if err := connectAll(ctx, replicas, opts.Timeout); err != nil {
		return nil, err
	}

	start := time.Now()
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		acks   []time.Duration
		errCnt int
	)
	for i, ed := range editors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			text := ed.doc.GetText(containerName(i))
			for j := 0; j < opts.EditsPerEditor; j++ {
				sentMu.Lock()
				sent[i][j] = time.Now()
				sentMu.Unlock()

				begin := time.Now()
				text.Insert(text.Len(), "x")

				fctx, cancel := context.WithTimeout(ctx, opts.Timeout)
				err := ed.client.Flush(fctx)
				cancel()

				mu.Lock()
				if err != nil {
					errCnt++
					opts.Logger.Printf("editor %d edit %d not acknowledged: %v", i, j, err)
				} else {
					acks = append(acks, time.Since(begin))
				}
				mu.Unlock()
				if ctx.Err() != nil {
					return
				}
			}
		}()
	}
	wg.Wait()

	res := &Result{Errors: errCnt}
	res.Converged = waitConverged(ctx, replicas, opts.Timeout)
	res.Elapsed = time.Since(start)

	res.Ack = ComputeLatencyStats(acks)
	sentMu.Lock()
	res.Propagation = ComputeLatencyStats(propagated)
	sentMu.Unlock()
	return res, nil
}

// connectAll connects every replica and waits until all are connected.
func connectAll(ctx context.Context, replicas []*replica, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, r := range replicas {
		r.client.Connect()
	}
	for i, r := range replicas {
		for r.client.Status() != remote.StatusConnected {
			select {
			case <-ctx.Done():
				return fmt.Errorf("replica %d did not connect: %w", i, ctx.Err())
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
	return nil
}

// waitConverged polls until every replica holds the same state.
func waitConverged(ctx context.Context, replicas []*replica, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		want := string(replicas[0].doc.EncodeState())
		same := true
		for _, r := range replicas[1:] {
			if string(r.doc.EncodeState()) != want {
				same = false
				break
			}
		}
		if same {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// ComputeLatencyStats calculates statistics from a slice of durations.
func ComputeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:     sorted[0],
		Max:     sorted[len(sorted)-1],
		Mean:    sum / time.Duration(len(durations)),
		P50:     sorted[len(sorted)*50/100],
		P95:     sorted[len(sorted)*95/100],
		P99:     sorted[len(sorted)*99/100],
		Samples: len(durations),
	}
}

// ErrNotConverged is returned by Check when replicas ended in different states.
var ErrNotConverged = errors.New("replicas did not converge")

// Check returns an error when the run lost edits or diverged.
func (r *Result) Check() error {
	if !r.Converged {
		return ErrNotConverged
	}
	if r.Errors > 0 {
		return fmt.Errorf("%d edits were not acknowledged", r.Errors)
	}
	return nil
}

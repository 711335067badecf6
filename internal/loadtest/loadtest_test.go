package loadtest

import (
	"context"
	"io"
	"log"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mschirtzinger/docsync/internal/relay"
)

func newRelay(t *testing.T) string {
	t.Helper()
	s := relay.NewServer(&relay.Config{Logger: log.New(io.Discard, "", 0)})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Stop()
		ts.Close()
	})
	return ts.URL
}

// TestRun_Small verifies a small run delivers and acknowledges every edit.
func TestRun_Small(t *testing.T) {
	endpoint := newRelay(t)

	res, err := Run(context.Background(), Options{
		Endpoint:       endpoint,
		Editors:        5,
		EditsPerEditor: 10,
		Timeout:        10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if err := res.Check(); err != nil {
		t.Fatalf("Check() failed: %v", err)
	}

	if res.Ack.Samples != 50 {
		t.Errorf("Expected 50 acknowledged edits, got %d", res.Ack.Samples)
	}
	if res.Propagation.Samples != 50 {
		t.Errorf("Expected 50 propagated edits, got %d", res.Propagation.Samples)
	}
	if res.Ack.Min > res.Ack.Max || res.Ack.P50 > res.Ack.P99 {
		t.Errorf("Inconsistent ack stats: %+v", res.Ack)
	}

	t.Logf("ack p50=%v p99=%v, propagation p50=%v p99=%v",
		res.Ack.P50, res.Ack.P99, res.Propagation.P50, res.Propagation.P99)
}

func TestRun_RequiresEndpoint(t *testing.T) {
	if _, err := Run(context.Background(), Options{}); err == nil {
		t.Error("Run() without endpoint should fail")
	}
}

func TestRun_UnreachableRelay(t *testing.T) {
	_, err := Run(context.Background(), Options{
		Endpoint: "http://127.0.0.1:1",
		Editors:  1,
		Timeout:  200 * time.Millisecond,
	})
	if err == nil {
		t.Error("Run() against an unreachable relay should fail")
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}
	s := ComputeLatencyStats(ds)

	if s.Samples != 100 {
		t.Errorf("Samples = %d", s.Samples)
	}
	if s.Min != time.Millisecond || s.Max != 100*time.Millisecond {
		t.Errorf("Min/Max = %v/%v", s.Min, s.Max)
	}
	if s.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %v", s.P50)
	}
	if s.P99 != 100*time.Millisecond {
		t.Errorf("P99 = %v", s.P99)
	}
	if s.Mean != 50500*time.Microsecond {
		t.Errorf("Mean = %v", s.Mean)
	}

	if empty := ComputeLatencyStats(nil); empty.Samples != 0 {
		t.Errorf("empty stats = %+v", empty)
	}
}

package retryqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"catalog-proxy-go/stats"
)

type fakeReplayer struct {
	mu     sync.Mutex
	paths  []string
	failOn map[string]bool
}

func (f *fakeReplayer) Replay(_ context.Context, item Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, item.Request.Path)
	if f.failOn[item.Request.Path] {
		return errors.New("still unauthorized")
	}
	return nil
}

type recordingEvents struct {
	mu    sync.Mutex
	paths []string
}

func (r *recordingEvents) PublishReplayFailed(_, path string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
}

func TestConsumer_ProcessDue(t *testing.T) {
	q := setupBoltQueue(t)
	ctx := context.Background()

	for _, p := range []string{"/a", "/b", "/c"} {
		q.Enqueue(ctx, testItem(p, testNow.Add(-time.Second)))
	}
	orphan := testItem("/d", testNow.Add(-time.Second))
	orphan.Upstream = "unknown"
	q.Enqueue(ctx, orphan)
	q.Enqueue(ctx, testItem("/later", testNow.Add(time.Hour)))

	replayer := &fakeReplayer{failOn: map[string]bool{"/b": true}}
	events := &recordingEvents{}
	st := stats.New()

	c, err := NewConsumer(ConsumerOptions{
		Queue:       q,
		Replayers:   map[string]Replayer{"apple-music": replayer},
		BatchSize:   10,
		Concurrency: 2,
		Events:      events,
		Stats:       st,
		Now:         func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("NewConsumer failed: %v", err)
	}

	report := c.ProcessDue(ctx)

	expected := Report{Claimed: 4, Replayed: 2, Failed: 2, Remaining: 1}
	if report != expected {
		t.Errorf("Expected report %+v, got %+v", expected, report)
	}
	if len(replayer.paths) != 3 {
		t.Errorf("Expected 3 replays, got %v", replayer.paths)
	}
	if len(events.paths) != 2 {
		t.Errorf("Expected 2 failure events, got %v", events.paths)
	}
	if st.RetryReplayed.Load() != 2 || st.RetryReplayFailed.Load() != 2 {
		t.Errorf("Expected 2 replayed and 2 failed, got %d and %d",
			st.RetryReplayed.Load(), st.RetryReplayFailed.Load())
	}

	// Failed items are not re-enqueued
	report = c.ProcessDue(ctx)
	if report.Claimed != 0 {
		t.Errorf("Expected nothing left to claim, got %d", report.Claimed)
	}
}

func TestConsumer_QueueUnavailable(t *testing.T) {
	q, mr := setupRedisQueue(t)
	mr.Close()

	c, _ := NewConsumer(ConsumerOptions{Queue: q, Stats: stats.New()})
	if report := c.ProcessDue(context.Background()); report != (Report{}) {
		t.Errorf("Expected empty report, got %+v", report)
	}
}

func TestConsumer_RunStopsOnCancel(t *testing.T) {
	q := setupBoltQueue(t)
	ctx, cancel := context.WithCancel(context.Background())

	replayer := &fakeReplayer{}
	c, _ := NewConsumer(ConsumerOptions{
		Queue:     q,
		Replayers: map[string]Replayer{"apple-music": replayer},
		Stats:     stats.New(),
	})
	q.Enqueue(ctx, testItem("/due", time.Now().Add(-time.Second)))

	done := make(chan struct{})
	go func() {
		c.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		replayer.mu.Lock()
		n := len(replayer.paths)
		replayer.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Timed out waiting for replay")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected Run to return after cancel")
	}
}

func TestNewConsumer_RequiresQueue(t *testing.T) {
	if _, err := NewConsumer(ConsumerOptions{}); err == nil {
		t.Error("Expected error without a queue")
	}
}

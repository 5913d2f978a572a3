package sync

import (
	"context"
	gosync "sync"
	"testing"
	"time"

	"github.com/pigeon-im/pigeon/internal/bus"
	"go.uber.org/zap"
)

func TestIntervalsNext(t *testing.T) {
	iv := DefaultIntervals()

	tests := []struct {
		name          string
		got           int
		emptyPolls    int
		sinceActivity time.Duration
		want          time.Duration
	}{
		{"new messages drop to fast", 3, 0, time.Second, 15 * time.Second},
		{"single new message drops to fast", 1, 0, 10 * time.Minute, 15 * time.Second},
		{"empty below threshold stays base", 0, 3, time.Minute, 30 * time.Second},
		{"idle over five minutes", 0, 4, 6 * time.Minute, 120 * time.Second},
		{"idle over two minutes", 0, 4, 3 * time.Minute, 60 * time.Second},
		{"idle but recent activity", 0, 4, 90 * time.Second, 30 * time.Second},
		{"long empty streak still bounded by activity age", 0, 10, 100 * time.Second, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := iv.Next(tt.got, tt.emptyPolls, tt.sinceActivity); got != tt.want {
				t.Errorf("Next(%d, %d, %v) = %v, want %v", tt.got, tt.emptyPolls, tt.sinceActivity, got, tt.want)
			}
		})
	}
}

// countingFetcher records fetch timestamps.
type countingFetcher struct {
	mu      gosync.Mutex
	fetches int
	results []int
}

func (c *countingFetcher) FetchNewMessages(context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetches++
	if len(c.results) == 0 {
		return 0
	}
	r := c.results[0]
	c.results = c.results[1:]
	return r
}

func (c *countingFetcher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPollerPollsImmediatelyOnStart(t *testing.T) {
	f := &countingFetcher{}
	p := NewPoller(f, bus.New(), zap.NewNop(), Intervals{Base: time.Hour})

	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, func() bool { return f.count() >= 1 }, "no initial poll")
}

func TestPollerWakeHintTriggersPoll(t *testing.T) {
	f := &countingFetcher{}
	b := bus.New()
	p := NewPoller(f, b, zap.NewNop(), Intervals{Base: time.Hour})

	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, func() bool { return f.count() == 1 }, "no initial poll")

	// Reachability restored: the hour-long timer must not be waited out.
	b.Publish(bus.Event{Kind: "wake.net", Timestamp: time.Now()})
	waitFor(t, func() bool { return f.count() >= 2 }, "wake hint did not trigger a poll")
}

func TestPollerStopHaltsLoop(t *testing.T) {
	f := &countingFetcher{results: []int{1, 1, 1, 1}}
	p := NewPoller(f, bus.New(), zap.NewNop(), Intervals{Fast: 5 * time.Millisecond, Base: 5 * time.Millisecond})

	p.Start(context.Background())
	waitFor(t, func() bool { return f.count() >= 2 }, "poller never looped")
	p.Stop()

	n := f.count()
	time.Sleep(50 * time.Millisecond)
	if f.count() != n {
		t.Errorf("poller kept fetching after Stop: %d -> %d", n, f.count())
	}
}

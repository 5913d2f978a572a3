package sync

import (
	"context"
	"time"

	"github.com/pigeon-im/pigeon/internal/bus"
	"go.uber.org/zap"
)

// Intervals are the adaptive polling tiers. The poller starts at Base,
// drops to Fast while messages are arriving, and backs off to Slow and
// then Idle after enough consecutive empty polls.
type Intervals struct {
	Base time.Duration
	Fast time.Duration
	Slow time.Duration
	Idle time.Duration

	// EmptyThreshold is how many consecutive empty polls are tolerated
	// before the backoff tiers kick in.
	EmptyThreshold int

	// SlowAfter and IdleAfter are measured from the last non-empty poll.
	SlowAfter time.Duration
	IdleAfter time.Duration
}

// DefaultIntervals returns the production polling schedule.
func DefaultIntervals() Intervals {
	return Intervals{
		Base:           30 * time.Second,
		Fast:           15 * time.Second,
		Slow:           60 * time.Second,
		Idle:           120 * time.Second,
		EmptyThreshold: 3,
		SlowAfter:      2 * time.Minute,
		IdleAfter:      5 * time.Minute,
	}
}

func (iv Intervals) withDefaults() Intervals {
	def := DefaultIntervals()
	if iv.Base <= 0 {
		iv.Base = def.Base
	}
	if iv.Fast <= 0 {
		iv.Fast = def.Fast
	}
	if iv.Slow <= 0 {
		iv.Slow = def.Slow
	}
	if iv.Idle <= 0 {
		iv.Idle = def.Idle
	}
	if iv.EmptyThreshold <= 0 {
		iv.EmptyThreshold = def.EmptyThreshold
	}
	if iv.SlowAfter <= 0 {
		iv.SlowAfter = def.SlowAfter
	}
	if iv.IdleAfter <= 0 {
		iv.IdleAfter = def.IdleAfter
	}
	return iv
}

// Next computes the delay until the following poll. Pure: got is the new
// message count of the poll that just finished, emptyPolls the consecutive
// empty count including it, sinceActivity the time since the last
// non-empty poll.
func (iv Intervals) Next(got, emptyPolls int, sinceActivity time.Duration) time.Duration {
	if got > 0 {
		return iv.Fast
	}
	if emptyPolls <= iv.EmptyThreshold {
		return iv.Base
	}
	switch {
	case sinceActivity > iv.IdleAfter:
		return iv.Idle
	case sinceActivity > iv.SlowAfter:
		return iv.Slow
	default:
		return iv.Base
	}
}

// Fetcher is the engine surface the poller drives.
type Fetcher interface {
	FetchNewMessages(ctx context.Context) int
}

// Poller owns the fetch schedule. One goroutine; wake hints on the bus
// (wake.net for transport reachability restored, wake.foreground for
// visibility restored) trigger an immediate poll, still subject to the
// engine's rate gate.
type Poller struct {
	engine    Fetcher
	bus       *bus.Bus
	logger    *zap.Logger
	intervals Intervals

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a poller. Zero Intervals fields fall back to
// DefaultIntervals values.
func NewPoller(engine Fetcher, b *bus.Bus, logger *zap.Logger, iv Intervals) *Poller {
	return &Poller{
		engine:    engine,
		bus:       b,
		logger:    logger,
		intervals: iv.withDefaults(),
	}
}

// Start launches the poll loop. The first poll runs immediately.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	wakeCh, unsub := p.bus.Subscribe("wake.", 16)
	go p.run(ctx, wakeCh, unsub)
}

// Stop cancels the loop and waits for it to exit.
func (p *Poller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

func (p *Poller) run(ctx context.Context, wakeCh <-chan bus.Event, unsub func()) {
	defer unsub()
	defer close(p.done)

	emptyPolls := 0
	lastActivity := time.Now()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-wakeCh:
			p.logger.Info("wake hint, polling now", zap.String("kind", evt.Kind))
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		got := p.engine.FetchNewMessages(ctx)
		if got > 0 {
			emptyPolls = 0
			lastActivity = time.Now()
		} else {
			emptyPolls++
		}

		next := p.intervals.Next(got, emptyPolls, time.Since(lastActivity))
		p.logger.Debug("poll scheduled",
			zap.Int("new", got), zap.Int("empty_polls", emptyPolls), zap.Duration("next", next))
		timer.Reset(next)
	}
}

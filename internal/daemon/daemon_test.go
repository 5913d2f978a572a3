package daemon

import (
	"context"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/pigeon-im/pigeon/internal/bus"
	"github.com/pigeon-im/pigeon/internal/call"
	"github.com/pigeon-im/pigeon/internal/rtc"
	"github.com/pigeon-im/pigeon/internal/store"
	intsync "github.com/pigeon-im/pigeon/internal/sync"
	"github.com/pigeon-im/pigeon/internal/transport"
	"github.com/pigeon-im/pigeon/internal/wire"
	"go.uber.org/zap"
)

const selfID = "self"

// fakeRelay is an in-memory stand-in for the HTTP relay.
type fakeRelay struct {
	mu      gosync.Mutex
	batches [][]transport.RawMessage
	sent    []transport.RawMessage
}

func (f *fakeRelay) enqueue(msgs ...transport.RawMessage) {
	f.mu.Lock()
	f.batches = append(f.batches, msgs)
	f.mu.Unlock()
}

func (f *fakeRelay) Send(_ context.Context, msg transport.RawMessage) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeRelay) Poll(context.Context) ([]transport.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeRelay) AckDelivered(context.Context, []string) error { return nil }

// sentSignals decodes the call envelopes the relay has accepted so far.
func (f *fakeRelay) sentSignals() []wire.SignalEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wire.SignalEnvelope
	for _, msg := range f.sent {
		if p := wire.Decode(msg.Content); p.Kind == wire.KindSignal {
			out = append(out, *p.Signal)
		}
	}
	return out
}

type fakeSession struct{ muted bool }

func (s *fakeSession) CreateOffer(context.Context) (string, error)          { return "sdp-offer", nil }
func (s *fakeSession) CreateAnswer(context.Context, string) (string, error) { return "sdp-answer", nil }
func (s *fakeSession) AcceptAnswer(string) error                            { return nil }
func (s *fakeSession) AddRemoteCandidate(string) error                      { return nil }
func (s *fakeSession) ConnectionState() rtc.ConnState                       { return rtc.ConnStateNew }
func (s *fakeSession) SetMuted(m bool)                                      { s.muted = m }
func (s *fakeSession) Muted() bool                                          { return s.muted }
func (s *fakeSession) Close() error                                         { return nil }

type fakeDialer struct{}

func (fakeDialer) NewSession(rtc.Handlers) (rtc.Session, error) { return &fakeSession{}, nil }

// wireUp assembles engine and machine the way registerLifecycle does, on
// top of fakes and a temp store.
func wireUp(t *testing.T, relay *fakeRelay) (*intsync.Engine, *call.Machine) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "pigeon.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := zap.NewNop()
	b := bus.New()
	engine := intsync.NewEngine(db, b, relay, logger, intsync.Config{
		SelfID:           selfID,
		MinFetchInterval: time.Millisecond,
	})
	machine := call.NewMachine(fakeDialer{}, engine, b, logger, call.Timing{
		Ring:           time.Second,
		Grace:          20 * time.Millisecond,
		ReconcileEvery: 5 * time.Millisecond,
		ConfirmAfter:   time.Second,
	})
	engine.BindSignalHandler(machine)
	engine.Initialize(context.Background())
	return engine, machine
}

func waitState(t *testing.T, m *call.Machine, want call.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Current() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.Current(), want)
}

func offer(id, from string) transport.RawMessage {
	env := wire.SignalEnvelope{Type: wire.SignalOffer, Payload: "sdp"}
	return transport.RawMessage{ID: id, Sender: from, Recipient: selfID, Content: env.Encode(), Timestamp: time.Now().UnixMilli()}
}

func hangUp(id, from string) transport.RawMessage {
	env := wire.SignalEnvelope{Type: wire.SignalHangUp}
	return transport.RawMessage{ID: id, Sender: from, Recipient: selfID, Content: env.Encode(), Timestamp: time.Now().UnixMilli()}
}

// TestInboundOfferAnsweredEndToEnd walks a full incoming call through the
// wired components: the OFFER arrives over the transport, rings the
// machine, and answering sends an ANSWER back out through the engine.
func TestInboundOfferAnsweredEndToEnd(t *testing.T) {
	relay := &fakeRelay{}
	engine, machine := wireUp(t, relay)

	relay.enqueue(offer("s1", "caller"))
	if got := engine.FetchNewMessages(context.Background()); got != 0 {
		t.Errorf("fetch = %d, want 0 (signals are invisible)", got)
	}
	waitState(t, machine, call.StateIncomingRinging)
	if machine.ActivePeer() != "caller" {
		t.Errorf("active peer = %q, want caller", machine.ActivePeer())
	}

	if err := machine.AnswerCall(context.Background()); err != nil {
		t.Fatalf("AnswerCall() error = %v", err)
	}
	waitState(t, machine, call.StateConnected)

	signals := relay.sentSignals()
	if len(signals) != 1 || signals[0].Type != wire.SignalAnswer {
		t.Errorf("relay saw %+v, want one ANSWER", signals)
	}
}

// TestOfferThenHangUpInOnePassSettlesIdle covers signal ordering within a
// single poll batch: the hang-up must land after the offer and clear the
// ringing call, leaving the machine idle, not stuck ringing.
func TestOfferThenHangUpInOnePassSettlesIdle(t *testing.T) {
	relay := &fakeRelay{}
	engine, machine := wireUp(t, relay)

	relay.enqueue(offer("s1", "caller"), hangUp("s2", "caller"))
	engine.FetchNewMessages(context.Background())

	waitState(t, machine, call.StateIdle)
}

// TestSecondOfferWhileRingingGetsBusy verifies the at-most-one-call
// invariant across the whole pipeline.
func TestSecondOfferWhileRingingGetsBusy(t *testing.T) {
	relay := &fakeRelay{}
	engine, machine := wireUp(t, relay)

	relay.enqueue(offer("s1", "first"))
	engine.FetchNewMessages(context.Background())
	waitState(t, machine, call.StateIncomingRinging)

	relay.enqueue(offer("s2", "second"))
	time.Sleep(5 * time.Millisecond)
	engine.FetchNewMessages(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(relay.sentSignals()) >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	signals := relay.sentSignals()
	if len(signals) != 1 || signals[0].Type != wire.SignalBusy {
		t.Fatalf("relay saw %+v, want exactly one BUSY", signals)
	}
	if machine.Current() != call.StateIncomingRinging || machine.ActivePeer() != "first" {
		t.Errorf("state = %s peer = %q, the first call must be untouched", machine.Current(), machine.ActivePeer())
	}

	// The busy reply travels as a signal, so it never pollutes the second
	// caller's conversation.
	msgs, err := engine.Messages("second", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("busy reply stored as a visible message: %+v", msgs)
	}
}

// TestChatAndSignalsShareTheChannel mixes chat text and call signals in
// one poll: the text lands in the store, the signal drives the machine.
func TestChatAndSignalsShareTheChannel(t *testing.T) {
	relay := &fakeRelay{}
	engine, machine := wireUp(t, relay)

	relay.enqueue(
		transport.RawMessage{ID: "m1", Sender: "caller", Recipient: selfID, Content: "hey, calling you now", Timestamp: 1000},
		offer("s1", "caller"),
	)
	if got := engine.FetchNewMessages(context.Background()); got != 1 {
		t.Errorf("fetch = %d, want 1 (only the chat message counts)", got)
	}
	waitState(t, machine, call.StateIncomingRinging)

	msgs, err := engine.Messages("caller", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hey, calling you now" {
		t.Errorf("stored = %+v, want just the chat message", msgs)
	}
}

// Package sync implements the message synchronization engine: it polls the
// store-and-forward transport, classifies and deduplicates inbound
// messages, maintains per-peer conversation state, and carries call-signal
// envelopes between the transport and the call machine without storing
// them as visible messages.
package sync

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/pigeon-im/pigeon/internal/bus"
	"github.com/pigeon-im/pigeon/internal/store"
	"github.com/pigeon-im/pigeon/internal/transport"
	"github.com/pigeon-im/pigeon/internal/wire"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrTransport wraps send failures from the transport adapter. The message
// is not stored when SendMessage returns it.
var ErrTransport = errors.New("transport failure")

// DefaultMinFetchInterval is the minimum spacing between transport polls.
// A FetchNewMessages call inside the window is a no-op returning 0.
const DefaultMinFetchInterval = 30 * time.Second

// ackTimeout bounds the fire-and-forget delivery acknowledgment.
const ackTimeout = 15 * time.Second

const previewLen = 100

// SignalHandler consumes classified call-signal envelopes. The call
// machine implements it; the engine routes inbound signals to it
// synchronously, in arrival order, during a poll pass.
type SignalHandler interface {
	HandleSignal(peerID string, env wire.SignalEnvelope)
}

// Config carries the engine's identity and tuning.
type Config struct {
	// SelfID is this peer's identity. Messages whose sender matches it
	// are treated as echoes of locally-sent messages.
	SelfID string
	// MinFetchInterval gates transport polls. Zero means
	// DefaultMinFetchInterval.
	MinFetchInterval time.Duration
}

// Engine owns the conversation store. All conversation and message
// mutations go through it; the call machine never touches the store.
type Engine struct {
	db      *store.DB
	bus     *bus.Bus
	adapter transport.Adapter
	logger  *zap.Logger
	selfID  string
	limiter *rate.Limiter

	// fetchMu serializes poll passes so two overlapping fetches cannot
	// interleave their conversation updates.
	fetchMu gosync.Mutex

	mu      gosync.Mutex
	signals SignalHandler
}

// NewEngine creates an engine. BindSignalHandler must be called before the
// first poll for call signals to be delivered; until then they are
// dropped with a warning.
func NewEngine(db *store.DB, b *bus.Bus, adapter transport.Adapter, logger *zap.Logger, cfg Config) *Engine {
	interval := cfg.MinFetchInterval
	if interval <= 0 {
		interval = DefaultMinFetchInterval
	}
	return &Engine{
		db:      db,
		bus:     b,
		adapter: adapter,
		logger:  logger,
		selfID:  cfg.SelfID,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// BindSignalHandler wires the inbound call-signal path. Called once at
// startup; this is the only coupling from the engine to the call machine.
func (e *Engine) BindSignalHandler(h SignalHandler) {
	e.mu.Lock()
	e.signals = h
	e.mu.Unlock()
}

// SelfID returns this peer's identity.
func (e *Engine) SelfID() string {
	return e.selfID
}

// Initialize reports the persisted conversation state. A storage failure
// degrades to an empty state and is never fatal: the store creates
// conversations on demand as messages arrive.
func (e *Engine) Initialize(_ context.Context) {
	n, err := e.db.CountConversations()
	if err != nil {
		e.logger.Warn("conversation store unavailable, starting empty", zap.Error(err))
		return
	}
	e.logger.Info("sync engine ready", zap.String("self", e.selfID), zap.Int("conversations", n))
}

// SendMessage deposits a message for the peer and stores it as sent. The
// transport is the gatekeeper: a rejected send stores nothing and returns
// an ErrTransport-wrapped error.
func (e *Engine) SendMessage(ctx context.Context, peerID, content string) (*store.Message, error) {
	raw := transport.RawMessage{
		ID:        uuid.NewString(),
		Sender:    e.selfID,
		Recipient: peerID,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := e.adapter.Send(ctx, raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	msg := &store.Message{
		PeerID:    peerID,
		MsgID:     raw.ID,
		Sender:    raw.Sender,
		Recipient: raw.Recipient,
		Content:   content,
		Kind:      contentKind(content),
		FromSelf:  true,
		Status:    store.StatusSent,
		Timestamp: raw.Timestamp,
	}
	if err := e.storeSent(msg); err != nil {
		// The peer will still receive it; only the local copy is at risk.
		return nil, fmt.Errorf("storing sent message: %w", err)
	}

	e.publish("message.sent", msg)
	e.publish("conversation.updated", peerID)
	return msg, nil
}

// SendSignal encodes a call-signal envelope and sends it through the
// message channel without storing a visible message. It implements the
// call machine's SignalSender.
func (e *Engine) SendSignal(ctx context.Context, peerID string, env wire.SignalEnvelope) error {
	raw := transport.RawMessage{
		ID:        uuid.NewString(),
		Sender:    e.selfID,
		Recipient: peerID,
		Content:   env.Encode(),
		Timestamp: time.Now().UnixMilli(),
	}
	if err := e.adapter.Send(ctx, raw); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// FetchNewMessages polls the transport and ingests everything waiting.
// Calls inside the rate window are no-ops returning 0, as are polls that
// fail at the transport; a single malformed message never aborts the rest
// of the batch. Returns the count of newly stored inbound messages.
func (e *Engine) FetchNewMessages(ctx context.Context) int {
	if !e.limiter.Allow() {
		return 0
	}
	e.fetchMu.Lock()
	defer e.fetchMu.Unlock()

	raw, err := e.adapter.Poll(ctx)
	if err != nil {
		e.logger.Warn("transport poll failed", zap.Error(err))
		return 0
	}

	var (
		newCount int
		ackIDs   []string
		inbound  []*store.Message
		touched  = make(map[string]struct{})
	)
	for _, rm := range raw {
		msg, fresh, err := e.ingest(rm)
		if err != nil {
			e.logger.Warn("message ingest failed",
				zap.String("id", rm.ID), zap.String("sender", rm.Sender), zap.Error(err))
			continue
		}
		// Every successfully processed inbound item is acked, stored or
		// not: signals and dropped payloads must stop redelivering too.
		if rm.ID != "" && rm.Sender != "" && rm.Sender != e.selfID {
			ackIDs = append(ackIDs, rm.ID)
		}
		if msg == nil || !fresh {
			continue
		}
		touched[msg.PeerID] = struct{}{}
		if !msg.FromSelf {
			newCount++
			inbound = append(inbound, msg)
		}
	}

	if len(ackIDs) > 0 {
		go e.ackDelivered(ackIDs)
	}
	for _, msg := range inbound {
		e.publish("message.received", msg)
	}
	for peerID := range touched {
		e.publish("conversation.updated", peerID)
	}
	e.publish("sync.poll_completed", newCount)
	return newCount
}

// ingest classifies and stores one raw message. It returns the stored
// message and whether the insert was fresh; signals and dropped payloads
// return a nil message.
func (e *Engine) ingest(rm transport.RawMessage) (*store.Message, bool, error) {
	if rm.Sender == "" || rm.Recipient == "" {
		e.logger.Warn("dropping structurally invalid message", zap.String("id", rm.ID))
		return nil, false, nil
	}
	fromSelf := rm.Sender == e.selfID

	payload := wire.Decode(rm.Content)
	switch payload.Kind {
	case wire.KindSignal:
		// Echoes of our own outbound signals are not fed back into the
		// machine.
		if !fromSelf {
			e.routeSignal(rm.Sender, *payload.Signal)
		}
		return nil, false, nil
	case wire.KindUnrecognized:
		e.logger.Warn("dropping unrecognized payload",
			zap.String("id", rm.ID), zap.String("sender", rm.Sender))
		return nil, false, nil
	}

	peerID := rm.Sender
	status := store.StatusReceived
	if fromSelf {
		// Echo of a message sent from this identity, possibly from
		// another device. The counter-party is the recipient.
		peerID = rm.Recipient
		status = store.StatusDelivered
	}

	ts := rm.Timestamp
	if ts <= 0 {
		ts = time.Now().UnixMilli()
	}
	msg := &store.Message{
		PeerID:    peerID,
		MsgID:     e.resolveMsgID(rm),
		Sender:    rm.Sender,
		Recipient: rm.Recipient,
		Content:   rm.Content,
		Kind:      string(payload.Kind),
		FromSelf:  fromSelf,
		Status:    status,
		Timestamp: ts,
	}

	if err := e.db.EnsureConversation(peerID); err != nil {
		return nil, false, fmt.Errorf("ensure conversation: %w", err)
	}
	fresh, err := e.db.InsertMessage(msg)
	if err != nil {
		return nil, false, fmt.Errorf("insert message: %w", err)
	}
	if !fresh {
		return msg, false, nil
	}
	if err := e.db.TouchConversation(peerID, msg.Timestamp, preview(payload)); err != nil {
		return nil, false, fmt.Errorf("touch conversation: %w", err)
	}
	if !fromSelf {
		if err := e.db.IncrementUnread(peerID); err != nil {
			return nil, false, fmt.Errorf("increment unread: %w", err)
		}
	}
	return msg, true, nil
}

func (e *Engine) routeSignal(peerID string, env wire.SignalEnvelope) {
	e.mu.Lock()
	h := e.signals
	e.mu.Unlock()
	if h == nil {
		e.logger.Warn("call signal dropped, no handler bound",
			zap.String("peer", peerID), zap.String("type", env.Type))
		return
	}
	h.HandleSignal(peerID, env)
}

// ackDelivered is fire-and-forget: an ack that fails is retried implicitly
// when the relay redelivers and the store dedups.
func (e *Engine) ackDelivered(ids []string) {
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	if err := e.adapter.AckDelivered(ctx, ids); err != nil {
		e.logger.Warn("delivery ack failed", zap.Int("count", len(ids)), zap.Error(err))
	}
}

// MarkConversationRead zeroes the unread counter for a peer.
func (e *Engine) MarkConversationRead(peerID string) error {
	if err := e.db.MarkConversationRead(peerID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	e.publish("conversation.updated", peerID)
	return nil
}

// ConversationPreviews returns conversations by recency, newest first.
// Read-only.
func (e *Engine) ConversationPreviews(limit int) ([]store.Conversation, error) {
	return e.db.ListConversations(limit, 0)
}

// Messages returns a page of a peer's history, newest first, using keyset
// pagination by timestamp.
func (e *Engine) Messages(peerID string, beforeTS int64, limit int) ([]store.Message, error) {
	return e.db.ListMessages(peerID, beforeTS, limit)
}

// storeSent persists a locally-sent message and bumps its conversation.
func (e *Engine) storeSent(msg *store.Message) error {
	if err := e.db.EnsureConversation(msg.PeerID); err != nil {
		return err
	}
	if _, err := e.db.InsertMessage(msg); err != nil {
		return err
	}
	return e.db.TouchConversation(msg.PeerID, msg.Timestamp, preview(wire.Decode(msg.Content)))
}

// resolveMsgID returns the wire id, or a deterministic digest when the
// transport supplied none, so at-least-once redelivery of an id-less
// message still maps to one stored row.
func (e *Engine) resolveMsgID(rm transport.RawMessage) string {
	if rm.ID != "" {
		return rm.ID
	}
	sum := blake3.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", rm.Sender, rm.Recipient, rm.Timestamp, rm.Content)))
	return "b3:" + hex.EncodeToString(sum[:16])
}

func (e *Engine) publish(kind string, payload any) {
	e.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// contentKind classifies outbound content for storage.
func contentKind(content string) string {
	if p := wire.Decode(content); p.Kind == wire.KindFile {
		return string(wire.KindFile)
	}
	return string(wire.KindText)
}

// preview is what shows up in the conversation list for a message.
func preview(p wire.Payload) string {
	if p.Kind == wire.KindFile && p.File != nil {
		return p.File.FileName
	}
	return truncate(p.Text, previewLen)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

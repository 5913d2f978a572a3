package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// defaultSTUN is used when no ICE servers are configured.
var defaultSTUN = []string{"stun:stun.l.google.com:19302"}

// PionDialer builds audio sessions on pion PeerConnections.
type PionDialer struct {
	iceServers []webrtc.ICEServer
}

var _ Dialer = (*PionDialer)(nil)

// NewPionDialer creates a dialer from the [ice] config section values.
func NewPionDialer(urls []string, username, credential string) *PionDialer {
	if len(urls) == 0 {
		urls = defaultSTUN
	}
	server := webrtc.ICEServer{URLs: urls}
	if username != "" {
		server.Username = username
		server.Credential = credential
	}
	return &PionDialer{iceServers: []webrtc.ICEServer{server}}
}

// NewSession creates a PeerConnection with a single bidirectional audio
// transceiver and wires the handler callbacks.
func (d *PionDialer) NewSession(h Handlers) (Session, error) {
	config := webrtc.Configuration{ICEServers: d.iceServers}

	// Loopback candidates keep same-machine calls working in test
	// environments where loopback is the only interface.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("adding audio transceiver: %w", err)
	}

	s := &pionSession{pc: pc, handlers: h}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if s.handlers.OnConnectionState != nil {
			s.handlers.OnConnectionState(mapICEState(state))
		}
	})

	// Trickle ICE: each local candidate is handed to the caller as it is
	// gathered. A nil candidate marks the end of gathering.
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || s.handlers.OnLocalCandidate == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		s.handlers.OnLocalCandidate(string(data))
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if s.handlers.OnRemoteTrack != nil {
			s.handlers.OnRemoteTrack(remoteTrack{track})
		}
	})

	return s, nil
}

type pionSession struct {
	pc       *webrtc.PeerConnection
	handlers Handlers

	mu      sync.Mutex
	pending []webrtc.ICECandidateInit
	muted   bool
	closed  bool
}

type remoteTrack struct {
	t *webrtc.TrackRemote
}

func (r remoteTrack) ID() string   { return r.t.ID() }
func (r remoteTrack) Kind() string { return r.t.Kind().String() }

func (s *pionSession) CreateOffer(_ context.Context) (string, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating SDP offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	return offer.SDP, nil
}

func (s *pionSession) CreateAnswer(_ context.Context, offerSDP string) (string, error) {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := s.pc.SetRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("setting remote description: %w", err)
	}
	s.flushPendingCandidates()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating SDP answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	return answer.SDP, nil
}

func (s *pionSession) AcceptAnswer(answerSDP string) error {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := s.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	s.flushPendingCandidates()
	return nil
}

// AddRemoteCandidate applies a serialized remote candidate. On an unordered
// transport candidates can outrun the OFFER or ANSWER; anything arriving
// before the remote description is queued and applied once it lands.
func (s *pionSession) AddRemoteCandidate(candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return fmt.Errorf("parsing candidate: %w", err)
	}

	s.mu.Lock()
	if s.pc.RemoteDescription() == nil {
		s.pending = append(s.pending, init)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("adding candidate: %w", err)
	}
	return nil
}

func (s *pionSession) flushPendingCandidates() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, init := range pending {
		// A single stale candidate must not sink the rest.
		_ = s.pc.AddICECandidate(init)
	}
}

func (s *pionSession) ConnectionState() ConnState {
	return mapICEState(s.pc.ICEConnectionState())
}

func (s *pionSession) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

func (s *pionSession) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *pionSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.pc.Close()
}

func mapICEState(state webrtc.ICEConnectionState) ConnState {
	switch state {
	case webrtc.ICEConnectionStateChecking:
		return ConnStateChecking
	case webrtc.ICEConnectionStateConnected:
		return ConnStateConnected
	case webrtc.ICEConnectionStateCompleted:
		return ConnStateCompleted
	case webrtc.ICEConnectionStateDisconnected:
		return ConnStateDisconnected
	case webrtc.ICEConnectionStateFailed:
		return ConnStateFailed
	case webrtc.ICEConnectionStateClosed:
		return ConnStateClosed
	default:
		return ConnStateNew
	}
}

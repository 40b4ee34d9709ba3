// Package tester provides a stand-alone harness that simulates a second
// participant in a room for end-to-end testing of the voice-call flow. It
// drives a single peer connection against one target participant through the
// shared store, without a full call session.
package tester

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/leetbattle/voicemesh/pkg/call"
	"github.com/leetbattle/voicemesh/pkg/mesh"
	"github.com/leetbattle/voicemesh/pkg/signaling"
	"github.com/leetbattle/voicemesh/pkg/store"
)

// SignalingTester acts as participant me negotiating with exactly one target
// participant. Signals from anyone else are ignored.
type SignalingTester struct {
	mu sync.Mutex

	roomID string
	me     string
	target string

	channel *signaling.Channel
	manager *call.Manager
	pc      *webrtc.PeerConnection
	audio   mesh.LocalAudio
	pending []webrtc.ICECandidateInit
	unsub   store.UnsubscribeFunc
	log     logging.LeveledLogger

	onState func(state webrtc.PeerConnectionState)
}

// New creates a tester for one room. The mesh config supplies ICE servers and
// logging.
func New(st store.Store, roomID, me, target string, cfg mesh.Config) (*SignalingTester, error) {
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	manager, err := call.NewManager(st, roomID, me, call.Config{LoggerFactory: lf})
	if err != nil {
		return nil, err
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	api := cfg.API
	if api == nil {
		api = webrtc.NewAPI(webrtc.WithMediaEngine(m))
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("create tester connection: %w", err)
	}

	t := &SignalingTester{
		roomID:  roomID,
		me:      me,
		target:  target,
		channel: signaling.New(st, roomID, signaling.Config{LoggerFactory: lf}),
		manager: manager,
		pc:      pc,
		log:     lf.NewLogger("tester"),
	}
	t.setupPeerConnection()
	return t, nil
}

func (t *SignalingTester) setupPeerConnection() {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := t.channel.SendCandidate(context.Background(), t.me, t.target, c.ToJSON()); err != nil {
			t.log.Errorf("send candidate: %v", err)
		}
	})

	t.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.log.Infof("connection state: %s", state)
		t.mu.Lock()
		fn := t.onState
		t.mu.Unlock()
		if fn != nil {
			fn(state)
		}
	})

	t.pc.OnSignalingStateChange(func(state webrtc.SignalingState) {
		t.log.Infof("signaling state: %s", state)
	})

	t.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		t.log.Infof("received remote %s track", track.Kind())
		// Drain so the receiver keeps flowing; the harness has no speaker.
		go func() {
			for {
				if _, _, err := track.ReadRTP(); err != nil {
					return
				}
			}
		}()
	})
}

// SetOnState sets the connection-state observer.
func (t *SignalingTester) SetOnState(fn func(state webrtc.PeerConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

// Start attaches a synthetic audio source and begins listening for signals
// addressed to the tester identity.
func (t *SignalingTester) Start(ctx context.Context) error {
	audio, err := mesh.NewSampleAudioSource()
	if err != nil {
		return fmt.Errorf("tester audio: %w", err)
	}
	if _, err := t.pc.AddTrack(audio.Track()); err != nil {
		audio.Close()
		return fmt.Errorf("tester attach track: %w", err)
	}
	t.mu.Lock()
	t.audio = audio
	t.mu.Unlock()

	unsub, err := t.channel.Subscribe(t.me, t.handleMessage)
	if err != nil {
		audio.Close()
		return fmt.Errorf("tester subscribe: %w", err)
	}
	t.mu.Lock()
	t.unsub = unsub
	t.mu.Unlock()

	t.log.Infof("listening as %s, targeting %s", t.me, t.target)
	return nil
}

// JoinCall adds the tester to the room's call roster so the target's session
// sees it and reconciles.
func (t *SignalingTester) JoinCall(ctx context.Context) error {
	_, err := t.manager.Join(ctx)
	return err
}

// LeaveCall removes the tester from the call roster.
func (t *SignalingTester) LeaveCall(ctx context.Context) error {
	return t.manager.Leave(ctx)
}

// SendOffer initiates negotiation toward the target.
func (t *SignalingTester) SendOffer(ctx context.Context) error {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	return t.channel.SendOffer(ctx, t.me, t.target, offer)
}

func (t *SignalingTester) handleMessage(msg signaling.Message) {
	if msg.From != t.target {
		return
	}

	ctx := context.Background()
	switch msg.Type {
	case signaling.TypeOffer:
		if msg.Offer == nil {
			return
		}
		if err := t.handleOffer(ctx, msg.Offer.SessionDescriptionValue()); err != nil {
			t.log.Errorf("handle offer: %v", err)
		}
	case signaling.TypeAnswer:
		if msg.Answer == nil {
			return
		}
		if err := t.handleAnswer(msg.Answer.SessionDescriptionValue()); err != nil {
			t.log.Errorf("handle answer: %v", err)
		}
	case signaling.TypeCandidate:
		if msg.Candidate == nil {
			return
		}
		if err := t.handleCandidate(msg.Candidate.CandidateValue()); err != nil {
			t.log.Errorf("handle candidate: %v", err)
		}
	}
}

func (t *SignalingTester) handleOffer(ctx context.Context, offer webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return err
	}
	t.flushPending()

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	return t.channel.SendAnswer(ctx, t.me, t.target, answer)
}

func (t *SignalingTester) handleAnswer(answer webrtc.SessionDescription) error {
	if t.pc.SignalingState() == webrtc.SignalingStateStable {
		return nil
	}
	if err := t.pc.SetRemoteDescription(answer); err != nil {
		return err
	}
	t.flushPending()
	return nil
}

func (t *SignalingTester) handleCandidate(cand webrtc.ICECandidateInit) error {
	if t.pc.RemoteDescription() == nil {
		t.mu.Lock()
		t.pending = append(t.pending, cand)
		t.mu.Unlock()
		return nil
	}
	return t.pc.AddICECandidate(cand)
}

func (t *SignalingTester) flushPending() {
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, cand := range pending {
		if err := t.pc.AddICECandidate(cand); err != nil {
			t.log.Warnf("buffered candidate: %v", err)
		}
	}
}

// ConnectionState returns the tester connection state.
func (t *SignalingTester) ConnectionState() webrtc.PeerConnectionState {
	return t.pc.ConnectionState()
}

// Stop unsubscribes, releases the audio source, and closes the connection.
func (t *SignalingTester) Stop() error {
	t.mu.Lock()
	unsub := t.unsub
	audio := t.audio
	t.unsub = nil
	t.audio = nil
	t.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if audio != nil {
		audio.Close()
	}
	return t.pc.Close()
}

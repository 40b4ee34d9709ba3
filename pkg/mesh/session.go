package mesh

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/leetbattle/voicemesh/pkg/call"
	"github.com/leetbattle/voicemesh/pkg/signaling"
	"github.com/leetbattle/voicemesh/pkg/store"
)

// SessionConfig holds per-session settings on top of the mesh Config.
type SessionConfig struct {
	Config

	// Capture acquires the local microphone on call start/join.
	Capture CaptureFunc
	// NewSink builds the audio output for one remote participant. Nil means
	// packets are counted and discarded.
	NewSink func(remote string) Sink
	// Clock drives signaling and descriptor timestamps.
	Clock clock.Clock
	// SignalWindow bounds the recent-message scope of the signaling
	// subscription.
	SignalWindow int
}

// DefaultSessionConfig returns default session settings with a synthetic
// audio source.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Config:       DefaultConfig(),
		Capture:      SampleCapture(),
		Clock:        clock.New(),
		SignalWindow: signaling.DefaultWindow,
	}
}

// Session is the call session of one participant in one room. It owns the
// membership manager, the signaling channel, the link pool, and the local
// audio stream, and reconciles them against every observed roster change so
// the mesh heals itself without a central orchestrator.
type Session struct {
	mu sync.Mutex

	roomID string
	me     string
	cfg    SessionConfig
	log    logging.LeveledLogger

	manager *call.Manager
	channel *signaling.Channel
	pool    *Pool

	audio     LocalAudio
	inCall    bool
	roster    []string
	unsubSig  store.UnsubscribeFunc
	unsubRoom store.UnsubscribeFunc
	onCallEnd func(reason string)
	closed    bool
}

// NewSession wires a session over the shared store. The identity and room are
// supplied by the surrounding application.
func NewSession(st store.Store, roomID, me string, cfg SessionConfig) (*Session, error) {
	if cfg.Capture == nil {
		cfg.Capture = SampleCapture()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.SignalWindow <= 0 {
		cfg.SignalWindow = signaling.DefaultWindow
	}
	lf := cfg.loggerFactory()

	manager, err := call.NewManager(st, roomID, me, call.Config{
		Clock:         cfg.Clock,
		LoggerFactory: lf,
	})
	if err != nil {
		return nil, err
	}
	channel := signaling.New(st, roomID, signaling.Config{
		Window:        cfg.SignalWindow,
		Clock:         cfg.Clock,
		LoggerFactory: lf,
	})

	s := &Session{
		roomID:  roomID,
		me:      me,
		cfg:     cfg,
		log:     lf.NewLogger("session"),
		manager: manager,
		channel: channel,
	}
	s.pool = NewPool(me, channel, cfg.Config)
	if cfg.NewSink != nil {
		s.pool.SetSinkFactory(cfg.NewSink)
	}
	return s, nil
}

// Me returns the local participant identity.
func (s *Session) Me() string { return s.me }

// RoomID returns the room this session belongs to.
func (s *Session) RoomID() string { return s.roomID }

// Pool exposes the link pool for diagnostics.
func (s *Session) Pool() *Pool { return s.pool }

// Manager exposes the membership manager.
func (s *Session) Manager() *call.Manager { return s.manager }

// SetOnLinkState sets the per-link connection-state observer.
func (s *Session) SetOnLinkState(fn func(remote string, state webrtc.PeerConnectionState)) {
	s.pool.SetOnLinkState(fn)
}

// SetOnPlaybackBlocked sets the autoplay-block observer. The UI should prompt
// for one user gesture and then call Resume on the affected playback.
func (s *Session) SetOnPlaybackBlocked(fn func(remote string)) {
	s.pool.SetOnPlaybackBlocked(fn)
}

// SetOnCallEnded sets the callback fired when the call ends for the local
// participant without an explicit local Leave (descriptor removed, or removed
// from the roster by the call ending remotely).
func (s *Session) SetOnCallEnded(fn func(reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCallEnd = fn
}

// Start begins a new call, inviting the given roster. Media is acquired
// before any roster mutation; a capture failure aborts with the room state
// untouched. If a call is already active in the room, Start joins it.
func (s *Session) Start(ctx context.Context, invited []string) error {
	return s.enter(ctx, func(ctx context.Context) (call.Descriptor, error) {
		return s.manager.Start(ctx, invited)
	})
}

// Join adds the local participant to the room's active call.
func (s *Session) Join(ctx context.Context) error {
	return s.enter(ctx, func(ctx context.Context) (call.Descriptor, error) {
		return s.manager.Join(ctx)
	})
}

func (s *Session) enter(ctx context.Context, mutate func(context.Context) (call.Descriptor, error)) error {
	s.mu.Lock()
	if s.inCall {
		s.mu.Unlock()
		return ErrAlreadyInCall
	}
	s.mu.Unlock()

	audio, err := s.cfg.Capture(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	unsubSig, err := s.channel.Subscribe(s.me, s.handleSignal)
	if err != nil {
		audio.Close()
		return fmt.Errorf("subscribe signaling: %w", err)
	}
	unsubRoom, err := s.manager.Watch(s.handleUpdate)
	if err != nil {
		unsubSig()
		audio.Close()
		return fmt.Errorf("watch room: %w", err)
	}

	desc, err := mutate(ctx)
	if err != nil {
		unsubRoom()
		unsubSig()
		audio.Close()
		return err
	}

	s.mu.Lock()
	s.audio = audio
	s.unsubSig = unsubSig
	s.unsubRoom = unsubRoom
	s.inCall = true
	s.roster = desc.Participants
	s.mu.Unlock()

	s.pool.SetLocalTrack(audio.Track())
	s.pool.Reconcile(ctx, desc.Participants)
	return nil
}

// Leave removes the local participant from the call. Local media is released
// and every link closed even when the roster write fails or negotiations are
// still in flight; leaving while not in a call is a no-op.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if !s.inCall {
		s.mu.Unlock()
		return nil
	}
	// Cleared before the roster write so the watch callback cannot observe
	// our own departure and report it as a remote removal.
	s.inCall = false
	s.mu.Unlock()

	err := s.manager.Leave(ctx)
	s.teardown()
	return err
}

// teardown releases local media, closes all links, and drops subscriptions.
func (s *Session) teardown() {
	s.mu.Lock()
	audio := s.audio
	unsubSig := s.unsubSig
	unsubRoom := s.unsubRoom
	s.audio = nil
	s.unsubSig = nil
	s.unsubRoom = nil
	s.inCall = false
	s.roster = nil
	s.mu.Unlock()

	if unsubSig != nil {
		unsubSig()
	}
	if unsubRoom != nil {
		unsubRoom()
	}
	if audio != nil {
		audio.Close()
	}
	s.pool.CloseAll()
}

// handleUpdate reacts to every observed room-document change. The session
// never mutates membership here; it only reconciles its own links.
func (s *Session) handleUpdate(u call.Update) {
	s.mu.Lock()
	if !s.inCall {
		s.mu.Unlock()
		return
	}
	if !u.Active {
		fn := s.onCallEnd
		s.mu.Unlock()
		s.log.Infof("call in %s ended remotely", s.roomID)
		s.teardown()
		if fn != nil {
			fn("call ended")
		}
		return
	}
	if !u.Call.Has(s.me) {
		fn := s.onCallEnd
		s.mu.Unlock()
		s.log.Infof("removed from call roster in %s", s.roomID)
		s.teardown()
		if fn != nil {
			fn("removed from call")
		}
		return
	}
	s.roster = u.Call.Participants
	s.mu.Unlock()

	s.pool.Reconcile(context.Background(), u.Call.Participants)
}

// handleSignal feeds incoming negotiation messages into the pool.
func (s *Session) handleSignal(msg signaling.Message) {
	s.mu.Lock()
	inCall := s.inCall
	s.mu.Unlock()
	if !inCall {
		return
	}

	if err := s.pool.HandleMessage(context.Background(), msg); err != nil {
		s.log.Errorf("handle %s from %s: %v", msg.Type, msg.From, err)
	}
}

// InCall reports whether the session has an active call.
func (s *Session) InCall() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inCall
}

// SetMicMuted disables local audio emission without renegotiating.
func (s *Session) SetMicMuted(muted bool) {
	s.mu.Lock()
	audio := s.audio
	s.mu.Unlock()
	if audio != nil {
		audio.SetMuted(muted)
	}
}

// MicMuted reports the microphone mute state.
func (s *Session) MicMuted() bool {
	s.mu.Lock()
	audio := s.audio
	s.mu.Unlock()
	return audio != nil && audio.Muted()
}

// SetSpeakerMuted mutes or unmutes all remote playback.
func (s *Session) SetSpeakerMuted(muted bool) {
	s.pool.SetSpeakerMuted(muted)
}

// Status snapshots the session for diagnostics and UI.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	inCall := s.inCall
	audio := s.audio
	s.mu.Unlock()

	return SessionStatus{
		RoomID:       s.roomID,
		Local:        s.me,
		InCall:       inCall,
		MicMuted:     audio != nil && audio.Muted(),
		SpeakerMuted: s.pool.SpeakerMuted(),
		Links:        s.pool.Status(),
		Timestamp:    s.cfg.Clock.Now().Unix(),
	}
}

// Close permanently shuts the session down, leaving the call first if needed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	inCall := s.inCall
	s.mu.Unlock()

	var err error
	if inCall {
		err = s.Leave(context.Background())
	}
	s.pool.Close()
	return err
}

package mesh

import (
	"fmt"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// linkCallbacks are wired by the pool when a link is created.
type linkCallbacks struct {
	onCandidate      func(remote string, cand webrtc.ICECandidateInit)
	onState          func(remote string, state webrtc.PeerConnectionState)
	onSignalingState func(remote string, state webrtc.SignalingState)
	onPlayback       func(remote string, pb *Playback)
	onBlocked        func(remote string)
}

// Link is the local handle for one real-time audio connection to one remote
// participant. It is owned exclusively by the pool; candidates arriving before
// a remote description exists are buffered and flushed in receipt order once
// the description lands.
type Link struct {
	mu     sync.Mutex
	remote string
	pc     *webrtc.PeerConnection
	log    logging.LeveledLogger

	pending  []webrtc.ICECandidateInit
	playback *Playback
	sink     Sink
	cb       linkCallbacks

	closed bool
}

// newLink creates a peer connection toward remote and attaches the local
// audio track when one is available.
func newLink(cfg Config, remote string, localTrack webrtc.TrackLocal, sink Sink, cb linkCallbacks, log logging.LeveledLogger) (*Link, error) {
	pc, err := cfg.api().NewPeerConnection(cfg.webrtcConfig())
	if err != nil {
		return nil, fmt.Errorf("create connection to %s: %w", remote, err)
	}

	l := &Link{
		remote: remote,
		pc:     pc,
		log:    log,
		sink:   sink,
		cb:     cb,
	}

	if localTrack != nil {
		if _, err := pc.AddTrack(localTrack); err != nil {
			pc.Close()
			return nil, fmt.Errorf("attach local track for %s: %w", remote, err)
		}
	}

	l.setupEventHandlers()
	return l, nil
}

func (l *Link) setupEventHandlers() {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil && l.cb.onCandidate != nil {
			l.cb.onCandidate(l.remote, c.ToJSON())
		}
	})

	l.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if l.cb.onState != nil {
			l.cb.onState(l.remote, state)
		}
	})

	l.pc.OnSignalingStateChange(func(state webrtc.SignalingState) {
		if l.cb.onSignalingState != nil {
			l.cb.onSignalingState(l.remote, state)
		}
	})

	l.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		pb := newPlayback(l.remote, track, l.sink, l.log, l.cb.onBlocked)
		l.playback = pb
		l.mu.Unlock()

		if l.cb.onPlayback != nil {
			l.cb.onPlayback(l.remote, pb)
		}
	})
}

// Remote returns the remote identity.
func (l *Link) Remote() string { return l.remote }

// CreateOffer creates an offer and sets it as the local description. Only the
// deterministic initiator side calls this.
func (l *Link) CreateOffer() (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return webrtc.SessionDescription{}, ErrLinkClosed
	}
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

// HandleOffer applies a remote offer, flushes any buffered candidates, and
// returns the answer already set as local description.
func (l *Link) HandleOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return webrtc.SessionDescription{}, ErrLinkClosed
	}
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	l.flushPendingLocked()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

// HandleAnswer applies a remote answer. An answer arriving after negotiation
// already reached stable is stale and ignored.
func (l *Link) HandleAnswer(answer webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLinkClosed
	}
	if l.pc.SignalingState() == webrtc.SignalingStateStable {
		l.log.Debugf("ignoring stale answer from %s", l.remote)
		return nil
	}
	if err := l.pc.SetRemoteDescription(answer); err != nil {
		return err
	}
	l.flushPendingLocked()
	return nil
}

// AddCandidate applies a remote ICE candidate, buffering it if no remote
// description exists yet.
func (l *Link) AddCandidate(cand webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLinkClosed
	}
	if l.pc.RemoteDescription() == nil {
		l.pending = append(l.pending, cand)
		return nil
	}
	return l.pc.AddICECandidate(cand)
}

// adoptPending seeds the buffer with candidates that arrived before this link
// existed, ahead of any buffered later.
func (l *Link) adoptPending(cands []webrtc.ICECandidateInit) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || len(cands) == 0 {
		return
	}
	l.pending = append(cands, l.pending...)
}

// flushPendingLocked applies buffered candidates exactly once, in receipt
// order. Caller holds l.mu.
func (l *Link) flushPendingLocked() {
	for _, cand := range l.pending {
		if err := l.pc.AddICECandidate(cand); err != nil {
			l.log.Warnf("buffered candidate for %s: %v", l.remote, err)
		}
	}
	l.pending = nil
}

// PendingCandidates returns how many candidates are buffered.
func (l *Link) PendingCandidates() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// ConnectionState returns the connection state.
func (l *Link) ConnectionState() webrtc.PeerConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pc == nil || l.closed {
		return webrtc.PeerConnectionStateClosed
	}
	return l.pc.ConnectionState()
}

// SignalingState returns the signaling state.
func (l *Link) SignalingState() webrtc.SignalingState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pc == nil || l.closed {
		return webrtc.SignalingStateClosed
	}
	return l.pc.SignalingState()
}

// Playback returns the remote audio playback, nil until media flows.
func (l *Link) Playback() *Playback {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.playback
}

// IsClosed reports whether the link has been closed.
func (l *Link) IsClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close stops playback, closes the connection, and discards buffered
// candidates. A sink no playback ever adopted is closed here. Idempotent.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	pb := l.playback
	sink := l.sink
	l.playback = nil
	l.sink = nil
	l.pending = nil
	pc := l.pc
	l.mu.Unlock()

	if pb != nil {
		pb.close()
	} else if sink != nil {
		_ = sink.Close()
	}
	if pc != nil {
		return pc.Close()
	}
	return nil
}

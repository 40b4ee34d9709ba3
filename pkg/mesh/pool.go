package mesh

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/leetbattle/voicemesh/pkg/signaling"
)

// Signaler delivers negotiation messages to one remote participant. It is
// satisfied by signaling.Channel; tests substitute an in-memory fake.
type Signaler interface {
	SendOffer(ctx context.Context, from, to string, offer webrtc.SessionDescription) error
	SendAnswer(ctx context.Context, from, to string, answer webrtc.SessionDescription) error
	SendCandidate(ctx context.Context, from, to string, cand webrtc.ICECandidateInit) error
}

// Pool keeps the set of live peer links exactly equal to one link per other
// current call participant. Links are created either by Reconcile (when the
// local side is the deterministic initiator) or by an incoming offer (when it
// is not). A fatal failure on one link tears down only that link.
type Pool struct {
	mu  sync.Mutex
	cfg Config
	log logging.LeveledLogger

	local string
	sig   Signaler

	localTrack webrtc.TrackLocal
	newSink    func(remote string) Sink

	links map[string]*Link
	// orphans buffers candidates that arrived before any link existed for
	// their sender, keyed by remote identity.
	orphans map[string][]webrtc.ICECandidateInit

	speakerMuted bool
	closed       bool

	onLinkState func(remote string, state webrtc.PeerConnectionState)
	onPlayback  func(remote string, pb *Playback)
	onBlocked   func(remote string)
}

// NewPool creates a pool for the local participant.
func NewPool(local string, sig Signaler, cfg Config) *Pool {
	return &Pool{
		cfg:     cfg,
		log:     cfg.loggerFactory().NewLogger("mesh"),
		local:   local,
		sig:     sig,
		links:   make(map[string]*Link),
		orphans: make(map[string][]webrtc.ICECandidateInit),
	}
}

// Local returns the local participant identity.
func (p *Pool) Local() string { return p.local }

// SetLocalTrack sets the audio track attached to links created afterward.
func (p *Pool) SetLocalTrack(track webrtc.TrackLocal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localTrack = track
}

// SetSinkFactory sets the per-remote audio output factory.
func (p *Pool) SetSinkFactory(fn func(remote string) Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.newSink = fn
}

// SetOnLinkState sets the connection-state observer.
func (p *Pool) SetOnLinkState(fn func(remote string, state webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLinkState = fn
}

// SetOnPlayback sets the callback fired when remote media starts flowing.
func (p *Pool) SetOnPlayback(fn func(remote string, pb *Playback)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onPlayback = fn
}

// SetOnPlaybackBlocked sets the callback fired when a playback hits an
// autoplay block and needs a user gesture to resume.
func (p *Pool) SetOnPlaybackBlocked(fn func(remote string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onBlocked = fn
}

// Reconcile drives the link set toward the given roster: it opens offers
// toward every new participant the local side initiates for, and tears down
// links whose participant left. Run after any local roster mutation and on
// every observed roster change; it is idempotent, so overlapping invocations
// from racing updates are harmless.
func (p *Pool) Reconcile(ctx context.Context, roster []string) {
	want := make(map[string]bool, len(roster))
	for _, id := range roster {
		if id != "" && id != p.local {
			want[id] = true
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var gone []*Link
	for remote, link := range p.links {
		if !want[remote] {
			delete(p.links, remote)
			delete(p.orphans, remote)
			gone = append(gone, link)
		}
	}
	var dial []string
	for remote := range want {
		if _, exists := p.links[remote]; !exists && Initiates(p.local, remote) {
			dial = append(dial, remote)
		}
	}
	p.mu.Unlock()

	for _, link := range gone {
		p.log.Infof("tearing down link to %s (left roster)", link.Remote())
		link.Close()
	}

	for _, remote := range dial {
		if err := p.offer(ctx, remote); err != nil {
			p.log.Errorf("offer to %s: %v", remote, err)
		}
	}
}

// offer creates a link toward remote, produces an offer, and sends it.
func (p *Pool) offer(ctx context.Context, remote string) error {
	link, created, err := p.ensureLink(remote)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	offer, err := link.CreateOffer()
	if err != nil {
		p.Teardown(remote)
		return fmt.Errorf("create offer for %s: %w", remote, err)
	}
	if err := p.sig.SendOffer(ctx, p.local, remote, offer); err != nil {
		p.Teardown(remote)
		return fmt.Errorf("send offer to %s: %w", remote, err)
	}
	p.log.Infof("sent offer %s->%s", p.local, remote)
	return nil
}

// ensureLink returns the link for remote, creating it when absent. Candidates
// that arrived before the link existed are adopted into its buffer.
func (p *Pool) ensureLink(remote string) (*Link, bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false, ErrPoolClosed
	}
	if link, exists := p.links[remote]; exists {
		p.mu.Unlock()
		return link, false, nil
	}
	track := p.localTrack
	var sink Sink
	if p.newSink != nil {
		sink = p.newSink(remote)
	}
	muted := p.speakerMuted
	cb := linkCallbacks{
		onCandidate:      p.sendCandidate,
		onState:          p.handleLinkState,
		onSignalingState: p.handleSignalingState,
		onPlayback:       p.handlePlayback,
		onBlocked:        p.onBlocked,
	}
	p.mu.Unlock()

	link, err := newLink(p.cfg, remote, track, sink, cb, p.log)
	if err != nil {
		return nil, false, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		link.Close()
		return nil, false, ErrPoolClosed
	}
	if existing, exists := p.links[remote]; exists {
		p.mu.Unlock()
		link.Close()
		return existing, false, nil
	}
	p.links[remote] = link
	pending := p.orphans[remote]
	delete(p.orphans, remote)
	p.mu.Unlock()

	link.adoptPending(pending)
	if pb := link.Playback(); pb != nil && muted {
		pb.SetMuted(true)
	}
	return link, true, nil
}

// HandleMessage processes one incoming signaling message. Messages not
// addressed to the local participant, or sent by it, are ignored.
func (p *Pool) HandleMessage(ctx context.Context, msg signaling.Message) error {
	if msg.To != p.local || msg.From == p.local || msg.From == "" {
		return nil
	}

	switch msg.Type {
	case signaling.TypeOffer:
		if msg.Offer == nil {
			return nil
		}
		return p.handleOffer(ctx, msg.From, msg.Offer.SessionDescriptionValue())

	case signaling.TypeAnswer:
		if msg.Answer == nil {
			return nil
		}
		link := p.link(msg.From)
		if link == nil {
			p.log.Debugf("dropping answer from %s: no link", msg.From)
			return nil
		}
		if err := link.HandleAnswer(msg.Answer.SessionDescriptionValue()); err != nil {
			return fmt.Errorf("apply answer from %s: %w", msg.From, err)
		}
		return nil

	case signaling.TypeCandidate:
		if msg.Candidate == nil {
			return nil
		}
		return p.handleCandidate(msg.From, msg.Candidate.CandidateValue())

	default:
		p.log.Debugf("dropping message with unknown type %q from %s", msg.Type, msg.From)
		return nil
	}
}

func (p *Pool) handleOffer(ctx context.Context, from string, offer webrtc.SessionDescription) error {
	link, _, err := p.ensureLink(from)
	if err != nil {
		return fmt.Errorf("accept offer from %s: %w", from, err)
	}

	answer, err := link.HandleOffer(offer)
	if err != nil {
		return fmt.Errorf("apply offer from %s: %w", from, err)
	}
	if err := p.sig.SendAnswer(ctx, p.local, from, answer); err != nil {
		return fmt.Errorf("send answer to %s: %w", from, err)
	}
	p.log.Infof("answered offer %s->%s", from, p.local)
	return nil
}

func (p *Pool) handleCandidate(from string, cand webrtc.ICECandidateInit) error {
	link := p.link(from)
	if link == nil {
		p.mu.Lock()
		if !p.closed {
			p.orphans[from] = append(p.orphans[from], cand)
		}
		p.mu.Unlock()
		return nil
	}
	if err := link.AddCandidate(cand); err != nil {
		return fmt.Errorf("apply candidate from %s: %w", from, err)
	}
	return nil
}

// sendCandidate trickles one locally discovered candidate to its peer.
func (p *Pool) sendCandidate(remote string, cand webrtc.ICECandidateInit) {
	if err := p.sig.SendCandidate(context.Background(), p.local, remote, cand); err != nil {
		p.log.Errorf("send candidate to %s: %v", remote, err)
	}
}

// handleLinkState reacts to connection-state transitions. A fatal failure
// tears down that single link; the rest of the mesh is untouched.
func (p *Pool) handleLinkState(remote string, state webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onLinkState
	p.mu.Unlock()

	p.log.Infof("link %s<->%s state: %s", p.local, remote, state)
	if state == webrtc.PeerConnectionStateFailed {
		go p.Teardown(remote)
	}
	if fn != nil {
		fn(remote, state)
	}
}

func (p *Pool) handleSignalingState(remote string, state webrtc.SignalingState) {
	p.log.Debugf("link %s<->%s signaling: %s", p.local, remote, state)
}

func (p *Pool) handlePlayback(remote string, pb *Playback) {
	p.mu.Lock()
	muted := p.speakerMuted
	fn := p.onPlayback
	p.mu.Unlock()

	if muted {
		pb.SetMuted(true)
	}
	if fn != nil {
		fn(remote, pb)
	}
}

// SetSpeakerMuted mutes or unmutes every remote playback, current and future,
// independent of the underlying connections.
func (p *Pool) SetSpeakerMuted(muted bool) {
	p.mu.Lock()
	p.speakerMuted = muted
	links := make([]*Link, 0, len(p.links))
	for _, l := range p.links {
		links = append(links, l)
	}
	p.mu.Unlock()

	for _, l := range links {
		if pb := l.Playback(); pb != nil {
			pb.SetMuted(muted)
		}
	}
}

// SpeakerMuted reports the speaker mute state.
func (p *Pool) SpeakerMuted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speakerMuted
}

// Link returns the link for remote, nil when absent.
func (p *Pool) link(remote string) *Link {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.links[remote]
}

// GetLink returns the link for remote.
func (p *Pool) GetLink(remote string) (*Link, error) {
	if link := p.link(remote); link != nil {
		return link, nil
	}
	return nil, ErrLinkNotFound
}

// Remotes returns the identities with a live link.
func (p *Pool) Remotes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.links))
	for remote := range p.links {
		out = append(out, remote)
	}
	return out
}

// PendingCandidates returns how many candidates are buffered for a remote
// with no link yet.
func (p *Pool) PendingCandidates(remote string) int {
	p.mu.Lock()
	link := p.links[remote]
	orphaned := len(p.orphans[remote])
	p.mu.Unlock()

	if link != nil {
		return link.PendingCandidates()
	}
	return orphaned
}

// Teardown closes and removes the link for exactly one remote identity,
// discarding any candidates buffered for it.
func (p *Pool) Teardown(remote string) {
	p.mu.Lock()
	link := p.links[remote]
	delete(p.links, remote)
	delete(p.orphans, remote)
	p.mu.Unlock()

	if link != nil {
		p.log.Infof("closed link to %s", remote)
		link.Close()
	}
}

// CloseAll tears down every link. The pool stays usable for a later call.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	links := make([]*Link, 0, len(p.links))
	for _, l := range p.links {
		links = append(links, l)
	}
	p.links = make(map[string]*Link)
	p.orphans = make(map[string][]webrtc.ICECandidateInit)
	p.localTrack = nil
	p.mu.Unlock()

	for _, l := range links {
		l.Close()
	}
}

// Close shuts the pool down permanently.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.CloseAll()
}

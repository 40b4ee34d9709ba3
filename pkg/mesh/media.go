package mesh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// LocalAudio is the local capture stream for one call session. Exactly one
// exists per session; its track is attached to every outgoing link rather
// than re-acquired per peer. Mute disables emission without renegotiating.
type LocalAudio interface {
	// Track is the audio track attached to every peer link.
	Track() webrtc.TrackLocal
	// SetMuted enables or disables emission. No renegotiation happens.
	SetMuted(muted bool)
	// Muted reports the current mute state.
	Muted() bool
	// Close stops the capture and releases the stream.
	Close() error
}

// CaptureFunc acquires the local microphone. The surrounding application
// supplies the real capture primitive (echo cancellation, noise suppression,
// and auto gain enabled); tests and the demo use SampleCapture.
type CaptureFunc func(ctx context.Context) (LocalAudio, error)

// SampleCapture returns a CaptureFunc backed by a synthetic Opus source.
func SampleCapture() CaptureFunc {
	return func(ctx context.Context) (LocalAudio, error) {
		return NewSampleAudioSource()
	}
}

// opusSilence is a minimal Opus frame decoding to silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const sampleFrameInterval = 20 * time.Millisecond

// SampleAudioSource is a LocalAudio implementation that emits 20ms Opus
// frames from a writer goroutine. Muting suppresses frame emission while the
// track and its senders stay in place.
type SampleAudioSource struct {
	track  *webrtc.TrackLocalStaticSample
	muted  atomic.Bool
	stop   chan struct{}
	once   sync.Once
	closed atomic.Bool
}

// NewSampleAudioSource creates and starts a synthetic audio source.
func NewSampleAudioSource() (*SampleAudioSource, error) {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "voicemesh")
	if err != nil {
		return nil, err
	}

	s := &SampleAudioSource{
		track: track,
		stop:  make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

func (s *SampleAudioSource) writeLoop() {
	ticker := time.NewTicker(sampleFrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.muted.Load() {
				continue
			}
			// Write errors mean no sender is bound yet; keep going.
			_ = s.track.WriteSample(media.Sample{
				Data:     opusSilence,
				Duration: sampleFrameInterval,
			})
		case <-s.stop:
			return
		}
	}
}

// Track returns the underlying audio track.
func (s *SampleAudioSource) Track() webrtc.TrackLocal { return s.track }

// SetMuted suppresses or resumes frame emission.
func (s *SampleAudioSource) SetMuted(muted bool) { s.muted.Store(muted) }

// Muted reports the mute state.
func (s *SampleAudioSource) Muted() bool { return s.muted.Load() }

// Close stops the writer goroutine.
func (s *SampleAudioSource) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.stop)
	})
	return nil
}

// Sink is the audio output for one remote participant. The surrounding
// application supplies the real speaker; a sink may refuse to start with
// ErrAutoplayBlocked, which is surfaced as a recoverable condition.
type Sink interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// discardSink swallows packets; the default when no speaker is wired in.
type discardSink struct{}

func (discardSink) WriteRTP(*rtp.Packet) error { return nil }
func (discardSink) Close() error               { return nil }

// Playback drains one remote audio track into a Sink, tracking media flow
// and exposing volume mute and the autoplay-block recovery flow. Muting
// affects output only; the underlying connection keeps flowing.
type Playback struct {
	remote string
	track  *webrtc.TrackRemote
	sink   Sink
	log    logging.LeveledLogger

	muted   atomic.Bool
	blocked atomic.Bool
	packets atomic.Uint64
	bytes   atomic.Uint64

	stop chan struct{}
	once sync.Once

	onBlocked func(remote string)
}

func newPlayback(remote string, track *webrtc.TrackRemote, sink Sink, log logging.LeveledLogger, onBlocked func(string)) *Playback {
	if sink == nil {
		sink = discardSink{}
	}
	p := &Playback{
		remote:    remote,
		track:     track,
		sink:      sink,
		log:       log,
		stop:      make(chan struct{}),
		onBlocked: onBlocked,
	}
	go p.readLoop()
	return p
}

func (p *Playback) readLoop() {
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		pkt, _, err := p.track.ReadRTP()
		if err != nil {
			return
		}
		p.packets.Add(1)
		p.bytes.Add(uint64(len(pkt.Payload)))

		if p.muted.Load() || p.blocked.Load() {
			continue
		}
		if err := p.sink.WriteRTP(pkt); err != nil {
			if errors.Is(err, ErrAutoplayBlocked) {
				if p.blocked.CompareAndSwap(false, true) {
					p.log.Warnf("playback for %s blocked, user gesture required", p.remote)
					if p.onBlocked != nil {
						go p.onBlocked(p.remote)
					}
				}
				continue
			}
			p.log.Warnf("playback write for %s: %v", p.remote, err)
		}
	}
}

// Remote returns the remote identity this playback belongs to.
func (p *Playback) Remote() string { return p.remote }

// SetMuted mutes or unmutes output volume.
func (p *Playback) SetMuted(muted bool) { p.muted.Store(muted) }

// Muted reports the volume mute state.
func (p *Playback) Muted() bool { return p.muted.Load() }

// Blocked reports whether output is suspended pending a user gesture.
func (p *Playback) Blocked() bool { return p.blocked.Load() }

// Resume retries playback after an autoplay block. Call it from the user
// gesture handler.
func (p *Playback) Resume() { p.blocked.Store(false) }

// Stats returns packets and payload bytes received so far.
func (p *Playback) Stats() (packets, bytes uint64) {
	return p.packets.Load(), p.bytes.Load()
}

func (p *Playback) close() {
	p.once.Do(func() {
		close(p.stop)
		_ = p.sink.Close()
	})
}

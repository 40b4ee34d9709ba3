package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/leetbattle/voicemesh/pkg/call"
	"github.com/leetbattle/voicemesh/pkg/store"
)

func testSessionConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	// Host candidates are enough inside one process; keep STUN out of tests.
	cfg.ICEServers = nil
	return cfg
}

func newTestSession(t *testing.T, st store.Store, roomID, me string, cfg SessionConfig) *Session {
	t.Helper()
	s, err := NewSession(st, roomID, me, cfg)
	if err != nil {
		t.Fatalf("session for %s: %v", me, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSession_TwoPartyCall(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	alice := newTestSession(t, st, "room1", "alice", testSessionConfig())
	bob := newTestSession(t, st, "room1", "bob", testSessionConfig())

	if err := alice.Manager().EnsureRoom(ctx, "Room One"); err != nil {
		t.Fatalf("ensure room: %v", err)
	}
	if err := bob.Manager().EnsureRoom(ctx, "Room One"); err != nil {
		t.Fatalf("ensure room: %v", err)
	}

	if err := alice.Start(ctx, []string{"bob"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !alice.InCall() {
		t.Fatal("alice not in call after start")
	}

	if err := bob.Join(ctx); err != nil {
		t.Fatalf("join: %v", err)
	}

	// alice < bob, so alice dials and bob only answers.
	waitFor(t, "links on both sides", func() bool {
		_, errA := alice.Pool().GetLink("bob")
		_, errB := bob.Pool().GetLink("alice")
		return errA == nil && errB == nil
	})
	waitFor(t, "connections to establish", func() bool {
		la, errA := alice.Pool().GetLink("bob")
		lb, errB := bob.Pool().GetLink("alice")
		return errA == nil && errB == nil &&
			la.ConnectionState() == webrtc.PeerConnectionStateConnected &&
			lb.ConnectionState() == webrtc.PeerConnectionStateConnected
	})
	waitFor(t, "remote audio to flow", func() bool {
		link, err := alice.Pool().GetLink("bob")
		if err != nil {
			return false
		}
		pb := link.Playback()
		if pb == nil {
			return false
		}
		packets, _ := pb.Stats()
		return packets > 0
	})

	alice.SetMicMuted(true)
	if !alice.MicMuted() {
		t.Error("mic mute not recorded")
	}
	status := alice.Status()
	if !status.MicMuted || !status.InCall || len(status.Links) != 1 {
		t.Errorf("unexpected status: %+v", status)
	}

	// Bob leaves: alice's link to him goes away, her call continues.
	if err := bob.Leave(ctx); err != nil {
		t.Fatalf("bob leave: %v", err)
	}
	waitFor(t, "alice's link to bob to close", func() bool {
		return len(alice.Pool().Remotes()) == 0
	})
	if !alice.InCall() {
		t.Error("alice dropped out when bob left")
	}

	if err := alice.Leave(ctx); err != nil {
		t.Fatalf("alice leave: %v", err)
	}
	if _, active, _ := alice.Manager().Current(ctx); active {
		t.Error("call still active after last leave")
	}
	doc, ok, _ := st.Get(ctx, call.RoomPath("room1"))
	if !ok {
		t.Fatal("room document deleted with the call")
	}
	if _, exists := doc[call.FieldVoiceCall]; exists {
		t.Error("descriptor field survived the last leave")
	}
}

func TestSession_JoinWithoutActiveCall(t *testing.T) {
	st := store.NewMemoryStore()
	bob := newTestSession(t, st, "room1", "bob", testSessionConfig())

	err := bob.Join(context.Background())
	if !errors.Is(err, call.ErrNoActiveCall) {
		t.Fatalf("want ErrNoActiveCall, got %v", err)
	}
	if bob.InCall() {
		t.Error("failed join left session in call")
	}
}

func TestSession_DoubleStart(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	alice := newTestSession(t, st, "room1", "alice", testSessionConfig())

	if err := alice.Start(ctx, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := alice.Start(ctx, nil); !errors.Is(err, ErrAlreadyInCall) {
		t.Fatalf("want ErrAlreadyInCall, got %v", err)
	}
}

func TestSession_CaptureFailureAbortsBeforeJoin(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	cfg := testSessionConfig()
	cfg.Capture = func(ctx context.Context) (LocalAudio, error) {
		return nil, fmt.Errorf("device busy")
	}
	alice := newTestSession(t, st, "room1", "alice", cfg)

	err := alice.Start(ctx, nil)
	if !errors.Is(err, ErrMediaUnavailable) {
		t.Fatalf("want ErrMediaUnavailable, got %v", err)
	}
	if alice.InCall() {
		t.Error("session in call despite capture failure")
	}
	// The roster must be untouched: no half-joined ghost participant.
	if _, active, _ := alice.Manager().Current(ctx); active {
		t.Error("capture failure still mutated the call state")
	}
}

// A voluntary Leave must never surface through the call-ended callback, even
// though the watch subscription observes the local departure write.
func TestSession_LeaveDoesNotFireCallEnded(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	alice := newTestSession(t, st, "room1", "alice", testSessionConfig())

	ended := make(chan string, 1)
	alice.SetOnCallEnded(func(reason string) { ended <- reason })

	if err := alice.Start(ctx, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := alice.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}

	select {
	case reason := <-ended:
		t.Errorf("callback fired on explicit leave: %q", reason)
	case <-time.After(500 * time.Millisecond):
	}
	if alice.InCall() {
		t.Error("still in call after leave")
	}
}

func TestSession_StatusUsesInjectedClock(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := testSessionConfig()
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	cfg.Clock = clk
	alice := newTestSession(t, st, "room1", "alice", cfg)

	if got := alice.Status().Timestamp; got != 1_700_000_000 {
		t.Errorf("status timestamp %d not from the session clock", got)
	}
}

func TestSession_RemoteCallEndFiresCallback(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	bob := newTestSession(t, st, "room1", "bob", testSessionConfig())

	ended := make(chan string, 1)
	bob.SetOnCallEnded(func(reason string) { ended <- reason })

	if err := bob.Start(ctx, nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Something else ends the call: the descriptor field disappears.
	if err := st.Set(ctx, call.RoomPath("room1"), store.Document{
		call.FieldVoiceCall: store.DeleteField,
	}, true); err != nil {
		t.Fatalf("external end: %v", err)
	}

	select {
	case reason := <-ended:
		if reason != "call ended" {
			t.Errorf("unexpected reason %q", reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("call-ended callback never fired")
	}
	waitFor(t, "session teardown", func() bool { return !bob.InCall() })
}

func TestSession_RemovedFromRosterFiresCallback(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	bob := newTestSession(t, st, "room1", "bob", testSessionConfig())

	ended := make(chan string, 1)
	bob.SetOnCallEnded(func(reason string) { ended <- reason })

	if err := bob.Start(ctx, nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	// An external write rewrites the descriptor without bob.
	desc := call.Descriptor{Active: true, Participants: []string{"carol"}, StartedBy: "carol"}
	encoded, err := store.Encode(desc)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := st.Set(ctx, call.RoomPath("room1"), store.Document{
		call.FieldVoiceCall: map[string]any(encoded),
	}, true); err != nil {
		t.Fatalf("external rewrite: %v", err)
	}

	select {
	case reason := <-ended:
		if reason != "removed from call" {
			t.Errorf("unexpected reason %q", reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("removal callback never fired")
	}
	waitFor(t, "session teardown", func() bool { return !bob.InCall() })
}

// blockedSink refuses playback until resumed, modeling an output device that
// needs a user gesture before it may start.
type blockedSink struct {
	mu      sync.Mutex
	allowed bool
	wrote   bool
}

func (b *blockedSink) WriteRTP(*rtp.Packet) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.allowed {
		return ErrAutoplayBlocked
	}
	b.wrote = true
	return nil
}

func (b *blockedSink) Close() error { return nil }

func (b *blockedSink) allow() {
	b.mu.Lock()
	b.allowed = true
	b.mu.Unlock()
}

func (b *blockedSink) hasWritten() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wrote
}

func TestSession_PlaybackBlockedAndResumed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	sink := &blockedSink{}
	cfgA := testSessionConfig()
	cfgA.NewSink = func(remote string) Sink { return sink }
	alice := newTestSession(t, st, "room1", "alice", cfgA)
	bob := newTestSession(t, st, "room1", "bob", testSessionConfig())

	blocked := make(chan string, 1)
	alice.SetOnPlaybackBlocked(func(remote string) {
		select {
		case blocked <- remote:
		default:
		}
	})

	if err := alice.Start(ctx, []string{"bob"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := bob.Join(ctx); err != nil {
		t.Fatalf("join: %v", err)
	}

	select {
	case remote := <-blocked:
		if remote != "bob" {
			t.Errorf("blocked callback for wrong remote %q", remote)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("blocked callback never fired")
	}

	link, err := alice.Pool().GetLink("bob")
	if err != nil {
		t.Fatalf("link missing: %v", err)
	}
	pb := link.Playback()
	if pb == nil || !pb.Blocked() {
		t.Fatal("playback not marked blocked")
	}

	// User gesture: unblock the device, then resume.
	sink.allow()
	pb.Resume()
	if pb.Blocked() {
		t.Error("resume did not clear the block")
	}
	waitFor(t, "audio to reach the sink", sink.hasWritten)
}

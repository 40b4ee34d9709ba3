package signaling

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"

	"github.com/leetbattle/voicemesh/pkg/store"
)

func TestChannel_SendAndReceive(t *testing.T) {
	st := store.NewMemoryStore()
	clk := clock.NewMock()
	clk.Set(time.UnixMilli(1000))
	ch := New(st, "room1", Config{Clock: clk})

	got := make(chan Message, 8)
	unsub, err := ch.Subscribe("bob", func(m Message) { got <- m })
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer unsub()

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 fake"}
	if err := ch.SendOffer(context.Background(), "alice", "bob", offer); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case m := <-got:
		if m.Type != TypeOffer || m.From != "alice" || m.To != "bob" {
			t.Errorf("unexpected message: %+v", m)
		}
		if m.Offer == nil || m.Offer.SDP != "v=0 fake" {
			t.Errorf("offer payload lost: %+v", m.Offer)
		}
		if m.Offer.SessionDescriptionValue().Type != webrtc.SDPTypeOffer {
			t.Errorf("offer type lost")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestChannel_MessageID(t *testing.T) {
	m := Message{From: "alice", To: "bob", Type: TypeOffer, Timestamp: 1234}
	if m.ID() != "offer_alice_bob_1234" {
		t.Errorf("unexpected id %q", m.ID())
	}
}

// Two candidates fired inside one millisecond must not collide on the message
// id, or the second would arrive as a modified change and be dropped.
func TestChannel_SameMillisecondSendsDoNotCollide(t *testing.T) {
	st := store.NewMemoryStore()
	clk := clock.NewMock()
	clk.Set(time.UnixMilli(1000))
	ch := New(st, "room1", Config{Clock: clk})

	got := make(chan Message, 8)
	unsub, err := ch.Subscribe("bob", func(m Message) { got <- m })
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer unsub()

	for i := 0; i < 2; i++ {
		cand := webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d 1 udp 1 127.0.0.1 5000 typ host", i)}
		if err := ch.SendCandidate(context.Background(), "alice", "bob", cand); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}

	var stamps []int64
	for i := 0; i < 2; i++ {
		select {
		case m := <-got:
			stamps = append(stamps, m.Timestamp)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 2 candidates delivered", len(stamps))
		}
	}
	if stamps[0] == stamps[1] {
		t.Errorf("timestamps collided: %v", stamps)
	}
}

func TestChannel_IgnoresOwnMessages(t *testing.T) {
	st := store.NewMemoryStore()
	clk := clock.NewMock()
	clk.Set(time.UnixMilli(1000))
	ch := New(st, "room1", Config{Clock: clk})

	got := make(chan Message, 8)
	unsub, err := ch.Subscribe("alice", func(m Message) { got <- m })
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer unsub()

	// Addressed to alice but also from alice: must be dropped.
	if err := ch.SendAnswer(context.Background(), "alice", "alice", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "x"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case m := <-got:
		t.Errorf("self message delivered: %+v", m)
	case <-time.After(300 * time.Millisecond):
	}
}

// reorderStore delivers one fabricated out-of-order batch to the subscriber,
// standing in for a transport that emits recent messages newest-first.
type reorderStore struct {
	store.Store
	deliver func([]store.Change)
}

func newReorderStore() *reorderStore {
	return &reorderStore{Store: store.NewMemoryStore()}
}

func (r *reorderStore) QuerySubscribe(path, field string, value any, limit int, fn func([]store.Change)) (store.UnsubscribeFunc, error) {
	r.deliver = fn
	return func() {}, nil
}

func TestChannel_ReordersBatchAscending(t *testing.T) {
	st := newReorderStore()
	ch := New(st, "room1", DefaultConfig())

	var got []Message
	done := make(chan struct{})
	if _, err := ch.Subscribe("bob", func(m Message) {
		got = append(got, m)
		if len(got) == 3 {
			close(done)
		}
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	encode := func(m Message) store.Document {
		doc, err := store.Encode(m)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		return doc
	}
	offer := Message{From: "alice", To: "bob", Type: TypeOffer, Timestamp: 1,
		Offer: &SessionDescription{Type: "offer", SDP: "sdp"}}
	cand2 := Message{From: "alice", To: "bob", Type: TypeCandidate, Timestamp: 2,
		Candidate: &CandidateInit{Candidate: "c2"}}
	cand3 := Message{From: "alice", To: "bob", Type: TypeCandidate, Timestamp: 3,
		Candidate: &CandidateInit{Candidate: "c3"}}

	// Transport hands over t2, t3, t1 in one batch; the offer must still be
	// dispatched first.
	st.deliver([]store.Change{
		{Kind: store.ChangeAdded, ID: cand2.ID(), Data: encode(cand2)},
		{Kind: store.ChangeAdded, ID: cand3.ID(), Data: encode(cand3)},
		{Kind: store.ChangeAdded, ID: offer.ID(), Data: encode(offer)},
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected 3 messages, got %d", len(got))
	}

	if got[0].Type != TypeOffer {
		t.Fatalf("offer not dispatched first: %v", got[0].Type)
	}
	if got[1].Timestamp != 2 || got[2].Timestamp != 3 {
		t.Errorf("candidates out of order: %d then %d", got[1].Timestamp, got[2].Timestamp)
	}
}

func TestChannel_SkipsModifiedChanges(t *testing.T) {
	st := newReorderStore()
	ch := New(st, "room1", DefaultConfig())

	got := make(chan Message, 8)
	if _, err := ch.Subscribe("bob", func(m Message) { got <- m }); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	m := Message{From: "alice", To: "bob", Type: TypeAnswer, Timestamp: 5,
		Answer: &SessionDescription{Type: "answer", SDP: "sdp"}}
	doc, _ := store.Encode(m)
	st.deliver([]store.Change{{Kind: store.ChangeModified, ID: m.ID(), Data: doc}})

	select {
	case mm := <-got:
		t.Errorf("modified change dispatched as new: %+v", mm)
	case <-time.After(300 * time.Millisecond):
	}
}

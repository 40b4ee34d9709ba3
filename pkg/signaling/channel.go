package signaling

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/leetbattle/voicemesh/pkg/store"
)

// DefaultWindow is how many recent messages a subscription keeps in scope.
const DefaultWindow = 50

// Path returns the signaling collection path for a room.
func Path(roomID string) string {
	return "rooms/" + roomID + "/voiceSignaling"
}

// Config holds Channel settings.
type Config struct {
	// Window bounds the recent-message scope of a subscription.
	Window int
	// Clock supplies message timestamps. Tests substitute a mock.
	Clock clock.Clock
	// LoggerFactory scopes the channel logger.
	LoggerFactory logging.LoggerFactory
}

// DefaultConfig returns default Channel settings.
func DefaultConfig() Config {
	return Config{
		Window:        DefaultWindow,
		Clock:         clock.New(),
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	}
}

// Channel turns the shared document store into a directed message bus keyed by
// (from, to) participant identity pairs. Messages are appended write-once into
// the room's signaling collection; subscriptions receive only messages
// addressed to the local identity, re-sorted into ascending timestamp order so
// an offer is always handled before candidates sent after it.
type Channel struct {
	store  store.Store
	roomID string
	window int
	clk    clock.Clock
	log    logging.LeveledLogger

	mu   sync.Mutex
	last int64
}

// New creates a Channel for one room.
func New(st store.Store, roomID string, cfg Config) *Channel {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Channel{
		store:  st,
		roomID: roomID,
		window: cfg.Window,
		clk:    cfg.Clock,
		log:    cfg.LoggerFactory.NewLogger("signaling"),
	}
}

// SendOffer sends an SDP offer from one participant to another.
func (c *Channel) SendOffer(ctx context.Context, from, to string, offer webrtc.SessionDescription) error {
	return c.send(ctx, Message{
		From:  from,
		To:    to,
		Type:  TypeOffer,
		Offer: NewSessionDescription(offer),
	})
}

// SendAnswer sends an SDP answer from one participant to another.
func (c *Channel) SendAnswer(ctx context.Context, from, to string, answer webrtc.SessionDescription) error {
	return c.send(ctx, Message{
		From:   from,
		To:     to,
		Type:   TypeAnswer,
		Answer: NewSessionDescription(answer),
	})
}

// SendCandidate sends a single ICE candidate from one participant to another.
// Candidates are sent as the local agent discovers them, never batched.
func (c *Channel) SendCandidate(ctx context.Context, from, to string, cand webrtc.ICECandidateInit) error {
	return c.send(ctx, Message{
		From:      from,
		To:        to,
		Type:      TypeCandidate,
		Candidate: NewCandidateInit(cand),
	})
}

// stamp returns a strictly increasing millisecond timestamp. Two sends in the
// same millisecond would otherwise collide on the message id, and the second
// would surface as a modified change that subscribers skip.
func (c *Channel) stamp() int64 {
	now := c.clk.Now().UnixMilli()
	c.mu.Lock()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	c.mu.Unlock()
	return now
}

func (c *Channel) send(ctx context.Context, msg Message) error {
	msg.Timestamp = c.stamp()

	doc, err := store.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s %s->%s: %w", msg.Type, msg.From, msg.To, err)
	}
	if err := c.store.Append(ctx, Path(c.roomID), msg.ID(), doc); err != nil {
		return fmt.Errorf("send %s %s->%s: %w", msg.Type, msg.From, msg.To, err)
	}
	c.log.Debugf("sent %s %s->%s", msg.Type, msg.From, msg.To)
	return nil
}

// Subscribe opens a live subscription for messages addressed to me. Each
// delivered batch is re-sorted ascending by timestamp before dispatch, and
// messages from me are dropped. Messages that already existed when the
// subscription opened are not replayed.
func (c *Channel) Subscribe(me string, onMessage func(Message)) (store.UnsubscribeFunc, error) {
	return c.store.QuerySubscribe(Path(c.roomID), "to", me, c.window, func(changes []store.Change) {
		msgs := make([]Message, 0, len(changes))
		for _, change := range changes {
			if change.Kind != store.ChangeAdded {
				continue
			}
			var msg Message
			if err := store.Decode(change.Data, &msg); err != nil {
				c.log.Warnf("dropping undecodable message %s: %v", change.ID, err)
				continue
			}
			if msg.From == me {
				continue
			}
			msgs = append(msgs, msg)
		}

		sort.SliceStable(msgs, func(i, j int) bool {
			return msgs[i].Timestamp < msgs[j].Timestamp
		})
		for _, msg := range msgs {
			onMessage(msg)
		}
	})
}

package call

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"

	"github.com/leetbattle/voicemesh/pkg/store"
)

// Config holds Manager settings.
type Config struct {
	// Clock supplies descriptor timestamps. Tests substitute a mock.
	Clock clock.Clock
	// LoggerFactory scopes the manager logger.
	LoggerFactory logging.LoggerFactory
}

// DefaultConfig returns default Manager settings.
func DefaultConfig() Config {
	return Config{
		Clock:         clock.New(),
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	}
}

// Update is one observed state of the room document.
type Update struct {
	// Call is the current descriptor; meaningful only when Active is true.
	Call Descriptor
	// Active reports whether a call descriptor is present and active.
	Active bool
	// Usernames is the room member roster.
	Usernames []string
}

// Manager owns the authoritative participant set for a room's call. Every
// participant mutates only its own membership; remote transitions are learned
// through the store subscription. Concurrent edits resolve by last-writer-wins
// on the whole descriptor, which is safe because joins are idempotent and the
// connection pool reconciles on every observed roster change.
type Manager struct {
	store  store.Store
	roomID string
	me     string
	clk    clock.Clock
	log    logging.LeveledLogger
}

// NewManager creates a Manager for one participant in one room.
func NewManager(st store.Store, roomID, me string, cfg Config) (*Manager, error) {
	if me == "" {
		return nil, ErrEmptyIdentity
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Manager{
		store:  st,
		roomID: roomID,
		me:     me,
		clk:    cfg.Clock,
		log:    cfg.LoggerFactory.NewLogger("call"),
	}, nil
}

// RoomID returns the room this manager operates on.
func (m *Manager) RoomID() string { return m.roomID }

// Me returns the local participant identity.
func (m *Manager) Me() string { return m.me }

// EnsureRoom creates the room document if absent and adds the local
// participant to the member roster.
func (m *Manager) EnsureRoom(ctx context.Context, displayName string) error {
	doc, ok, err := m.store.Get(ctx, RoomPath(m.roomID))
	if err != nil {
		return fmt.Errorf("ensure room %s: %w", m.roomID, err)
	}

	usernames := []string{m.me}
	name := displayName
	if ok {
		existing := decodeRoster(doc)
		usernames = dedupe(append(existing, m.me))
		if name == "" {
			if n, found := doc["name"].(string); found {
				name = n
			}
		}
	}
	if name == "" {
		name = m.roomID
	}

	err = m.store.Set(ctx, RoomPath(m.roomID), store.Document{
		"id":        m.roomID,
		"name":      name,
		"usernames": usernames,
	}, true)
	if err != nil {
		return fmt.Errorf("ensure room %s: %w", m.roomID, err)
	}
	return nil
}

// Current reads the room's call descriptor, reporting whether an active call
// exists.
func (m *Manager) Current(ctx context.Context) (Descriptor, bool, error) {
	doc, ok, err := m.store.Get(ctx, RoomPath(m.roomID))
	if err != nil {
		return Descriptor{}, false, fmt.Errorf("read call state %s: %w", m.roomID, err)
	}
	if !ok {
		return Descriptor{}, false, nil
	}
	desc, present := decodeDescriptor(doc)
	return desc, present && desc.Active, nil
}

// Start begins a new call with the local participant as its only member. The
// invited roster is recorded on the descriptor for ringing; invitees become
// participants only by joining, so every membership transition is a descriptor
// write the rest of the mesh can observe. If a call is already active, Start
// degrades to an idempotent join.
func (m *Manager) Start(ctx context.Context, invited []string) (Descriptor, error) {
	current, active, err := m.Current(ctx)
	if err != nil {
		return Descriptor{}, err
	}
	if active {
		m.log.Infof("call already active in %s, joining instead", m.roomID)
		return m.join(ctx, current)
	}

	invitees := make([]string, 0, len(invited))
	for _, id := range dedupe(invited) {
		if id != m.me {
			invitees = append(invitees, id)
		}
	}

	now := m.clk.Now().UnixMilli()
	desc := Descriptor{
		Active:       true,
		Participants: []string{m.me},
		Invited:      invitees,
		StartedBy:    m.me,
		StartedAt:    now,
		LastUpdated:  now,
	}
	if err := m.write(ctx, desc); err != nil {
		return Descriptor{}, err
	}
	m.log.Infof("started call in %s with %d participant(s)", m.roomID, len(desc.Participants))
	return desc, nil
}

// Join adds the local participant to the active call. Joining twice is a
// no-op; joining with no active call fails with ErrNoActiveCall.
func (m *Manager) Join(ctx context.Context) (Descriptor, error) {
	current, active, err := m.Current(ctx)
	if err != nil {
		return Descriptor{}, err
	}
	if !active {
		return Descriptor{}, ErrNoActiveCall
	}
	return m.join(ctx, current)
}

func (m *Manager) join(ctx context.Context, current Descriptor) (Descriptor, error) {
	if current.Has(m.me) {
		return current, nil
	}
	current.Participants = dedupe(append(current.Participants, m.me))
	current.LastUpdated = m.clk.Now().UnixMilli()
	if err := m.write(ctx, current); err != nil {
		return Descriptor{}, err
	}
	m.log.Infof("joined call in %s", m.roomID)
	return current, nil
}

// Leave removes the local participant. When the last participant leaves, the
// descriptor field is deleted outright rather than persisted empty. Leaving a
// call one is not part of is a no-op.
func (m *Manager) Leave(ctx context.Context) error {
	current, active, err := m.Current(ctx)
	if err != nil {
		return err
	}
	if !active || !current.Has(m.me) {
		return nil
	}

	remaining := current.Others(m.me)
	if len(remaining) == 0 {
		err := m.store.Set(ctx, RoomPath(m.roomID), store.Document{
			FieldVoiceCall: store.DeleteField,
		}, true)
		if err != nil {
			return fmt.Errorf("end call %s: %w", m.roomID, err)
		}
		m.log.Infof("last participant left, call in %s ended", m.roomID)
		return nil
	}

	current.Participants = remaining
	current.LastUpdated = m.clk.Now().UnixMilli()
	if err := m.write(ctx, current); err != nil {
		return err
	}
	m.log.Infof("left call in %s, %d participant(s) remain", m.roomID, len(remaining))
	return nil
}

// Watch subscribes to the room document and delivers every observed state.
// Observers must not mutate membership in response to a change they merely
// observed; the connection pool reconciles instead.
func (m *Manager) Watch(fn func(Update)) (store.UnsubscribeFunc, error) {
	return m.store.Subscribe(RoomPath(m.roomID), func(doc store.Document) {
		var update Update
		if doc != nil {
			desc, present := decodeDescriptor(doc)
			update.Call = desc
			update.Active = present && desc.Active
			update.Usernames = decodeRoster(doc)
		}
		fn(update)
	})
}

// write persists the whole descriptor under the voiceCall field, merged so
// sibling room fields (roster, chat, war state) are untouched.
func (m *Manager) write(ctx context.Context, desc Descriptor) error {
	encoded, err := store.Encode(desc)
	if err != nil {
		return fmt.Errorf("encode call state %s: %w", m.roomID, err)
	}
	err = m.store.Set(ctx, RoomPath(m.roomID), store.Document{
		FieldVoiceCall: map[string]any(encoded),
	}, true)
	if err != nil {
		return fmt.Errorf("write call state %s: %w", m.roomID, err)
	}
	return nil
}

func decodeDescriptor(doc store.Document) (Descriptor, bool) {
	raw, ok := doc[FieldVoiceCall]
	if !ok || raw == nil {
		return Descriptor{}, false
	}
	// Stores may hand the nested record back as either map type.
	var sub store.Document
	switch t := raw.(type) {
	case store.Document:
		sub = t
	case map[string]any:
		sub = store.Document(t)
	default:
		return Descriptor{}, false
	}
	var desc Descriptor
	if err := store.Decode(sub, &desc); err != nil {
		return Descriptor{}, false
	}
	return desc, true
}

func decodeRoster(doc store.Document) []string {
	raw, ok := doc["usernames"]
	if !ok {
		return nil
	}
	switch t := raw.(type) {
	case []string:
		return dedupe(t)
	case []any:
		out := make([]string, 0, len(t))
		for _, v := range t {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return dedupe(out)
	default:
		return nil
	}
}

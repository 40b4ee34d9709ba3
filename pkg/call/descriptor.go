package call

import "strings"

// FieldVoiceCall is the room-document field holding the call descriptor.
const FieldVoiceCall = "voiceCall"

// RoomPath returns the document path for a room.
func RoomPath(roomID string) string {
	return "rooms/" + roomID
}

// NormalizeRoomID derives the room document key from a display name:
// lowercased, spaces collapsed to underscores, everything else outside
// [a-z0-9_] stripped.
func NormalizeRoomID(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r == ' ' || r == '\t':
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		}
	}
	return b.String()
}

// Descriptor is the shared record of who is currently in a room's voice call.
// It lives inside the room document under FieldVoiceCall; when the last
// participant leaves, the whole field is deleted rather than persisted empty.
// Participants holds only identities that explicitly joined; Invited is the
// advisory ring list recorded by the starter and grants nothing by itself.
type Descriptor struct {
	Active       bool     `json:"active"`
	Participants []string `json:"participants"`
	Invited      []string `json:"invited,omitempty"`
	StartedBy    string   `json:"startedBy"`
	StartedAt    int64    `json:"startedAt"`
	LastUpdated  int64    `json:"lastUpdated"`
}

// Has reports whether id is in the participant list.
func (d Descriptor) Has(id string) bool {
	for _, p := range d.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// Others returns the participants other than id, in display order.
func (d Descriptor) Others(id string) []string {
	out := make([]string, 0, len(d.Participants))
	for _, p := range d.Participants {
		if p != id {
			out = append(out, p)
		}
	}
	return out
}

// dedupe keeps the first occurrence of each non-empty identity, preserving
// display order. Participants is semantically a set.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

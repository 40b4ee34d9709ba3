package mesh

import (
	"encoding/json"
	"sort"
)

// LinkStatus is a point-in-time snapshot of one peer link, exposed for
// diagnostics and per-participant UI status.
type LinkStatus struct {
	Remote          string `json:"remote"`
	ConnectionState string `json:"connection_state"`
	SignalingState  string `json:"signaling_state"`
	PacketsIn       uint64 `json:"packets_in"`
	BytesIn         uint64 `json:"bytes_in"`
	PlaybackMuted   bool   `json:"playback_muted"`
	PlaybackBlocked bool   `json:"playback_blocked"`
}

// SessionStatus is a snapshot of the whole call session.
type SessionStatus struct {
	RoomID       string       `json:"room_id"`
	Local        string       `json:"local"`
	InCall       bool         `json:"in_call"`
	MicMuted     bool         `json:"mic_muted"`
	SpeakerMuted bool         `json:"speaker_muted"`
	Links        []LinkStatus `json:"links"`
	Timestamp    int64        `json:"timestamp"`
}

// ToJSON serializes the snapshot.
func (s SessionStatus) ToJSON() string {
	data, _ := json.Marshal(s)
	return string(data)
}

// Status snapshots every live link, sorted by remote identity.
func (p *Pool) Status() []LinkStatus {
	p.mu.Lock()
	links := make([]*Link, 0, len(p.links))
	for _, l := range p.links {
		links = append(links, l)
	}
	p.mu.Unlock()

	out := make([]LinkStatus, 0, len(links))
	for _, l := range links {
		status := LinkStatus{
			Remote:          l.Remote(),
			ConnectionState: l.ConnectionState().String(),
			SignalingState:  l.SignalingState().String(),
		}
		if pb := l.Playback(); pb != nil {
			status.PacketsIn, status.BytesIn = pb.Stats()
			status.PlaybackMuted = pb.Muted()
			status.PlaybackBlocked = pb.Blocked()
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Remote < out[j].Remote })
	return out
}

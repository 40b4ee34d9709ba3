package signaling

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// MessageType represents the type of signaling message.
type MessageType string

const (
	// TypeOffer is an SDP offer.
	TypeOffer MessageType = "offer"
	// TypeAnswer is an SDP answer.
	TypeAnswer MessageType = "answer"
	// TypeCandidate is an ICE candidate.
	TypeCandidate MessageType = "ice-candidate"
)

// SessionDescription carries an SDP offer or answer on the wire.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// CandidateInit carries an ICE candidate on the wire. Field layout mirrors
// webrtc.ICECandidateInit so candidates survive the store round trip intact.
type CandidateInit struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Message is one directed, immutable signaling record. Exactly one of Offer,
// Answer, and Candidate is set, according to Type.
type Message struct {
	From      string              `json:"from"`
	To        string              `json:"to"`
	Type      MessageType         `json:"type"`
	Timestamp int64               `json:"timestamp"`
	Offer     *SessionDescription `json:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty"`
	Candidate *CandidateInit      `json:"candidate,omitempty"`
}

// ID synthesizes the content-addressed document id for this message.
func (m Message) ID() string {
	return fmt.Sprintf("%s_%s_%s_%d", m.Type, m.From, m.To, m.Timestamp)
}

// SessionDescriptionValue converts the wire form back to the webrtc type.
func (d SessionDescription) SessionDescriptionValue() webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(d.Type),
		SDP:  d.SDP,
	}
}

// NewSessionDescription converts a webrtc description to its wire form.
func NewSessionDescription(sd webrtc.SessionDescription) *SessionDescription {
	return &SessionDescription{Type: sd.Type.String(), SDP: sd.SDP}
}

// CandidateValue converts the wire form back to the webrtc type.
func (c CandidateInit) CandidateValue() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// NewCandidateInit converts a webrtc candidate to its wire form.
func NewCandidateInit(ci webrtc.ICECandidateInit) *CandidateInit {
	return &CandidateInit{
		Candidate:        ci.Candidate,
		SDPMid:           ci.SDPMid,
		SDPMLineIndex:    ci.SDPMLineIndex,
		UsernameFragment: ci.UsernameFragment,
	}
}

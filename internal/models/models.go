package models

import "time"

type User struct {
	ID    string `json:"_id"`
	Email string `json:"email"`
}

// Message is a single timeline entry. Only Delivered and Seen change after
// the collaborator creates it.
type Message struct {
	ID         string    `json:"_id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Content    string    `json:"content,omitempty"`
	AudioURL   string    `json:"audioUrl,omitempty"`
	MediaURL   string    `json:"mediaUrl,omitempty"`
	Delivered  bool      `json:"delivered"`
	Seen       bool      `json:"seen"`
	CreatedAt  time.Time `json:"createdAt,omitempty"`
}

// Between reports whether the message belongs to the (a, b) conversation in
// either direction.
func (m Message) Between(a, b string) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

// Event names carried on the event channel.
const (
	EventJoin           = "join"
	EventOnlineUsers    = "online-users"
	EventSendMessage    = "send-message"
	EventReceiveMessage = "receive-message"
	EventMessageUpdated = "message-updated"
	EventCallUser       = "call-user"
	EventCallMade       = "call-made"
	EventMakeAnswer     = "make-answer"
	EventAnswerMade     = "answer-made"
	EventICECandidate   = "ice-candidate"
	EventEndCall        = "end-call"
	EventCallEnded      = "call-ended"
)

// SessionDescription mirrors the browser RTCSessionDescriptionInit shape.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (d SessionDescription) Valid() bool {
	return d.SDP != "" && (d.Type == "offer" || d.Type == "answer")
}

// ICECandidate mirrors RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Outbound signaling payloads.

type CallUser struct {
	To    string             `json:"to"`
	Offer SessionDescription `json:"offer"`
}

type MakeAnswer struct {
	To     string             `json:"to"`
	Answer SessionDescription `json:"answer"`
}

type OutboundCandidate struct {
	To        string       `json:"to"`
	Candidate ICECandidate `json:"candidate"`
}

type EndCall struct {
	To string `json:"to"`
}

// Inbound signaling payloads. From is filled in by relays that know the
// sender; it is optional everywhere except call-made.

type CallMade struct {
	From  string             `json:"from"`
	Offer SessionDescription `json:"offer"`
}

type AnswerMade struct {
	From   string             `json:"from,omitempty"`
	Answer SessionDescription `json:"answer"`
}

type InboundCandidate struct {
	From      string       `json:"from,omitempty"`
	Candidate ICECandidate `json:"candidate"`
}

type CallEnded struct {
	From string `json:"from,omitempty"`
}

// Package chat owns the per-session conversation state: the transcript, the
// turn lifecycle, tool-call bookkeeping and the dispatcher that turns
// inbound protocol frames into domain events.
package chat

import (
	"time"

	"github.com/lumohealth/agentlink/internal/protocol"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one transcript entry. Content is append-only while IsStreaming
// is set; a message is either local-optimistic (not yet acknowledged by a
// server snapshot) or reconciled.
type Message struct {
	ID          string
	Role        string
	Content     string
	ImageRef    string
	IsStreaming bool
	Reconciled  bool
	Routing     *protocol.RoutingBody
	Supplements []protocol.SupplementBody
	CreatedAt   time.Time
}

// Clone returns a value copy detached from the session's live state, safe to
// read or encode while the dispatcher keeps streaming into the original
func (m *Message) Clone() *Message {
	out := *m
	if m.Routing != nil {
		routing := *m.Routing
		out.Routing = &routing
	}
	if len(m.Supplements) > 0 {
		out.Supplements = append([]protocol.SupplementBody(nil), m.Supplements...)
	}
	return &out
}

// Wire converts the message to its on-the-wire form
func (m *Message) Wire() protocol.WireMessage {
	return protocol.WireMessage{
		ID:        m.ID,
		Role:      m.Role,
		Content:   m.Content,
		ImageRef:  m.ImageRef,
		CreatedAt: m.CreatedAt,
	}
}

func fromWire(w protocol.WireMessage) *Message {
	return &Message{
		ID:         w.ID,
		Role:       w.Role,
		Content:    w.Content,
		ImageRef:   w.ImageRef,
		Reconciled: true,
		CreatedAt:  w.CreatedAt,
	}
}

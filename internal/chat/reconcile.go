package chat

import "github.com/lumohealth/agentlink/internal/protocol"

// Reconcile merges the authoritative server snapshot with local state. The
// snapshot's internal order is preserved untouched; the only local messages
// appended are those absent from the snapshot that are still in flight: a
// not-yet-acknowledged user message and the actively streaming assistant
// message. Confirmed history is never reordered.
func Reconcile(snapshot []protocol.WireMessage, local []*Message) []*Message {
	inSnapshot := make(map[string]bool, len(snapshot))
	for _, w := range snapshot {
		inSnapshot[w.ID] = true
	}

	merged := make([]*Message, 0, len(snapshot)+2)
	for _, w := range snapshot {
		merged = append(merged, fromWire(w))
	}

	for _, m := range local {
		if inSnapshot[m.ID] {
			continue
		}
		switch {
		case m.Role == RoleUser && !m.Reconciled:
			merged = append(merged, m)
		case m.Role == RoleAssistant && m.IsStreaming:
			merged = append(merged, m)
		}
	}

	return merged
}

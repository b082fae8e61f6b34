package chat

import "encoding/json"

// EventType tags a domain event emitted by the session for the UI layer
type EventType string

const (
	EventMessageAppended      EventType = "message_appended"
	EventMessageUpdated       EventType = "message_updated"
	EventHistoryCleared       EventType = "history_cleared"
	EventLifecycleChanged     EventType = "lifecycle_changed"
	EventToolAwaitingApproval EventType = "tool_awaiting_approval"
	EventDraftEnqueued        EventType = "draft_enqueued"
	EventWritebackCommitting  EventType = "writeback_committing"
	EventWritebackCommitted   EventType = "writeback_committed"
	EventWritebackDeferred    EventType = "writeback_deferred"
	EventTurnDone             EventType = "turn_done"
	EventTurnError            EventType = "turn_error"
	EventStatus               EventType = "status"
	EventProfileSyncResult    EventType = "profile_sync_result"
)

// Event is one domain event. Fields are populated per Type.
type Event struct {
	Type       EventType
	Message    *Message
	State      State
	ToolCallID string
	ToolName   string
	Input      json.RawMessage
	DraftID    string
	Summary    string
	Text       string
	Err        string
}

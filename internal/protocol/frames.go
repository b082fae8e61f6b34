// Package protocol defines the wire protocol spoken over the agent
// websocket: the JSON frame envelope, the streamed chunk format inside chat
// response bodies, and the close codes with defined meaning.
package protocol

import (
	"encoding/json"
	"time"
)

// Frame types (client -> server)
const (
	FrameUseChatRequest      = "cf_agent_use_chat_request"
	FrameStreamResumeRequest = "cf_agent_stream_resume_request"
	FrameStreamResumeAck     = "cf_agent_stream_resume_ack"
	FrameToolApproval        = "cf_agent_tool_approval"
	FrameChatClear           = "cf_agent_chat_clear"
)

// Frame types (server -> client)
const (
	FrameUseChatResponse = "cf_agent_use_chat_response"
	FrameChatMessages    = "cf_agent_chat_messages"
	FrameMessageUpdated  = "cf_agent_message_updated"
	FrameStreamResuming  = "cf_agent_stream_resuming"

	// Custom broadcast types
	FrameRouting           = "routing"
	FrameSupplement        = "supplement"
	FrameStatus            = "status"
	FramePolicySnapshot    = "policy_snapshot"
	FrameLifecycleState    = "lifecycle_state"
	FrameProfileSyncResult = "profile_sync_result"
	FrameError             = "error"
)

// Frame is the JSON envelope for every message on the websocket. Fields are
// populated per Type; unknown fields are preserved by the server so a single
// fat struct keeps encode/decode symmetric.
type Frame struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Done  bool            `json:"done,omitempty"`
	Error string          `json:"error,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`

	// cf_agent_chat_messages. A pointer distinguishes "absent" from the
	// empty array that means "history cleared".
	Messages *[]WireMessage `json:"messages,omitempty"`

	// cf_agent_message_updated
	Message *WireMessage `json:"message,omitempty"`

	// cf_agent_tool_approval
	ToolCallID   string `json:"toolCallId,omitempty"`
	Approved     *bool  `json:"approved,omitempty"`
	AutoContinue bool   `json:"autoContinue,omitempty"`
}

// ChatRequestBody is the inner body of a cf_agent_use_chat_request frame
type ChatRequestBody struct {
	Messages         []WireMessage `json:"messages"`
	AllowProfileSync bool          `json:"allow_profile_sync"`
	ExecutionProfile string        `json:"execution_profile,omitempty"`
	ClientTraceID    string        `json:"client_trace_id,omitempty"`
	SessionID        string        `json:"session_id,omitempty"`
}

// WireMessage is a chat message as it appears on the wire, both in the
// authoritative snapshot and in outbound requests
type WireMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	ImageRef  string    `json:"image_ref,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// PolicySnapshot is the server-declared turn policy. Read-only on the
// client; it governs whether write-back tools are reachable at all.
type PolicySnapshot struct {
	ExecutionProfile          string `json:"execution_profile"`
	ApprovalFallback          string `json:"approval_fallback"`
	WritebackMode             string `json:"writeback_mode"`
	ReadonlyEnforced          bool   `json:"readonly_enforced"`
	EffectiveAllowProfileSync bool   `json:"effective_allow_profile_sync"`
}

// LifecycleBody is the body of a lifecycle_state broadcast
type LifecycleBody struct {
	State string `json:"state"`
}

// StatusBody is the body of a status broadcast
type StatusBody struct {
	Text string `json:"text"`
}

// RoutingBody is the body of a routing broadcast
type RoutingBody struct {
	Target string `json:"target,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// SupplementBody is the body of a supplement broadcast attached to the
// current assistant message
type SupplementBody struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ProfileSyncResultBody is the body of a profile_sync_result broadcast
type ProfileSyncResultBody struct {
	Applied bool   `json:"applied"`
	Detail  string `json:"detail,omitempty"`
}

// NewApprovalFrame builds a cf_agent_tool_approval frame
func NewApprovalFrame(toolCallID string, approved bool, autoContinue bool) Frame {
	return Frame{
		Type:         FrameToolApproval,
		ToolCallID:   toolCallID,
		Approved:     &approved,
		AutoContinue: autoContinue,
	}
}

// Close codes with defined meaning
const (
	CloseAuthFailure      = 4001
	CloseIdentityMismatch = 4003
	CloseRateLimited      = 4008
)

// IsTerminalClose reports whether a close code must not be auto-retried
func IsTerminalClose(code int) bool {
	switch code {
	case CloseAuthFailure, CloseIdentityMismatch, CloseRateLimited:
		return true
	}
	return false
}

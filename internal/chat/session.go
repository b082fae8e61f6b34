package chat

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumohealth/agentlink/internal/logger"
	"github.com/lumohealth/agentlink/internal/outbox"
	"github.com/lumohealth/agentlink/internal/protocol"
)

// FrameSender sends an outbound frame to the agent. conn.Manager implements
// it; a send while disconnected must fail fast rather than buffer.
type FrameSender interface {
	SendFrame(protocol.Frame) error
}

// DraftQueue receives write-back drafts produced by mutation-class tool
// outputs. *outbox.Outbox implements it.
type DraftQueue interface {
	Enqueue(outbox.Draft) error
}

// Options configures a Session
type Options struct {
	SessionID  string
	IdentityID string

	// GraceWindow suppresses a generation error arriving shortly after a
	// successful write-back commit. Zero uses the 5s default.
	GraceWindow time.Duration

	// ApprovalFallback ("auto_approve" or "reject") applies when no policy
	// snapshot has been received and no interactive approver is attached.
	ApprovalFallback string

	// ExecutionProfile and AllowProfileSync are the configured request
	// parameters, used until the server's policy snapshot overrides them.
	ExecutionProfile string
	AllowProfileSync bool

	DecisionCacheSize int

	// Interactive marks that an external approver will answer
	// tool_awaiting_approval events via Decide.
	Interactive bool

	IsMutationTool  func(string) bool
	IsDelegatedTool func(string) bool

	EventBuffer int
	Logger      *logger.Logger
}

const defaultGraceWindow = 5 * time.Second

// Session is the single owner of one conversation's state. All mutation
// happens under its lock; the dispatcher goroutine feeding HandleFrame is
// the only frame producer, so events apply in arrival order.
type Session struct {
	ID         string
	IdentityID string

	mu                   sync.Mutex
	messages             []*Message
	lifecycle            State
	policy               protocol.PolicySnapshot
	havePolicy           bool
	decisions            *DecisionCache
	tracker              *toolTracker
	currentAssistantID   string
	lastWritebackSuccess time.Time
	lastUserText         string
	lastUserImageRef     string

	graceWindow      time.Duration
	approvalFallback string
	executionProfile string
	allowProfileSync bool
	interactive      bool
	isMutationTool   func(string) bool
	isDelegatedTool  func(string) bool

	sender FrameSender
	drafts DraftQueue
	log    *logger.Logger

	events chan Event
}

// NewSession creates a session bound to a frame sender and a draft queue
func NewSession(opts Options, sender FrameSender, drafts DraftQueue) *Session {
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = defaultGraceWindow
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	never := func(string) bool { return false }
	if opts.IsMutationTool == nil {
		opts.IsMutationTool = never
	}
	if opts.IsDelegatedTool == nil {
		opts.IsDelegatedTool = never
	}

	return &Session{
		ID:               opts.SessionID,
		IdentityID:       opts.IdentityID,
		lifecycle:        StateIdle,
		decisions:        NewDecisionCache(opts.DecisionCacheSize),
		tracker:          newToolTracker(),
		graceWindow:      opts.GraceWindow,
		approvalFallback: opts.ApprovalFallback,
		executionProfile: opts.ExecutionProfile,
		allowProfileSync: opts.AllowProfileSync,
		interactive:      opts.Interactive,
		isMutationTool:   opts.IsMutationTool,
		isDelegatedTool:  opts.IsDelegatedTool,
		sender:           sender,
		drafts:           drafts,
		log:              log.WithPrefix("chat"),
		events:           make(chan Event, opts.EventBuffer),
	}
}

// Events returns the domain event stream consumed by the UI layer
func (s *Session) Events() <-chan Event {
	return s.events
}

// Lifecycle returns the current turn state
func (s *Session) Lifecycle() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

// Policy returns the most recent server-declared policy snapshot
func (s *Session) Policy() protocol.PolicySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// Messages returns a deep copy of the transcript. The snapshot is detached
// from the session's state, so callers on other goroutines (history cache,
// UI) can read it while streaming continues to mutate the originals.
func (s *Session) Messages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

// SeedHistory installs a transcript loaded from the local history cache.
// Only valid before any frames arrive.
func (s *Session) SeedHistory(msgs []*Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		s.messages = append(s.messages, msgs...)
	}
}

// SetGraceWindow updates the post-writeback error suppression window.
// Applied by config live-reload.
func (s *Session) SetGraceWindow(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.graceWindow = d
	}
}

func (s *Session) emit(e Event) {
	select {
	case s.events <- e:
	default:
		s.log.Warn("event channel full, dropping %s event", e.Type)
	}
}

// setLifecycle applies a transition if it is valid, emitting a domain event
func (s *Session) setLifecycle(to State) {
	if s.lifecycle == to {
		return
	}
	if !ValidTransition(s.lifecycle, to) {
		s.log.Debug("ignoring lifecycle transition %s -> %s", s.lifecycle, to)
		return
	}
	s.log.Debug("lifecycle %s -> %s", s.lifecycle, to)
	s.lifecycle = to
	s.emit(Event{Type: EventLifecycleChanged, State: to})
}

// Send submits a user message for the next turn. Fails fast with the
// sender's error when the transport is down; nothing is queued in that case.
func (s *Session) Send(text, imageRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := &Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   text,
		ImageRef:  imageRef,
		CreatedAt: time.Now(),
	}

	history := make([]protocol.WireMessage, 0, len(s.messages)+1)
	for _, m := range s.messages {
		history = append(history, m.Wire())
	}
	history = append(history, msg.Wire())

	// The configured request parameters apply until the server declares a
	// policy; after that the snapshot is authoritative.
	allowSync := s.allowProfileSync
	profile := s.executionProfile
	if s.havePolicy {
		allowSync = s.policy.EffectiveAllowProfileSync
		if s.policy.ExecutionProfile != "" {
			profile = s.policy.ExecutionProfile
		}
	}

	body, err := json.Marshal(protocol.ChatRequestBody{
		Messages:         history,
		AllowProfileSync: allowSync,
		ExecutionProfile: profile,
		ClientTraceID:    uuid.NewString(),
		SessionID:        s.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to encode chat request: %w", err)
	}

	frame := protocol.Frame{
		Type: protocol.FrameUseChatRequest,
		ID:   msg.ID,
		Body: body,
	}
	if err := s.sender.SendFrame(frame); err != nil {
		return err
	}

	s.lastUserText = text
	s.lastUserImageRef = imageRef
	s.messages = append(s.messages, msg)
	s.currentAssistantID = ""
	s.setLifecycle(StateSending)
	s.emit(Event{Type: EventMessageAppended, Message: msg})
	return nil
}

// RetryLast resends the previous user message. The connection manager calls
// this once after a reconnect when retry-on-open was requested.
func (s *Session) RetryLast() {
	s.mu.Lock()
	text, imageRef := s.lastUserText, s.lastUserImageRef
	s.mu.Unlock()
	if text == "" {
		return
	}
	if err := s.Send(text, imageRef); err != nil {
		s.log.Warn("retry of last message failed: %v", err)
	}
}

// Clear wipes the transcript locally and asks the server to do the same
func (s *Session) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sender.SendFrame(protocol.Frame{Type: protocol.FrameChatClear}); err != nil {
		return err
	}
	s.messages = nil
	s.currentAssistantID = ""
	s.lifecycle = StateIdle
	s.emit(Event{Type: EventHistoryCleared})
	return nil
}

// Run consumes inbound frames until the channel closes or ctx is done.
// This is the single dispatcher loop; in-order delivery within one
// connection is guaranteed by the connection manager's read pump.
func (s *Session) Run(done <-chan struct{}, frames <-chan protocol.Frame) {
	for {
		select {
		case <-done:
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			s.HandleFrame(f)
		}
	}
}

// HandleFrame applies one inbound frame to session state
func (s *Session) HandleFrame(f protocol.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch f.Type {
	case protocol.FrameUseChatResponse:
		s.handleChatResponse(f)

	case protocol.FrameChatMessages:
		if f.Messages == nil {
			s.log.Warn("chat messages frame without messages field")
			return
		}
		s.applySnapshot(*f.Messages)

	case protocol.FrameMessageUpdated:
		if f.Message == nil {
			return
		}
		s.applyMessageUpdate(*f.Message)

	case protocol.FrameStreamResuming:
		s.handleStreamResuming(f.ID)

	case protocol.FrameRouting:
		var body protocol.RoutingBody
		if err := json.Unmarshal(f.Body, &body); err == nil {
			if m := s.findMessage(s.currentAssistantID); m != nil {
				m.Routing = &body
				s.emit(Event{Type: EventMessageUpdated, Message: m})
			}
		}

	case protocol.FrameSupplement:
		var body protocol.SupplementBody
		if err := json.Unmarshal(f.Body, &body); err == nil {
			if m := s.findMessage(s.currentAssistantID); m != nil {
				m.Supplements = append(m.Supplements, body)
				s.emit(Event{Type: EventMessageUpdated, Message: m})
			}
		}

	case protocol.FrameStatus:
		var body protocol.StatusBody
		if err := json.Unmarshal(f.Body, &body); err == nil {
			s.emit(Event{Type: EventStatus, Text: body.Text})
		}

	case protocol.FramePolicySnapshot:
		var snap protocol.PolicySnapshot
		if err := json.Unmarshal(f.Body, &snap); err != nil {
			s.log.Warn("undecodable policy snapshot dropped")
			return
		}
		s.policy = snap
		s.havePolicy = true

	case protocol.FrameLifecycleState:
		var body protocol.LifecycleBody
		if err := json.Unmarshal(f.Body, &body); err == nil && State(body.State) == StateDone {
			// Broadcast completion closes the turn the same way a stream
			// done marker does.
			s.finishTurn()
		}

	case protocol.FrameProfileSyncResult:
		var body protocol.ProfileSyncResultBody
		if err := json.Unmarshal(f.Body, &body); err == nil {
			s.emit(Event{Type: EventProfileSyncResult, Text: body.Detail})
		}

	case protocol.FrameError:
		s.turnError(f.Error)

	default:
		s.log.Debug("unknown frame type %q dropped", f.Type)
	}
}

func (s *Session) handleChatResponse(f protocol.Frame) {
	if f.Error != "" {
		s.turnError(f.Error)
		return
	}

	if len(f.Body) > 0 {
		chunk, err := protocol.DecodeChunk(f.Body)
		if err != nil {
			// Malformed bodies are dropped silently; a bad frame must
			// never take down the session.
			s.log.Debug("dropped undecodable chunk in response %s", f.ID)
		} else {
			s.applyChunk(chunk)
		}
	}

	if f.Done {
		s.finishTurn()
	}
}

func (s *Session) applyChunk(c *protocol.Chunk) {
	if c.IsNoOp() {
		return
	}

	switch c.Type {
	case protocol.ChunkTextStart:
		s.startAssistantMessage(c.ID)
		s.setLifecycle(StateStreaming)

	case protocol.ChunkTextDelta:
		m := s.currentAssistant()
		m.Content += c.Delta
		s.setLifecycle(StateStreaming)
		s.emit(Event{Type: EventMessageUpdated, Message: m})

	case protocol.ChunkTextEnd:
		if m := s.findMessage(s.currentAssistantID); m != nil {
			m.IsStreaming = false
			s.emit(Event{Type: EventMessageUpdated, Message: m})
		}

	case protocol.ChunkToolInputAvailable, protocol.ChunkToolInputError:
		s.tracker.record(c.ToolCallID, c.ToolName, c.Input)
		s.setLifecycle(StateToolRunning)

	case protocol.ChunkToolApprovalReq:
		s.handleApprovalRequest(c)

	case protocol.ChunkToolOutput:
		s.handleToolOutput(c)

	case protocol.ChunkToolOutputError:
		s.tracker.evict(c.ToolCallID)
		s.turnError(c.ErrorText)

	case protocol.ChunkToolOutputDenied:
		s.tracker.evict(c.ToolCallID)
		s.emit(Event{Type: EventStatus, Text: "Tool call was not approved."})

	case protocol.ChunkError:
		s.turnError(c.ErrorText)

	default:
		s.log.Debug("unknown chunk type %q dropped", c.Type)
	}
}

func (s *Session) handleApprovalRequest(c *protocol.Chunk) {
	if approved, ok := s.decisions.Get(c.ToolCallID); ok {
		// Re-delivered request after resume; replay the cached decision
		// without prompting again.
		s.sendApproval(c.ToolCallID, approved)
		return
	}

	if s.interactive {
		rec := s.tracker.get(c.ToolCallID)
		e := Event{Type: EventToolAwaitingApproval, ToolCallID: c.ToolCallID, ToolName: c.ToolName}
		if rec != nil {
			if e.ToolName == "" {
				e.ToolName = rec.toolName
			}
			e.Input = rec.input
		}
		s.emit(e)
		return
	}

	fallback := s.approvalFallback
	if s.havePolicy && s.policy.ApprovalFallback != "" {
		fallback = s.policy.ApprovalFallback
	}
	approved := fallback == "auto_approve"
	s.decisions.Put(c.ToolCallID, approved)
	s.sendApproval(c.ToolCallID, approved)
}

// Decide answers an outstanding approval request. Called by the UI layer in
// response to a tool_awaiting_approval event.
func (s *Session) Decide(toolCallID string, approved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions.Put(toolCallID, approved)
	return s.sendApprovalErr(toolCallID, approved)
}

func (s *Session) sendApproval(toolCallID string, approved bool) {
	if err := s.sendApprovalErr(toolCallID, approved); err != nil {
		s.log.Warn("failed to send approval for %s: %v", toolCallID, err)
	}
}

func (s *Session) sendApprovalErr(toolCallID string, approved bool) error {
	return s.sender.SendFrame(protocol.NewApprovalFrame(toolCallID, approved, true))
}

// mutationOutput is the payload shape of a mutation-class tool result
type mutationOutput struct {
	DraftID     string          `json:"draft_id"`
	Payload     json.RawMessage `json:"payload"`
	SummaryText string          `json:"summary_text"`
	ContextText string          `json:"context_text"`
}

func (s *Session) handleToolOutput(c *protocol.Chunk) {
	if c.Preliminary {
		// Generation-delegating tools stream partial text through
		// preliminary outputs; treat them as content deltas.
		m := s.currentAssistant()
		m.Content += delegatedText(c.Output)
		s.tracker.markDelta(c.ToolCallID)
		s.setLifecycle(StateStreaming)
		s.emit(Event{Type: EventMessageUpdated, Message: m})
		return
	}

	rec := s.tracker.get(c.ToolCallID)
	toolName := c.ToolName
	if toolName == "" && rec != nil {
		toolName = rec.toolName
	}

	switch {
	case s.isMutationTool(toolName):
		s.enqueueDraft(c, toolName)

	case s.isDelegatedTool(toolName):
		// Fold the final content in exactly once: skip when preliminary
		// deltas already carried it.
		if !s.tracker.sawDeltas(c.ToolCallID) {
			m := s.currentAssistant()
			m.Content += delegatedText(c.Output)
			s.emit(Event{Type: EventMessageUpdated, Message: m})
		}
	}

	s.tracker.evict(c.ToolCallID)
}

func (s *Session) enqueueDraft(c *protocol.Chunk, toolName string) {
	var out mutationOutput
	if err := json.Unmarshal(c.Output, &out); err != nil || out.DraftID == "" {
		s.log.Warn("mutation tool %s produced output without draft_id, dropped", toolName)
		return
	}

	draft := outbox.Draft{
		DraftID:     out.DraftID,
		ToolCallID:  c.ToolCallID,
		SummaryText: out.SummaryText,
		Payload:     out.Payload,
		ContextText: out.ContextText,
	}
	if err := s.drafts.Enqueue(draft); err != nil {
		s.log.Error("failed to queue draft %s: %v", out.DraftID, err)
		return
	}
	s.setLifecycle(StateWritebackQueued)
	s.emit(Event{Type: EventDraftEnqueued, DraftID: out.DraftID, ToolName: toolName, Summary: out.SummaryText})
}

// delegatedText extracts displayable text from a delegated-generation tool
// output, which arrives either as a bare string or as {"text": ...}
func delegatedText(output json.RawMessage) string {
	if len(output) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(output, &text); err == nil {
		return text
	}
	var wrapped struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(output, &wrapped); err == nil {
		return wrapped.Text
	}
	return ""
}

// currentAssistant returns the streaming assistant message, creating it if
// the first delta arrives without a text-start
func (s *Session) currentAssistant() *Message {
	if m := s.findMessage(s.currentAssistantID); m != nil {
		return m
	}
	return s.startAssistantMessage("")
}

func (s *Session) startAssistantMessage(id string) *Message {
	if id == "" {
		id = uuid.NewString()
	}
	if m := s.findMessage(id); m != nil {
		s.currentAssistantID = id
		return m
	}
	m := &Message{
		ID:          id,
		Role:        RoleAssistant,
		IsStreaming: true,
		CreatedAt:   time.Now(),
	}
	s.messages = append(s.messages, m)
	s.currentAssistantID = id
	s.emit(Event{Type: EventMessageAppended, Message: m})
	return m
}

func (s *Session) findMessage(id string) *Message {
	if id == "" {
		return nil
	}
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == id {
			return s.messages[i]
		}
	}
	return nil
}

func (s *Session) applySnapshot(snapshot []protocol.WireMessage) {
	if len(snapshot) == 0 {
		// An explicit empty snapshot means the server cleared history.
		s.messages = nil
		s.currentAssistantID = ""
		s.emit(Event{Type: EventHistoryCleared})
		return
	}
	s.messages = Reconcile(snapshot, s.messages)
	s.emit(Event{Type: EventMessageUpdated})
}

func (s *Session) applyMessageUpdate(w protocol.WireMessage) {
	if m := s.findMessage(w.ID); m != nil {
		m.Content = w.Content
		m.Reconciled = true
		m.IsStreaming = false
		s.emit(Event{Type: EventMessageUpdated, Message: m})
		return
	}
	m := fromWire(w)
	s.messages = append(s.messages, m)
	s.emit(Event{Type: EventMessageAppended, Message: m})
}

// ResetStreaming clears stale streaming marks. The connection manager calls
// it after a (re)open, before the resume request goes out: whatever was
// mid-stream when the transport dropped is stale until the server confirms
// resumption with cf_agent_stream_resuming.
func (s *Session) ResetStreaming() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.IsStreaming {
			m.IsStreaming = false
			s.emit(Event{Type: EventMessageUpdated, Message: m})
		}
	}
}

func (s *Session) handleStreamResuming(id string) {
	if err := s.sender.SendFrame(protocol.Frame{Type: protocol.FrameStreamResumeAck, ID: id}); err != nil {
		s.log.Warn("failed to ack stream resume: %v", err)
	}
	if m := s.findMessage(s.currentAssistantID); m != nil {
		m.IsStreaming = true
	}
	s.setLifecycle(StateStreaming)
}

func (s *Session) finishTurn() {
	if m := s.findMessage(s.currentAssistantID); m != nil {
		m.IsStreaming = false
		s.emit(Event{Type: EventMessageUpdated, Message: m})
	}
	s.setLifecycle(StateDone)
	s.emit(Event{Type: EventTurnDone})
}

// turnError ends the turn with a user-facing error, unless a write-back
// commit just succeeded: a late generation error inside the grace window is
// trailing noise that must not obscure a successful data sync.
func (s *Session) turnError(raw string) {
	if !s.lastWritebackSuccess.IsZero() && time.Since(s.lastWritebackSuccess) < s.graceWindow {
		s.log.Info("suppressed trailing error after write-back success: %s", strings.TrimSpace(raw))
		return
	}
	s.setLifecycle(StateError)
	s.emit(Event{Type: EventTurnError, Err: protocol.NormalizeErrorText(raw)})
}

// OnWritebackResult feeds commit outcomes from the outbox back into the
// lifecycle and the event stream
func (s *Session) OnWritebackResult(r outbox.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Phase {
	case outbox.PhaseCommitting:
		s.setLifecycle(StateWritebackCommitting)
		s.emit(Event{Type: EventWritebackCommitting, DraftID: r.DraftID})

	case outbox.PhaseSuccess:
		s.lastWritebackSuccess = time.Now()
		s.setLifecycle(StateDone)
		s.emit(Event{Type: EventWritebackCommitted, DraftID: r.DraftID, Summary: r.Summary})

	case outbox.PhasePending:
		s.emit(Event{Type: EventWritebackDeferred, DraftID: r.DraftID,
			Text: "Your update is still syncing and will retry shortly."})

	case outbox.PhaseFailed:
		// Non-fatal: the draft stays queued for a later flush.
		s.emit(Event{Type: EventWritebackDeferred, DraftID: r.DraftID,
			Text: "Your update could not be synced yet; it will retry automatically.",
			Err:  protocol.NormalizeErrorText(r.Err)})
	}
}

// OnDisconnect reports a transport close to the session. Terminal closes
// (auth failure, identity mismatch, rate limit) end the turn as errors and
// are never retried by the connection manager.
func (s *Session) OnDisconnect(code int, reason string, terminal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if terminal {
		if reason == "" {
			reason = fmt.Sprintf("connection closed (%d)", code)
		}
		s.turnError(reason)
		return
	}
	s.emit(Event{Type: EventStatus, Text: "Connection lost, reconnecting…"})
}

package chat

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lumohealth/agentlink/internal/outbox"
	"github.com/lumohealth/agentlink/internal/protocol"
)

type fakeSender struct {
	mu     sync.Mutex
	frames []protocol.Frame
	err    error
}

func (f *fakeSender) SendFrame(fr protocol.Frame) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeSender) sent(frameType string) []protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Frame
	for _, fr := range f.frames {
		if fr.Type == frameType {
			out = append(out, fr)
		}
	}
	return out
}

type fakeQueue struct {
	mu     sync.Mutex
	drafts []outbox.Draft
	err    error
}

func (q *fakeQueue) Enqueue(d outbox.Draft) error {
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.drafts = append(q.drafts, d)
	return nil
}

func newTestSession(t *testing.T, opts Options) (*Session, *fakeSender, *fakeQueue) {
	t.Helper()
	if opts.SessionID == "" {
		opts.SessionID = "sess-1"
	}
	if opts.IdentityID == "" {
		opts.IdentityID = "user-1"
	}
	if opts.IsMutationTool == nil {
		opts.IsMutationTool = func(name string) bool { return name == "update_goal" }
	}
	if opts.IsDelegatedTool == nil {
		opts.IsDelegatedTool = func(name string) bool { return name == "generate_summary" }
	}
	sender := &fakeSender{}
	queue := &fakeQueue{}
	return NewSession(opts, sender, queue), sender, queue
}

func chunkFrame(t *testing.T, c protocol.Chunk) protocol.Frame {
	t.Helper()
	body, err := json.Marshal(c)
	require.NoError(t, err)
	return protocol.Frame{Type: protocol.FrameUseChatResponse, Body: body}
}

func drainEvents(s *Session) []Event {
	var events []Event
	for {
		select {
		case e := <-s.Events():
			events = append(events, e)
		default:
			return events
		}
	}
}

func hasEvent(events []Event, typ EventType) bool {
	for _, e := range events {
		if e.Type == typ {
			return true
		}
	}
	return false
}

func TestTextDeltasAppendInArrivalOrder(t *testing.T) {
	s, _, _ := newTestSession(t, Options{})
	require.NoError(t, s.Send("left knee pain", ""))

	s.HandleFrame(chunkFrame(t, protocol.Chunk{Type: protocol.ChunkTextStart, ID: "a1"}))
	for _, delta := range []string{"Sorry ", "to ", "hear ", "that."} {
		s.HandleFrame(chunkFrame(t, protocol.Chunk{Type: protocol.ChunkTextDelta, ID: "a1", Delta: delta}))
	}
	s.HandleFrame(protocol.Frame{Type: protocol.FrameUseChatResponse, Done: true})

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "Sorry to hear that.", msgs[1].Content)
	require.False(t, msgs[1].IsStreaming)
}

func TestPlainTurnLifecycle(t *testing.T) {
	s, _, queue := newTestSession(t, Options{})

	require.Equal(t, StateIdle, s.Lifecycle())
	require.NoError(t, s.Send("left knee pain", ""))
	require.Equal(t, StateSending, s.Lifecycle())

	s.HandleFrame(chunkFrame(t, protocol.Chunk{Type: protocol.ChunkTextDelta, Delta: "ok"}))
	require.Equal(t, StateStreaming, s.Lifecycle())

	s.HandleFrame(protocol.Frame{Type: protocol.FrameUseChatResponse, Done: true})
	require.Equal(t, StateDone, s.Lifecycle())

	require.Empty(t, queue.drafts, "a plain text turn must not create drafts")
}

func TestSendFailsFastWhenDisconnected(t *testing.T) {
	s, sender, _ := newTestSession(t, Options{})
	sender.err = errors.New("not connected")

	err := s.Send("hello", "")
	require.Error(t, err)
	require.Empty(t, s.Messages(), "a failed send must not queue an optimistic message")
	require.Equal(t, StateIdle, s.Lifecycle())
}

func TestMutationToolOutputEnqueuesExactlyOneDraft(t *testing.T) {
	s, _, queue := newTestSession(t, Options{})
	require.NoError(t, s.Send("save my goal", ""))

	s.HandleFrame(chunkFrame(t, protocol.Chunk{
		Type: protocol.ChunkToolInputAvailable, ToolCallID: "tc1", ToolName: "update_goal",
		Input: json.RawMessage(`{"goal":"walk daily"}`),
	}))
	require.Equal(t, StateToolRunning, s.Lifecycle())

	s.HandleFrame(chunkFrame(t, protocol.Chunk{
		Type: protocol.ChunkToolOutput, ToolCallID: "tc1", ToolName: "update_goal",
		Output: json.RawMessage(`{"draft_id":"d1","payload":{"goal":"walk daily"},"summary_text":"saved goal"}`),
	}))

	require.Len(t, queue.drafts, 1)
	require.Equal(t, "d1", queue.drafts[0].DraftID)
	require.Equal(t, "saved goal", queue.drafts[0].SummaryText)
	require.Equal(t, StateWritebackQueued, s.Lifecycle())
}

func TestWritebackResultsDriveLifecycle(t *testing.T) {
	s, _, _ := newTestSession(t, Options{})
	require.NoError(t, s.Send("save my goal", ""))
	s.HandleFrame(chunkFrame(t, protocol.Chunk{Type: protocol.ChunkToolInputAvailable, ToolCallID: "tc1", ToolName: "update_goal"}))
	s.HandleFrame(chunkFrame(t, protocol.Chunk{
		Type: protocol.ChunkToolOutput, ToolCallID: "tc1", ToolName: "update_goal",
		Output: json.RawMessage(`{"draft_id":"d1","payload":{}}`),
	}))

	s.OnWritebackResult(outbox.Result{DraftID: "d1", Phase: outbox.PhaseCommitting})
	require.Equal(t, StateWritebackCommitting, s.Lifecycle())

	s.OnWritebackResult(outbox.Result{DraftID: "d1", Phase: outbox.PhaseSuccess, Summary: "saved goal"})
	require.Equal(t, StateDone, s.Lifecycle())

	events := drainEvents(s)
	require.True(t, hasEvent(events, EventWritebackCommitted))
}

func TestTrailingErrorSuppressedInsideGraceWindow(t *testing.T) {
	s, _, _ := newTestSession(t, Options{})
	require.NoError(t, s.Send("save my goal", ""))
	s.HandleFrame(chunkFrame(t, protocol.Chunk{Type: protocol.ChunkToolInputAvailable, ToolCallID: "tc1", ToolName: "update_goal"}))
	s.HandleFrame(chunkFrame(t, protocol.Chunk{
		Type: protocol.ChunkToolOutput, ToolCallID: "tc1", ToolName: "update_goal",
		Output: json.RawMessage(`{"draft_id":"d1","payload":{}}`),
	}))
	s.OnWritebackResult(outbox.Result{DraftID: "d1", Phase: outbox.PhaseCommitting})
	s.OnWritebackResult(outbox.Result{DraftID: "d1", Phase: outbox.PhaseSuccess})
	drainEvents(s)

	s.HandleFrame(protocol.Frame{Type: protocol.FrameError, Error: "stream disposed unexpectedly"})

	require.Equal(t, StateDone, s.Lifecycle(), "a trailing error after a successful sync must not surface")
	require.False(t, hasEvent(drainEvents(s), EventTurnError))
}

func TestErrorSurfacesWithoutRecentWriteback(t *testing.T) {
	s, _, _ := newTestSession(t, Options{})
	require.NoError(t, s.Send("hello", ""))
	drainEvents(s)

	s.HandleFrame(protocol.Frame{Type: protocol.FrameError, Error: "model overloaded"})

	require.Equal(t, StateError, s.Lifecycle())
	events := drainEvents(s)
	require.True(t, hasEvent(events, EventTurnError))
}

func TestApprovalFallbackDecidesAndCaches(t *testing.T) {
	s, sender, _ := newTestSession(t, Options{ApprovalFallback: "auto_approve"})
	require.NoError(t, s.Send("save", ""))

	s.HandleFrame(chunkFrame(t, protocol.Chunk{Type: protocol.ChunkToolInputAvailable, ToolCallID: "tc1", ToolName: "update_goal"}))
	s.HandleFrame(chunkFrame(t, protocol.Chunk{Type: protocol.ChunkToolApprovalReq, ToolCallID: "tc1", ToolName: "update_goal"}))

	approvals := sender.sent(protocol.FrameToolApproval)
	require.Len(t, approvals, 1)
	require.Equal(t, "tc1", approvals[0].ToolCallID)
	require.NotNil(t, approvals[0].Approved)
	require.True(t, *approvals[0].Approved)
}

func TestRedeliveredApprovalRequestReplaysWithoutPrompt(t *testing.T) {
	s, sender, _ := newTestSession(t, Options{Interactive: true})
	require.NoError(t, s.Send("save", ""))
	s.HandleFrame(chunkFrame(t, protocol.Chunk{Type: protocol.ChunkToolInputAvailable, ToolCallID: "tc1", ToolName: "update_goal"}))
	drainEvents(s)

	// First request prompts the user.
	s.HandleFrame(chunkFrame(t, protocol.Chunk{Type: protocol.ChunkToolApprovalReq, ToolCallID: "tc1", ToolName: "update_goal"}))
	events := drainEvents(s)
	require.True(t, hasEvent(events, EventToolAwaitingApproval))
	require.NoError(t, s.Decide("tc1", false))

	// Re-delivered after resume: replayed from cache, no second prompt.
	s.HandleFrame(chunkFrame(t, protocol.Chunk{Type: protocol.ChunkToolApprovalReq, ToolCallID: "tc1", ToolName: "update_goal"}))
	events = drainEvents(s)
	require.False(t, hasEvent(events, EventToolAwaitingApproval))

	approvals := sender.sent(protocol.FrameToolApproval)
	require.Len(t, approvals, 2)
	for _, fr := range approvals {
		require.Equal(t, "tc1", fr.ToolCallID)
		require.NotNil(t, fr.Approved)
		require.False(t, *fr.Approved, "replay must repeat the original decision exactly")
	}
}

func TestDelegatedToolFinalOutputFoldedExactlyOnce(t *testing.T) {
	s, _, _ := newTestSession(t, Options{})
	require.NoError(t, s.Send("summarize my week", ""))
	s.HandleFrame(chunkFrame(t, protocol.Chunk{Type: protocol.ChunkToolInputAvailable, ToolCallID: "tc1", ToolName: "generate_summary"}))

	// Preliminary outputs stream into the assistant message.
	s.HandleFrame(chunkFrame(t, protocol.Chunk{Type: protocol.ChunkToolOutput, ToolCallID: "tc1", Preliminary: true, Output: json.RawMessage(`"You walked "`)}))
	s.HandleFrame(chunkFrame(t, protocol.Chunk{Type: protocol.ChunkToolOutput, ToolCallID: "tc1", Preliminary: true, Output: json.RawMessage(`"12 km."`)}))

	// The final output repeats the full text; it must not be applied again.
	s.HandleFrame(chunkFrame(t, protocol.Chunk{Type: protocol.ChunkToolOutput, ToolCallID: "tc1", ToolName: "generate_summary", Output: json.RawMessage(`"You walked 12 km."`)}))

	msgs := s.Messages()
	require.Equal(t, "You walked 12 km.", msgs[len(msgs)-1].Content)
}

func TestDelegatedToolWithoutDeltasFoldsFinalOutput(t *testing.T) {
	s, _, _ := newTestSession(t, Options{})
	require.NoError(t, s.Send("summarize my week", ""))
	s.HandleFrame(chunkFrame(t, protocol.Chunk{Type: protocol.ChunkToolInputAvailable, ToolCallID: "tc1", ToolName: "generate_summary"}))

	s.HandleFrame(chunkFrame(t, protocol.Chunk{Type: protocol.ChunkToolOutput, ToolCallID: "tc1", ToolName: "generate_summary", Output: json.RawMessage(`{"text":"All quiet."}`)}))

	msgs := s.Messages()
	require.Equal(t, "All quiet.", msgs[len(msgs)-1].Content)
}

func TestEmptySnapshotClearsHistory(t *testing.T) {
	s, _, _ := newTestSession(t, Options{})
	require.NoError(t, s.Send("hello", ""))
	require.NotEmpty(t, s.Messages())
	drainEvents(s)

	empty := []protocol.WireMessage{}
	s.HandleFrame(protocol.Frame{Type: protocol.FrameChatMessages, Messages: &empty})

	require.Empty(t, s.Messages())
	require.True(t, hasEvent(drainEvents(s), EventHistoryCleared))
}

func TestSnapshotReconciliationPreservesOptimisticSend(t *testing.T) {
	s, _, _ := newTestSession(t, Options{})
	require.NoError(t, s.Send("pending question", ""))
	localID := s.Messages()[0].ID

	snapshot := []protocol.WireMessage{
		{ID: "s1", Role: RoleUser, Content: "old question"},
		{ID: "s2", Role: RoleAssistant, Content: "old answer"},
	}
	s.HandleFrame(protocol.Frame{Type: protocol.FrameChatMessages, Messages: &snapshot})

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	require.Equal(t, "s1", msgs[0].ID)
	require.Equal(t, "s2", msgs[1].ID)
	require.Equal(t, localID, msgs[2].ID)
}

func TestStreamResumingAcked(t *testing.T) {
	s, sender, _ := newTestSession(t, Options{})
	require.NoError(t, s.Send("hello", ""))
	s.HandleFrame(chunkFrame(t, protocol.Chunk{Type: protocol.ChunkTextStart, ID: "a1"}))

	s.HandleFrame(protocol.Frame{Type: protocol.FrameStreamResuming, ID: "stream-7"})

	acks := sender.sent(protocol.FrameStreamResumeAck)
	require.Len(t, acks, 1)
	require.Equal(t, "stream-7", acks[0].ID)
}

func TestPolicySnapshotGovernsApprovalFallback(t *testing.T) {
	s, sender, _ := newTestSession(t, Options{ApprovalFallback: "auto_approve"})
	require.NoError(t, s.Send("save", ""))

	policy, err := json.Marshal(protocol.PolicySnapshot{ApprovalFallback: "reject"})
	require.NoError(t, err)
	s.HandleFrame(protocol.Frame{Type: protocol.FramePolicySnapshot, Body: policy})

	s.HandleFrame(chunkFrame(t, protocol.Chunk{Type: protocol.ChunkToolInputAvailable, ToolCallID: "tc1", ToolName: "update_goal"}))
	s.HandleFrame(chunkFrame(t, protocol.Chunk{Type: protocol.ChunkToolApprovalReq, ToolCallID: "tc1"}))

	approvals := sender.sent(protocol.FrameToolApproval)
	require.Len(t, approvals, 1)
	require.NotNil(t, approvals[0].Approved)
	require.False(t, *approvals[0].Approved, "server policy must override the configured fallback")
}

func TestTerminalDisconnectEndsTurnAsError(t *testing.T) {
	s, _, _ := newTestSession(t, Options{})
	require.NoError(t, s.Send("hello", ""))
	drainEvents(s)

	s.OnDisconnect(protocol.CloseAuthFailure, "token expired", true)

	require.Equal(t, StateError, s.Lifecycle())
	require.True(t, hasEvent(drainEvents(s), EventTurnError))
}

func TestMessagesSnapshotDetachedFromStreaming(t *testing.T) {
	s, _, _ := newTestSession(t, Options{})
	require.NoError(t, s.Send("hello", ""))
	s.HandleFrame(chunkFrame(t, protocol.Chunk{Type: protocol.ChunkTextStart, ID: "a1"}))
	s.HandleFrame(chunkFrame(t, protocol.Chunk{Type: protocol.ChunkTextDelta, ID: "a1", Delta: "Sor"}))

	snapshot := s.Messages()
	s.HandleFrame(chunkFrame(t, protocol.Chunk{Type: protocol.ChunkTextDelta, ID: "a1", Delta: "ry."}))

	require.Equal(t, "Sor", snapshot[1].Content, "a snapshot must not see later deltas")
	require.Equal(t, "Sorry.", s.Messages()[1].Content)
}

func TestSnapshotReadableWhileStreamingContinues(t *testing.T) {
	s, _, _ := newTestSession(t, Options{})
	require.NoError(t, s.Send("hello", ""))
	s.HandleFrame(chunkFrame(t, protocol.Chunk{Type: protocol.ChunkTextStart, ID: "a1"}))

	// Reader goroutine walks snapshots while the dispatcher keeps appending
	// deltas, the way the history cache reads during a live stream.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			for _, m := range s.Messages() {
				_ = len(m.Content)
			}
		}
	}()
	for i := 0; i < 500; i++ {
		s.HandleFrame(chunkFrame(t, protocol.Chunk{Type: protocol.ChunkTextDelta, ID: "a1", Delta: "x"}))
	}
	<-done
}

func TestSendCarriesConfiguredProfileUntilPolicyArrives(t *testing.T) {
	s, sender, _ := newTestSession(t, Options{ExecutionProfile: "wellness", AllowProfileSync: false})
	require.NoError(t, s.Send("hello", ""))

	reqs := sender.sent(protocol.FrameUseChatRequest)
	require.Len(t, reqs, 1)
	var body protocol.ChatRequestBody
	require.NoError(t, json.Unmarshal(reqs[0].Body, &body))
	require.Equal(t, "wellness", body.ExecutionProfile)
	require.False(t, body.AllowProfileSync, "pre-policy requests must honor the configured setting")

	policy, err := json.Marshal(protocol.PolicySnapshot{ExecutionProfile: "strict", EffectiveAllowProfileSync: true})
	require.NoError(t, err)
	s.HandleFrame(protocol.Frame{Type: protocol.FramePolicySnapshot, Body: policy})

	require.NoError(t, s.Send("again", ""))
	reqs = sender.sent(protocol.FrameUseChatRequest)
	require.Len(t, reqs, 2)
	require.NoError(t, json.Unmarshal(reqs[1].Body, &body))
	require.Equal(t, "strict", body.ExecutionProfile)
	require.True(t, body.AllowProfileSync, "the policy snapshot overrides the configured setting")
}

func TestResetStreamingClearsStaleMarksUntilResumed(t *testing.T) {
	s, _, _ := newTestSession(t, Options{})
	require.NoError(t, s.Send("hello", ""))
	s.HandleFrame(chunkFrame(t, protocol.Chunk{Type: protocol.ChunkTextStart, ID: "a1"}))
	s.HandleFrame(chunkFrame(t, protocol.Chunk{Type: protocol.ChunkTextDelta, ID: "a1", Delta: "partial"}))
	require.True(t, s.Messages()[1].IsStreaming)

	s.ResetStreaming()
	require.False(t, s.Messages()[1].IsStreaming, "reopen must clear stale streaming marks")

	// A server-side resume re-marks the in-flight message.
	s.HandleFrame(protocol.Frame{Type: protocol.FrameStreamResuming, ID: "stream-1"})
	require.True(t, s.Messages()[1].IsStreaming)
}

func TestUndecodableChunkDroppedSilently(t *testing.T) {
	s, _, _ := newTestSession(t, Options{})
	require.NoError(t, s.Send("hello", ""))
	before := s.Lifecycle()

	s.HandleFrame(protocol.Frame{Type: protocol.FrameUseChatResponse, Body: json.RawMessage(`{broken`)})

	require.Equal(t, before, s.Lifecycle(), "a malformed frame must not change session state")
}

package chat

import "encoding/json"

// toolCallRecord is the ephemeral bookkeeping for one in-flight tool call.
// It lives from the input event until a final output is observed.
type toolCallRecord struct {
	toolName string
	input    json.RawMessage
}

// toolTracker correlates the multi-event tool-call lifecycle
// (input-available -> approval -> output-available) by call id
type toolTracker struct {
	calls         map[string]*toolCallRecord
	deltasApplied map[string]bool
}

func newToolTracker() *toolTracker {
	return &toolTracker{
		calls:         make(map[string]*toolCallRecord),
		deltasApplied: make(map[string]bool),
	}
}

func (t *toolTracker) record(toolCallID, toolName string, input json.RawMessage) {
	t.calls[toolCallID] = &toolCallRecord{toolName: toolName, input: input}
}

func (t *toolTracker) get(toolCallID string) *toolCallRecord {
	return t.calls[toolCallID]
}

// markDelta notes that preliminary output deltas for this call were already
// streamed into the assistant message, so the final output must not be
// folded in a second time
func (t *toolTracker) markDelta(toolCallID string) {
	t.deltasApplied[toolCallID] = true
}

func (t *toolTracker) sawDeltas(toolCallID string) bool {
	return t.deltasApplied[toolCallID]
}

func (t *toolTracker) evict(toolCallID string) {
	delete(t.calls, toolCallID)
	delete(t.deltasApplied, toolCallID)
}

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// Chunk types carried inside a cf_agent_use_chat_response body
const (
	ChunkTextStart          = "text-start"
	ChunkTextDelta          = "text-delta"
	ChunkTextEnd            = "text-end"
	ChunkToolInputAvailable = "tool-input-available"
	ChunkToolInputError     = "tool-input-error"
	ChunkToolApprovalReq    = "tool-approval-request"
	ChunkToolOutput         = "tool-output-available"
	ChunkToolOutputError    = "tool-output-error"
	ChunkToolOutputDenied   = "tool-output-denied"
	ChunkError              = "error"

	// No-op markers
	ChunkStart      = "start"
	ChunkStartStep  = "start-step"
	ChunkFinish     = "finish"
	ChunkFinishStep = "finish-step"
)

// Chunk is one typed streaming event, normalized regardless of which
// sub-encoding the body arrived in
type Chunk struct {
	Type        string          `json:"type"`
	ID          string          `json:"id,omitempty"`
	Delta       string          `json:"delta,omitempty"`
	Text        string          `json:"text,omitempty"`
	ToolCallID  string          `json:"toolCallId,omitempty"`
	ToolName    string          `json:"toolName,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Preliminary bool            `json:"preliminary,omitempty"`
	ErrorText   string          `json:"errorText,omitempty"`
}

// IsNoOp reports whether the chunk is a step marker with no client effect
func (c *Chunk) IsNoOp() bool {
	switch c.Type {
	case ChunkStart, ChunkStartStep, ChunkFinish, ChunkFinishStep:
		return true
	}
	return false
}

// ErrUndecodable is returned when a frame body matches none of the known
// encodings. Callers drop the frame; a bad body must never kill the session.
var ErrUndecodable = errors.New("protocol: undecodable chunk body")

const doneSentinel = "[DONE]"

// DecodeChunk parses an opaque frame body into a Chunk. The body may be a
// structured object, a JSON-encoded string wrapping one, or an
// event-stream-like multi-line text whose data: lines carry the payload.
func DecodeChunk(body json.RawMessage) (*Chunk, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, ErrUndecodable
	}

	if trimmed[0] == '{' {
		return decodeChunkObject(trimmed)
	}

	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil, ErrUndecodable
		}
		return decodeChunkText(inner)
	}

	return nil, ErrUndecodable
}

func decodeChunkObject(data []byte) (*Chunk, error) {
	var chunk Chunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, ErrUndecodable
	}
	if chunk.Type == "" {
		return nil, ErrUndecodable
	}
	return &chunk, nil
}

// decodeChunkText handles the two string sub-encodings: a plain JSON object
// in a string, or event-stream lines ("data: {...}" with [DONE] sentinels)
func decodeChunkText(text string) (*Chunk, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, ErrUndecodable
	}

	if strings.HasPrefix(trimmed, "{") {
		return decodeChunkObject([]byte(trimmed))
	}

	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" || payload == doneSentinel {
			continue
		}
		if chunk, err := decodeChunkObject([]byte(payload)); err == nil {
			return chunk, nil
		}
	}

	return nil, ErrUndecodable
}

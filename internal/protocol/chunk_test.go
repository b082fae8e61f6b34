package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeChunkStructuredObject(t *testing.T) {
	body := json.RawMessage(`{"type":"text-delta","id":"m1","delta":"hello"}`)

	chunk, err := DecodeChunk(body)
	require.NoError(t, err)
	require.Equal(t, ChunkTextDelta, chunk.Type)
	require.Equal(t, "m1", chunk.ID)
	require.Equal(t, "hello", chunk.Delta)
}

func TestDecodeChunkJSONStringEncoding(t *testing.T) {
	inner := `{"type":"tool-input-available","toolCallId":"tc1","toolName":"update_goal"}`
	body, err := json.Marshal(inner)
	require.NoError(t, err)

	chunk, err := DecodeChunk(body)
	require.NoError(t, err)
	require.Equal(t, ChunkToolInputAvailable, chunk.Type)
	require.Equal(t, "tc1", chunk.ToolCallID)
	require.Equal(t, "update_goal", chunk.ToolName)
}

func TestDecodeChunkEventStreamEncoding(t *testing.T) {
	stream := "event: chunk\ndata: [DONE]\ndata: {\"type\":\"text-start\",\"id\":\"m2\"}\n\n"
	body, err := json.Marshal(stream)
	require.NoError(t, err)

	chunk, err := DecodeChunk(body)
	require.NoError(t, err)
	require.Equal(t, ChunkTextStart, chunk.Type)
	require.Equal(t, "m2", chunk.ID)
}

func TestDecodeChunkAllEncodingsAgree(t *testing.T) {
	object := `{"type":"text-delta","delta":"same"}`

	asObject, err := DecodeChunk(json.RawMessage(object))
	require.NoError(t, err)

	wrapped, _ := json.Marshal(object)
	asString, err := DecodeChunk(wrapped)
	require.NoError(t, err)

	streamed, _ := json.Marshal("data: " + object + "\n")
	asStream, err := DecodeChunk(streamed)
	require.NoError(t, err)

	require.Equal(t, asObject, asString)
	require.Equal(t, asObject, asStream)
}

func TestDecodeChunkGarbageDropped(t *testing.T) {
	cases := []string{
		``,
		`42`,
		`"not json at all"`,
		`"data: [DONE]"`,
		`{"no_type_field":true}`,
		`{broken`,
	}
	for _, c := range cases {
		if _, err := DecodeChunk(json.RawMessage(c)); err == nil {
			t.Fatalf("expected decode error for %q", c)
		}
	}
}

func TestDecodeChunkPreliminaryOutput(t *testing.T) {
	body := json.RawMessage(`{"type":"tool-output-available","toolCallId":"tc2","preliminary":true,"output":"partial"}`)

	chunk, err := DecodeChunk(body)
	require.NoError(t, err)
	require.True(t, chunk.Preliminary)
	require.Equal(t, ChunkToolOutput, chunk.Type)
}

func TestChunkNoOpMarkers(t *testing.T) {
	for _, typ := range []string{ChunkStart, ChunkStartStep, ChunkFinish, ChunkFinishStep} {
		chunk := &Chunk{Type: typ}
		if !chunk.IsNoOp() {
			t.Fatalf("expected %s to be a no-op marker", typ)
		}
	}
	if (&Chunk{Type: ChunkTextDelta}).IsNoOp() {
		t.Fatal("text-delta must not be a no-op")
	}
}

func TestIsTerminalClose(t *testing.T) {
	for _, code := range []int{CloseAuthFailure, CloseIdentityMismatch, CloseRateLimited} {
		if !IsTerminalClose(code) {
			t.Fatalf("expected %d to be terminal", code)
		}
	}
	for _, code := range []int{1000, 1006, 4000, 4999} {
		if IsTerminalClose(code) {
			t.Fatalf("expected %d not to be terminal", code)
		}
	}
}

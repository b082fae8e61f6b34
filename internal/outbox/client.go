package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lumohealth/agentlink/internal/securemem"
)

// commitRequest is the wire body of a commit call
type commitRequest struct {
	DraftID     string          `json:"draft_id"`
	Payload     json.RawMessage `json:"payload"`
	ContextText string          `json:"context_text,omitempty"`
}

// CommitClient talks to the remote idempotent-commit endpoint. Retrying a
// commit with the same draft_id is always safe; the server keys idempotency
// on it.
type CommitClient struct {
	baseURL    string
	token      *securemem.String
	httpClient *http.Client
}

// NewCommitClient creates a client for the /writeback/commit endpoint
func NewCommitClient(baseURL string, token *securemem.String, timeout time.Duration) *CommitClient {
	return &CommitClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Commit posts one draft to the remote endpoint and decodes its reply
func (c *CommitClient) Commit(ctx context.Context, draftID string, payload json.RawMessage, contextText string) (*CommitResponse, error) {
	body, err := json.Marshal(commitRequest{
		DraftID:     draftID,
		Payload:     payload,
		ContextText: contextText,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode commit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/writeback/commit", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.token.WithValue(func(token string) {
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("commit request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read commit response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("commit endpoint returned HTTP %d", resp.StatusCode)
	}

	var commitResp CommitResponse
	if err := json.Unmarshal(data, &commitResp); err != nil {
		return nil, fmt.Errorf("failed to decode commit response: %w", err)
	}
	return &commitResp, nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.Equal(t, 3, cfg.ReconnectDelaySeconds)
	require.Equal(t, 15, cfg.FlushIntervalSeconds)
	require.Equal(t, 5000, cfg.WritebackGraceWindowMS)
	require.Equal(t, 200, cfg.ApprovalDecisionCacheSz)
	require.Equal(t, "reject", cfg.ApprovalFallback)
	require.NotEmpty(t, cfg.MutationTools)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().ServerURL, cfg.ServerURL)
}

func TestLoadOverridesAndFillsZeroes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"server_url": "https://coach.example.com",
		"writeback_grace_window_ms": 1200,
		"approval_fallback": "auto_approve"
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://coach.example.com", cfg.ServerURL)
	require.Equal(t, 1200, cfg.WritebackGraceWindowMS)
	require.Equal(t, "auto_approve", cfg.ApprovalFallback)

	// Unset tunables fall back to defaults instead of zero.
	require.Equal(t, 15, cfg.FlushIntervalSeconds)
	require.Equal(t, 3, cfg.ReconnectDelaySeconds)
}

func TestLoadRejectsInvalidFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"approval_fallback":"maybe"}`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "reject", cfg.ApprovalFallback)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENTLINK_SERVER_URL", "http://localhost:8787")
	t.Setenv("AGENTLINK_FLUSH_INTERVAL", "5")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8787", cfg.ServerURL)
	require.Equal(t, 5, cfg.FlushIntervalSeconds)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg := DefaultConfig()
	cfg.ServerURL = "https://coach.example.com"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://coach.example.com", loaded.ServerURL)
}

func TestToolClassification(t *testing.T) {
	cfg := DefaultConfig()

	require.True(t, cfg.IsMutationTool("update_goal"))
	require.False(t, cfg.IsMutationTool("generate_summary"))
	require.True(t, cfg.IsDelegatedTool("generate_summary"))
	require.False(t, cfg.IsDelegatedTool("update_goal"))
}

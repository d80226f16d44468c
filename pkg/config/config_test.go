package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/tabula/pkg/agent"
)

func register(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	var cfg Config
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if err := cfg.Register(fs); err != nil {
		return nil, err
	}
	require.NoError(t, fs.Parse(args))
	return &cfg, nil
}

func TestTabula_Config_Defaults(t *testing.T) {
	cfg, err := register(t)
	require.NoError(t, err)

	assert.Equal(t, defaultKBPath, cfg.KBPath)
	assert.Equal(t, EmbedProviderHash, cfg.EmbedProvider)
	assert.Equal(t, IndexBackendMemory, cfg.IndexBackend)
	assert.Equal(t, agent.DefaultTopK, cfg.TopK)
	assert.Equal(t, agent.DefaultMaxGenerationAttempts, cfg.MaxGenerationAttempts)
	assert.Equal(t, agent.DefaultMaxValidationAttempts, cfg.MaxValidationAttempts)
	assert.Equal(t, defaultMaxRows, cfg.MaxRows)
	require.NoError(t, cfg.Validate())
}

func TestTabula_Config_EnvOverrides(t *testing.T) {
	t.Setenv("TABULA_TOP_K", "4")
	t.Setenv("TABULA_CALL_TIMEOUT", "5s")
	t.Setenv("TABULA_KB_PATH", "/tmp/kb.duckdb")

	cfg, err := register(t)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.TopK)
	assert.Equal(t, 5*time.Second, cfg.CallTimeout)
	assert.Equal(t, "/tmp/kb.duckdb", cfg.KBPath)

	cfg, err = register(t, "--top-k", "7")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.TopK)
}

func TestTabula_Config_InvalidEnv(t *testing.T) {
	t.Setenv("TABULA_MAX_ROWS", "lots")

	_, err := register(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TABULA_MAX_ROWS")
}

func TestTabula_Config_Validate(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "unknown provider", args: []string{"--embed-provider", "word2vec"}, wantErr: "unknown embedding provider"},
		{name: "ollama without model", args: []string{"--embed-provider", "ollama"}, wantErr: "embedding model is required"},
		{name: "openai without key", args: []string{"--embed-provider", "openai"}, wantErr: "OPENAI_API_KEY"},
		{name: "qdrant without url", args: []string{"--index", "qdrant"}, wantErr: "qdrant URL is empty"},
		{name: "unknown index", args: []string{"--index", "faiss"}, wantErr: "unknown index backend"},
		{name: "zero top-k", args: []string{"--top-k", "0"}, wantErr: "top-k"},
		{name: "negative retries", args: []string{"--max-call-retries", "-1"}, wantErr: "max call retries"},
		{name: "empty kb", args: []string{"--kb", ""}, wantErr: "knowledge base path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := register(t, tt.args...)
			require.NoError(t, err)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

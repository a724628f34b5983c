package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDSNWrapsBareFilesystemPath(t *testing.T) {
	dir := t.TempDir()
	m := Memory{DatabasePath: filepath.Join(dir, "nested", "mem.sqlite")}

	dsn, err := m.ResolveDSN()
	require.NoError(t, err)
	assert.Equal(t, "sqlite:"+filepath.Join(dir, "nested", "mem.sqlite")+"?mode=rwc", dsn)
}

func TestResolveDSNPassesThroughFullSqliteURL(t *testing.T) {
	m := Memory{DatabasePath: "sqlite:file::memory:?cache=shared"}
	dsn, err := m.ResolveDSN()
	require.NoError(t, err)
	assert.Equal(t, "sqlite:file::memory:?cache=shared", dsn)
}

func TestResolveDSNDefaultsWhenUnset(t *testing.T) {
	m := Memory{}
	dsn, err := m.ResolveDSN()
	require.NoError(t, err)
	assert.Equal(t, "sqlite:./llama-nexus-memory.sqlite?mode=rwc", dsn)
}

func TestValidateRejectsSummarizeThresholdBelowTwo(t *testing.T) {
	cfg := Config{Memory: Memory{Enable: true, SummarizeThreshold: 1, MaxStoredMessages: 10}}
	assert.Error(t, cfg.validate())
}

func TestValidateRequiresMaxStoredGreaterThanThreshold(t *testing.T) {
	cfg := Config{Memory: Memory{Enable: true, SummarizeThreshold: 50, MaxStoredMessages: 50}}
	assert.Error(t, cfg.validate())
}

func TestValidateRejectsUnknownRAGPolicy(t *testing.T) {
	cfg := Config{RAG: RAG{Enable: true, Policy: "bogus"}}
	assert.Error(t, cfg.validate())
}

func TestValidatePassesWithDefaults(t *testing.T) {
	cfg := defaults()
	assert.NoError(t, cfg.validate())
}

func TestEnvKindTokenSingularizesEmbeddings(t *testing.T) {
	assert.Equal(t, "EMBEDDING", envKindToken("embeddings"))
	assert.Equal(t, "CHAT", envKindToken("chat"))
}

func TestLoadSubstitutesDefaultAPIKeyFromEnvironmentForEmbeddings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
address = ":9000"

[[backends]]
kind = "embeddings"
url = "http://localhost:9002"
`), 0o644))

	t.Setenv("DEFAULT_EMBEDDING_SERVICE_API_KEY", "sk-embedding")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, "sk-embedding", cfg.Backends[0].APIKey)
}

func TestLoadSubstitutesDefaultAPIKeyFromEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
address = ":9000"

[[backends]]
kind = "chat"
url = "http://localhost:9001"
`), 0o644))

	t.Setenv("DEFAULT_CHAT_SERVICE_API_KEY", "sk-from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, "sk-from-env", cfg.Backends[0].APIKey)
}

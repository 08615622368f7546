package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverlaysOntoDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chunkmaster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node_id: node-1
crp:
  replicas_per_chunk: 6
  tokens_per_node: 10
  bucket_count: 3
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-1", cfg.NodeID)
	assert.Equal(t, 6, cfg.CRP.ReplicasPerChunk)
	// Untouched sections keep their defaults.
	assert.Equal(t, 1, cfg.Replica.MinReplicationFactor)
}

func TestValidateRejectsBadReplicationFactors(t *testing.T) {
	cfg := Default()
	cfg.Replica.MaxReplicationFactor = 0
	cfg.Replica.MinReplicationFactor = 1
	assert.Error(t, cfg.Validate())
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path.yaml")
	assert.Error(t, err)
}

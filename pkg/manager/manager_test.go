package manager

import (
	"testing"

	"github.com/cuemby/chunkmaster/pkg/chunkid"
	"github.com/cuemby/chunkmaster/pkg/config"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.Default()
	m, err := NewManager(&Config{
		NodeID:      "node-1",
		BindAddr:    "127.0.0.1:0",
		DataDir:     t.TempDir(),
		ChunkConfig: cfg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.store.Close() })
	return m
}

func TestCreateChunkRejectsReplicationFactorOutsideClusterBounds(t *testing.T) {
	m := newTestManager(t)

	_, err := m.CreateChunk(CreateChunkRequest{
		Type:                 chunkid.TypeRegular,
		Account:              "acct",
		MediumName:           "default",
		ReplicationFactor:    3,
		MinReplicationFactor: 0,
		MaxReplicationFactor: 3,
	})
	require.Error(t, err, "min_replication_factor below the cluster floor must be rejected")

	_, err = m.CreateChunk(CreateChunkRequest{
		Type:                 chunkid.TypeRegular,
		Account:              "acct",
		MediumName:           "default",
		ReplicationFactor:    3,
		MinReplicationFactor: 1,
		MaxReplicationFactor: 1000,
	})
	require.Error(t, err, "max_replication_factor above the cluster ceiling must be rejected")
}

func TestCreateChunkRejectsUnknownMedium(t *testing.T) {
	m := newTestManager(t)

	_, err := m.CreateChunk(CreateChunkRequest{
		Type:                 chunkid.TypeRegular,
		Account:              "acct",
		MediumName:           "no-such-medium",
		ReplicationFactor:    3,
		MinReplicationFactor: 1,
		MaxReplicationFactor: 3,
	})
	require.Error(t, err)
}

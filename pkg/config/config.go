// Package config loads chunkmaster's tunables from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable named by the chunk-management subsystem.
// Durations are expressed in the YAML file as Go duration strings
// ("30s", "5m") and parsed by yaml.v3's time.Duration support.
type Config struct {
	NodeID   string `yaml:"node_id"`
	BindAddr string `yaml:"bind_addr"`
	DataDir  string `yaml:"data_dir"`

	Refresh    RefreshConfig    `yaml:"refresh"`
	Replica    ReplicaConfig    `yaml:"replica"`
	Job        JobConfig        `yaml:"job"`
	Journal    JournalConfig    `yaml:"journal"`
	Expiration ExpirationConfig `yaml:"expiration"`
	CRP        CRPConfig        `yaml:"crp"`
	Medium     MediumConfig     `yaml:"medium"`
}

// RefreshConfig tunes the refresh engine's scanners.
type RefreshConfig struct {
	ChunkRefreshDelay        time.Duration `yaml:"chunk_refresh_delay"`
	MaxChunksPerRefresh      int           `yaml:"max_chunks_per_refresh"`
	ReplicationPriorityCount int           `yaml:"replication_priority_count"`
	MaxReplicasPerRack       int           `yaml:"max_replicas_per_rack"`
}

// ReplicaConfig tunes the replica state machine.
type ReplicaConfig struct {
	ReplicaApproveTimeout time.Duration `yaml:"replica_approve_timeout"`
	MinReplicationFactor  int           `yaml:"min_replication_factor"`
	MaxReplicationFactor  int           `yaml:"max_replication_factor"`
}

// JobConfig tunes the job controller.
type JobConfig struct {
	JobTimeout            time.Duration `yaml:"job_timeout"`
	MaxJobsPerNode         int           `yaml:"max_jobs_per_node"`
	RepairSlotsPerNode     int           `yaml:"repair_slots_per_node"`
}

// JournalConfig tunes the sealer.
type JournalConfig struct {
	JournalRPCTimeout time.Duration `yaml:"journal_rpc_timeout"`
}

// ExpirationConfig tunes staged-chunk expiration.
type ExpirationConfig struct {
	StagedChunkExpirationTimeout time.Duration `yaml:"staged_chunk_expiration_timeout"`
}

// CRPConfig tunes Consistent Replica Placement.
type CRPConfig struct {
	ReplicasPerChunk int `yaml:"replicas_per_chunk"`
	TokensPerNode    int `yaml:"tokens_per_node"`
	BucketCount      int `yaml:"bucket_count"`
}

// MediumConfig caps the medium registry.
type MediumConfig struct {
	MaxMediumCount int `yaml:"max_medium_count"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		BindAddr: "127.0.0.1:9070",
		DataDir:  "/var/lib/chunkmaster",
		Refresh: RefreshConfig{
			ChunkRefreshDelay:        3 * time.Second,
			MaxChunksPerRefresh:      10000,
			ReplicationPriorityCount: 4,
			MaxReplicasPerRack:       1,
		},
		Replica: ReplicaConfig{
			ReplicaApproveTimeout: 5 * time.Minute,
			MinReplicationFactor:  1,
			MaxReplicationFactor:  16,
		},
		Job: JobConfig{
			JobTimeout:         5 * time.Minute,
			MaxJobsPerNode:     16,
			RepairSlotsPerNode: 4,
		},
		Journal: JournalConfig{
			JournalRPCTimeout: 15 * time.Second,
		},
		Expiration: ExpirationConfig{
			StagedChunkExpirationTimeout: 1 * time.Hour,
		},
		CRP: CRPConfig{
			ReplicasPerChunk: 3,
			TokensPerNode:    10,
			BucketCount:      3,
		},
		Medium: MediumConfig{
			MaxMediumCount: 32,
		},
	}
}

// Load reads a YAML config file, overlaying it onto Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the ranges invariants depend on.
func (c *Config) Validate() error {
	if c.Replica.MinReplicationFactor < 1 {
		return fmt.Errorf("replica.min_replication_factor must be >= 1")
	}
	if c.Replica.MaxReplicationFactor < c.Replica.MinReplicationFactor {
		return fmt.Errorf("replica.max_replication_factor must be >= min_replication_factor")
	}
	if c.Refresh.ReplicationPriorityCount < 1 {
		return fmt.Errorf("refresh.replication_priority_count must be >= 1")
	}
	if c.CRP.ReplicasPerChunk < 1 {
		return fmt.Errorf("crp.replicas_per_chunk must be >= 1")
	}
	if c.CRP.TokensPerNode < 1 {
		return fmt.Errorf("crp.tokens_per_node must be >= 1")
	}
	if c.Medium.MaxMediumCount < 1 {
		return fmt.Errorf("medium.max_medium_count must be >= 1")
	}
	return nil
}

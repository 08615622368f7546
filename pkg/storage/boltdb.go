package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/cuemby/chunkmaster/pkg/chunktree"
	"github.com/cuemby/chunkmaster/pkg/node"
	"github.com/cuemby/chunkmaster/pkg/requisition"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketChunks        = []byte("chunks")
	bucketChunkLists    = []byte("chunk_lists")
	bucketChunkViews    = []byte("chunk_views")
	bucketDynamicStores = []byte("dynamic_stores")
	bucketNodes         = []byte("nodes")
	bucketRequisitions  = []byte("requisitions")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a BoltDB database under
// dataDir and ensures every bucket exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "chunkmaster.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketChunks,
			bucketChunkLists,
			bucketChunkViews,
			bucketDynamicStores,
			bucketNodes,
			bucketRequisitions,
		}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func putJSON(tx *bolt.Tx, bucket, key []byte, v interface{}) error {
	b := tx.Bucket(bucket)
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// Chunks

func (s *BoltStore) PutChunk(c *chunktree.Chunk) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketChunks, []byte(c.ID.String()), c)
	})
}

func (s *BoltStore) GetChunk(id string) (*chunktree.Chunk, error) {
	var c chunktree.Chunk
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketChunks).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("chunk not found: %s", id)
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) ListChunks() ([]*chunktree.Chunk, error) {
	var out []*chunktree.Chunk
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunks).ForEach(func(k, v []byte) error {
			var c chunktree.Chunk
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			out = append(out, &c)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteChunk(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunks).Delete([]byte(id))
	})
}

// Chunk lists

func (s *BoltStore) PutChunkList(cl *chunktree.ChunkList) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketChunkLists, []byte(cl.ID.String()), cl)
	})
}

func (s *BoltStore) GetChunkList(id string) (*chunktree.ChunkList, error) {
	var cl chunktree.ChunkList
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketChunkLists).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("chunk list not found: %s", id)
		}
		return json.Unmarshal(data, &cl)
	})
	if err != nil {
		return nil, err
	}
	return &cl, nil
}

func (s *BoltStore) ListChunkLists() ([]*chunktree.ChunkList, error) {
	var out []*chunktree.ChunkList
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunkLists).ForEach(func(k, v []byte) error {
			var cl chunktree.ChunkList
			if err := json.Unmarshal(v, &cl); err != nil {
				return err
			}
			out = append(out, &cl)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteChunkList(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunkLists).Delete([]byte(id))
	})
}

// Chunk views

func (s *BoltStore) PutChunkView(cv *chunktree.ChunkView) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketChunkViews, []byte(cv.ID.String()), cv)
	})
}

func (s *BoltStore) ListChunkViews() ([]*chunktree.ChunkView, error) {
	var out []*chunktree.ChunkView
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunkViews).ForEach(func(k, v []byte) error {
			var cv chunktree.ChunkView
			if err := json.Unmarshal(v, &cv); err != nil {
				return err
			}
			out = append(out, &cv)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteChunkView(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunkViews).Delete([]byte(id))
	})
}

// Dynamic stores

func (s *BoltStore) PutDynamicStore(ds *chunktree.DynamicStore) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketDynamicStores, []byte(ds.ID.String()), ds)
	})
}

func (s *BoltStore) ListDynamicStores() ([]*chunktree.DynamicStore, error) {
	var out []*chunktree.DynamicStore
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDynamicStores).ForEach(func(k, v []byte) error {
			var ds chunktree.DynamicStore
			if err := json.Unmarshal(v, &ds); err != nil {
				return err
			}
			out = append(out, &ds)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteDynamicStore(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDynamicStores).Delete([]byte(id))
	})
}

// Nodes

func (s *BoltStore) PutNode(rec node.Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketNodes, []byte(rec.ID), rec)
	})
}

func (s *BoltStore) ListNodes() ([]node.Record, error) {
	var out []node.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var rec node.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteNode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(id))
	})
}

// Requisitions

func (s *BoltStore) PutRequisition(rec requisition.Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketRequisitions, []byte(strconv.Itoa(rec.Index)), rec)
	})
}

func (s *BoltStore) ListRequisitions() ([]requisition.Record, error) {
	var out []requisition.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequisitions).ForEach(func(k, v []byte) error {
			var rec requisition.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteRequisition(index int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequisitions).Delete([]byte(strconv.Itoa(index)))
	})
}

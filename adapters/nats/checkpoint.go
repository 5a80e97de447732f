package nats

import (
	"errors"
	"fmt"
	"strings"

	"github.com/codewandler/esdb-go/core/es"
)

const defaultCheckpointBucket = "esdb_checkpoints"

type CpStoreConfig struct {
	Connect Connector
	Bucket  string
	Key     string // Key is usually the consumer name.
}

// CpStore keeps one consumer cursor in a key-value bucket.
type CpStore struct {
	kv  *KvStore[int64]
	key string
}

var _ es.CpStore = (*CpStore)(nil)

func NewCpStore(cfg CpStoreConfig) (*CpStore, error) {
	if cfg.Key == "" {
		return nil, errors.New("key is required")
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = defaultCheckpointBucket
	}
	kv, err := NewKvStore[int64](KvConfig{
		Bucket:  bucket,
		Connect: cfg.Connect,
	})
	if err != nil {
		return nil, err
	}
	return &CpStore{kv: kv, key: checkpointKey(cfg.Key)}, nil
}

// checkpointKey maps a consumer name to a valid key.
func checkpointKey(name string) string {
	return "cp." + strings.NewReplacer(":", "-", " ", "_", "$", "_").Replace(name)
}

func (c *CpStore) Get() (int64, error) {
	v, err := c.kv.Get(c.key)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return 0, es.ErrCheckpointNotFound
		}
		return 0, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return v, nil
}

func (c *CpStore) Set(cursor int64) error { return c.kv.Set(c.key, cursor) }

func (c *CpStore) Close() { c.kv.Close() }

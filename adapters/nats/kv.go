package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/esdb-go/internal/codec"
)

var (
	ErrKeyNotFound = errors.New("key not found")
)

type KvConfig struct {
	Connect Connector
	Bucket  string
	Codec   codec.Codec
	Timeout time.Duration
}

// KvStore is a typed view on a JetStream key-value bucket.
type KvStore[T any] struct {
	kv      jetstream.KeyValue
	codec   codec.Codec
	timeout time.Duration
	closeNc closeFunc
}

func NewKvStore[T any](cfg KvConfig) (*KvStore[T], error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   cfg.Bucket,
		Storage:  jetstream.FileStorage,
		MaxBytes: 1024 * 1024,
	})
	if err != nil {
		closeNc()
		return nil, err
	}

	c := cfg.Codec
	if c == nil {
		c = codec.JSONCodec{}
	}

	return &KvStore[T]{kv: kv, codec: c, timeout: timeout, closeNc: closeNc}, nil
}

func (k *KvStore[T]) Set(key string, v T) error {
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()

	data, err := k.codec.Marshal(v)
	if err != nil {
		return err
	}

	_, err = k.kv.Put(ctx, key, data)
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

func (k *KvStore[T]) Get(key string) (out T, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()

	v, err := k.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return out, ErrKeyNotFound
		}
		return out, fmt.Errorf("failed to get %s: %w", key, err)
	}
	err = k.codec.Unmarshal(v.Value(), &out)
	if err != nil {
		return out, err
	}
	return out, nil
}

func (k *KvStore[T]) Close() { k.closeNc() }

package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultBucket is the JetStream key-value bucket holding engine state
const DefaultBucket = "HAZARD_STATE"

// JetStreamKV implements KV on a JetStream key-value bucket
type JetStreamKV struct {
	logger *zap.Logger
	kv     nats.KeyValue
}

// NewJetStreamKV binds to bucket, creating it if it does not exist
func NewJetStreamKV(js nats.JetStreamContext, bucket string, logger *zap.Logger) (*JetStreamKV, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	logger = logger.Named("jetstream-kv")

	kv, err := js.KeyValue(bucket)
	if err != nil {
		if !errors.Is(err, nats.ErrBucketNotFound) {
			return nil, fmt.Errorf("failed to bind bucket %s: %w", bucket, err)
		}
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  bucket,
			History: 1,
			Storage: nats.FileStorage,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
		logger.Info("Created key-value bucket", zap.String("bucket", bucket))
	}

	return &JetStreamKV{logger: logger, kv: kv}, nil
}

// Get implements KV.Get
func (s *JetStreamKV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry, err := s.kv.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return entry.Value(), nil
}

// Set implements KV.Set
func (s *JetStreamKV) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.kv.Put(key, value); err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	return nil
}

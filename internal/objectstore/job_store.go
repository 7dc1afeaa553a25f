package objectstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NatsJobStore implements the core.JobStore interface using a NATS
// JetStream key-value bucket.
type NatsJobStore struct {
	bucket   string
	keyValue nats.KeyValue
}

// NewJobStore creates and initializes a new NatsJobStore.
func NewJobStore(jetstreamContext nats.JetStreamContext, bucketName string) (*NatsJobStore, error) {
	// Use a "create-first" approach.
	keyValue, err := jetstreamContext.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:       bucketName,
		Description:  fmt.Sprintf("Job state records for the %s bucket.", bucketName),
		MaxValueSize: 0,
		History:      1,
		TTL:          0,
		MaxBytes:     0,
		Storage:      nats.FileStorage,
		Replicas:     1,
		Placement:    nil,
		RePublish:    nil,
		Mirror:       nil,
		Sources:      nil,
	})

	// If the bucket already exists, bind to it.
	if err != nil {
		if errors.Is(err, jetstream.ErrBucketExists) {
			keyValue, err = jetstreamContext.KeyValue(bucketName)
			if err != nil {
				return nil, fmt.Errorf("failed to bind to existing key-value bucket '%s': %w", bucketName, err)
			}
		} else {
			// For any other error, fail.
			return nil, fmt.Errorf("failed to create key-value bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsJobStore{
		bucket:   bucketName,
		keyValue: keyValue,
	}, nil
}

// Get retrieves a job state record.
func (n *NatsJobStore) Get(_ context.Context, jobID string) ([]byte, error) {
	entry, err := n.keyValue.Get(jobID)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, fmt.Errorf("job '%s': %w", jobID, ErrKeyNotFound)
		}

		return nil, fmt.Errorf("failed to get job '%s' from bucket '%s': %w", jobID, n.bucket, err)
	}

	return entry.Value(), nil
}

// Put stores a job state record, replacing any previous revision.
func (n *NatsJobStore) Put(_ context.Context, jobID string, state []byte) error {
	_, err := n.keyValue.Put(jobID, state)
	if err != nil {
		return fmt.Errorf("failed to put job '%s' into bucket '%s': %w", jobID, n.bucket, err)
	}

	return nil
}

// Keys lists every stored job ID. An empty bucket yields an empty list.
func (n *NatsJobStore) Keys(_ context.Context) ([]string, error) {
	keys, err := n.keyValue.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list jobs in bucket '%s': %w", n.bucket, err)
	}

	return keys, nil
}

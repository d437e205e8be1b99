package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
)

// Backend types accepted by Open
const (
	BackendBolt     = "bolt"
	BackendDynamoDB = "dynamodb"
	BackendMemory   = "memory"
)

// Backend selects and configures a store backend
type Backend struct {
	Type string
	// BoltPath is the data directory holding burrow.db
	BoltPath        string
	ActivationDelay time.Duration
	DynamoDB        DynamoConfig
}

// Open creates the configured backend, instrumented with store metrics
func Open(ctx context.Context, b Backend) (Store, error) {
	var (
		s   Store
		err error
	)
	switch b.Type {
	case BackendBolt, "":
		s, err = NewBoltStore(b.BoltPath, WithActivationDelay(b.ActivationDelay))
	case BackendMemory:
		s = NewMemStore(WithActivationDelay(b.ActivationDelay))
	case BackendDynamoDB:
		client, cerr := NewDynamoClient(ctx, b.DynamoDB)
		if cerr != nil {
			return nil, cerr
		}
		s = NewDynamoStore(client)
	default:
		return nil, errdefs.InvalidArgument("unknown backend type %q", b.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", b.Type, err)
	}
	return Instrument(s), nil
}

// Package storage publishes shared artifacts, such as stack compose files, to the
// location every cluster node deploys from.
package storage

import (
	"context"

	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/pkg/errors"
)

type Shared interface {
	// Publish stores data under key and returns the location it can be read from.
	Publish(ctx context.Context, key string, data []byte) (string, error)
	Fetch(ctx context.Context, key string) ([]byte, error)
}

func New(cfg model.SharedStorageConfig) (Shared, error) {
	switch cfg.Type {
	case "", "local":
		if cfg.Path == "" {
			return nil, errors.New("local shared storage needs a path")
		}
		return NewLocal(cfg.Path), nil
	case "s3":
		return NewS3(cfg)
	}
	return nil, errors.Errorf("unknown shared storage type '%s'", cfg.Type)
}

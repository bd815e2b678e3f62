package task

import (
	"context"
	"errors"
	"strings"
)

var ErrStoreNotFound = errors.New("task not found in store")

// Store persists task snapshots so conversation state survives restarts.
// A nil Store means in-memory only mode.
type Store interface {
	SaveTask(ctx context.Context, snap Snapshot) error
	GetTask(ctx context.Context, taskID string) (Snapshot, error)
	ListTasks(ctx context.Context, limit int) ([]Snapshot, error)
	Close() error
}

func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

package store

import (
	"context"
	"errors"
)

// ErrNoChange returned from an Update function aborts the write. No change
// event is published.
var ErrNoChange = errors.New("store: no change")

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("store: closed")

// ChangeEvent is published after every successful write of a collection,
// to every subscriber including the writer.
type ChangeEvent struct {
	Collection string `json:"collection"`
	Origin     string `json:"origin"`
	Old        []byte `json:"old"`
	New        []byte `json:"new"`
}

// UpdateFunc receives the current encoded collection (nil when absent) and
// returns the replacement.
type UpdateFunc func(current []byte) ([]byte, error)

// Backend is a key-addressed store of whole collections shared by every
// terminal. Update is an atomic read-modify-write of one collection.
type Backend interface {
	Load(ctx context.Context, collection string) ([]byte, error)
	Update(ctx context.Context, collection string, fn UpdateFunc) error
	// Subscribe delivers change events for collection until ctx is done.
	Subscribe(ctx context.Context, collection string) (<-chan ChangeEvent, error)
	Close() error
}

const subscriberBuffer = 64

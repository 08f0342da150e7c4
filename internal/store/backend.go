// Package store persists whole collections of records as single JSON documents.
//
// Every call reads or rewrites an entire collection. Collection serialises
// load-mutate-save cycles inside one process; writers in other processes
// sharing the same backend still race and the last save wins.
package store

import (
	"context"
	"fmt"
	"regexp"
)

// Backend reads and writes raw collection documents.
// Read returns nil, nil when the collection has never been written.
type Backend interface {
	Read(ctx context.Context, collection string) ([]byte, error)
	Write(ctx context.Context, collection string, document []byte) error
	Ping(ctx context.Context) error
}

var collectionName = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

func validateName(collection string) error {
	if !collectionName.MatchString(collection) {
		return fmt.Errorf("invalid collection name %q", collection)
	}
	return nil
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/medrex/appointments/pkg/logger"
	"github.com/medrex/appointments/pkg/types"
)

// Recorder receives store timings
type Recorder interface {
	RecordStoreOperation(operation, collection string, duration time.Duration)
}

// Collection is a typed view over one named document in a Backend.
// Update serialises read-modify-write cycles within this process.
type Collection[T any] struct {
	name     string
	backend  Backend
	mu       sync.Mutex
	recorder Recorder
	logger   *logger.Logger
}

// CollectionOption configures a Collection
type CollectionOption func(*collectionOptions)

type collectionOptions struct {
	recorder Recorder
	logger   *logger.Logger
}

// WithRecorder records load and save timings
func WithRecorder(r Recorder) CollectionOption {
	return func(o *collectionOptions) { o.recorder = r }
}

// WithLogger logs store operations
func WithLogger(l *logger.Logger) CollectionOption {
	return func(o *collectionOptions) { o.logger = l }
}

// NewCollection binds a collection name to a backend
func NewCollection[T any](backend Backend, name string, opts ...CollectionOption) (*Collection[T], error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	var o collectionOptions
	for _, opt := range opts {
		opt(&o)
	}

	return &Collection[T]{
		name:     name,
		backend:  backend,
		recorder: o.recorder,
		logger:   o.logger,
	}, nil
}

// Name returns the collection name
func (c *Collection[T]) Name() string {
	return c.name
}

// Load returns every record; a missing or empty document is an empty slice
func (c *Collection[T]) Load(ctx context.Context) ([]T, error) {
	start := time.Now()
	records, err := c.load(ctx)
	c.observe(ctx, "load", start, len(records), err)
	return records, err
}

// Save replaces the whole collection
func (c *Collection[T]) Save(ctx context.Context, records []T) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	err := c.save(ctx, records)
	c.observe(ctx, "save", start, len(records), err)
	return err
}

// Update loads the collection, applies fn and saves the result.
// Nothing is written when fn returns an error.
func (c *Collection[T]) Update(ctx context.Context, fn func([]T) ([]T, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	records, err := c.load(ctx)
	c.observe(ctx, "load", start, len(records), err)
	if err != nil {
		return err
	}

	updated, err := fn(records)
	if err != nil {
		return err
	}

	start = time.Now()
	err = c.save(ctx, updated)
	c.observe(ctx, "save", start, len(updated), err)
	return err
}

func (c *Collection[T]) load(ctx context.Context) ([]T, error) {
	data, err := c.backend.Read(ctx, c.name)
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeStoreFailure, "failed to load "+c.name, err)
	}

	records := []T{}
	if len(data) == 0 {
		return records, nil
	}

	if err := json.Unmarshal(data, &records); err != nil {
		return nil, types.NewInternalError(types.ErrCodeStoreFailure,
			fmt.Sprintf("collection %s is not a JSON array", c.name), err)
	}
	if records == nil {
		records = []T{}
	}
	return records, nil
}

func (c *Collection[T]) save(ctx context.Context, records []T) error {
	if records == nil {
		records = []T{}
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return types.NewInternalError(types.ErrCodeStoreFailure, "failed to encode "+c.name, err)
	}

	if err := c.backend.Write(ctx, c.name, data); err != nil {
		return types.NewInternalError(types.ErrCodeStoreFailure, "failed to save "+c.name, err)
	}
	return nil
}

func (c *Collection[T]) observe(ctx context.Context, op string, start time.Time, records int, err error) {
	elapsed := time.Since(start)
	if c.recorder != nil {
		c.recorder.RecordStoreOperation(op, c.name, elapsed)
	}
	if c.logger != nil {
		c.logger.StoreOperation(ctx, op, c.name, elapsed.Milliseconds(), records, err == nil)
	}
}

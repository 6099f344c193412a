// Package parallel provides the collective broadcast shared by cooperating
// processes.
//
// Every rank must issue the same broadcasts in the same order. A broadcast
// issued on one rank but not on another blocks until its context is done.
package parallel

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
)

// Coordinator is a collective broadcast capability.
type Coordinator interface {
	// Rank is this process's index in [0, Size()).
	Rank() int

	// Size is the number of cooperating processes.
	Size() int

	// Broadcast sends data from root to every rank and returns root's data on
	// all of them. Non-root ranks ignore their data argument.
	Broadcast(ctx context.Context, data []byte, root int) ([]byte, error)
}

// Local is the single-process coordinator. Broadcast is the identity.
type Local struct{}

func (Local) Rank() int { return 0 }
func (Local) Size() int { return 1 }

func (Local) Broadcast(_ context.Context, data []byte, root int) ([]byte, error) {
	if root != 0 {
		return nil, fmt.Errorf("broadcast root %d out of range for 1 rank", root)
	}
	return data, nil
}

// Bcast broadcasts v from root and returns root's value on every rank.
// With a single rank it returns v without encoding it.
func Bcast[T any](ctx context.Context, c Coordinator, v T, root int) (T, error) {
	var zero T
	if c.Size() <= 1 {
		if root != 0 {
			return zero, fmt.Errorf("broadcast root %d out of range for 1 rank", root)
		}
		return v, nil
	}

	var payload []byte
	if c.Rank() == root {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
			return zero, fmt.Errorf("failed to encode broadcast payload: %w", err)
		}
		payload = buf.Bytes()
	}

	out, err := c.Broadcast(ctx, payload, root)
	if err != nil {
		return zero, err
	}
	if c.Rank() == root {
		return v, nil
	}

	var res T
	if err := gob.NewDecoder(bytes.NewReader(out)).Decode(&res); err != nil {
		return zero, fmt.Errorf("failed to decode broadcast payload: %w", err)
	}
	return res, nil
}

type coordinatorKey struct{}

// WithCoordinator returns a context carrying c, so that objective functions
// can share the work of a single evaluation across ranks.
func WithCoordinator(ctx context.Context, c Coordinator) context.Context {
	return context.WithValue(ctx, coordinatorKey{}, c)
}

// FromContext returns the coordinator carried by ctx, or Local.
func FromContext(ctx context.Context) Coordinator {
	if c, ok := ctx.Value(coordinatorKey{}).(Coordinator); ok {
		return c
	}
	return Local{}
}

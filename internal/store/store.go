package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/EddyLabs/eddy/config"
	"github.com/EddyLabs/eddy/models"
)

var (
	// ErrNotFound is returned when a resource has never been written.
	ErrNotFound = errors.New("resource not found")

	// ErrConflict is returned when a write's expected revision does not match
	// the committed revision. Never retried here; the caller owns the merge
	// decision.
	ErrConflict = errors.New("revision conflict")

	// ErrUnavailable wraps transient store failures. The gateway retries
	// these with bounded backoff before surfacing them.
	ErrUnavailable = errors.New("store unavailable")

	// ErrFeedClosed is returned by ChangeFeed.Next after Close.
	ErrFeedClosed = errors.New("change feed closed")
)

func IsNotFound(err error) bool    { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool    { return errors.Is(err, ErrConflict) }
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

type WriteOptions struct {
	// ExpectedRevision, when non-zero, makes the write conditional on the
	// resource currently being at exactly that revision.
	ExpectedRevision int64
}

// Cursor marks a position in the changelog. Seq is used by the local
// backend, ID by the mongo backend. The zero Cursor means "from now".
type Cursor struct {
	Seq int64
	ID  string
}

func (c Cursor) IsZero() bool { return c.Seq == 0 && c.ID == "" }

// ChangeFeed is a tail over the store's changelog. Next blocks until an
// event is available, the context ends, or the feed is closed.
type ChangeFeed interface {
	Next(ctx context.Context) (models.ChangeEvent, error)
	Cursor() Cursor
	Close() error
}

// Backend is a single connection to a concrete store engine. Backends do
// not retry; that is the gateway's job.
type Backend interface {
	Read(ctx context.Context, resource string) (models.Document, error)
	Write(ctx context.Context, resource string, payload json.RawMessage, opts WriteOptions) (int64, error)
	Changes(ctx context.Context, from Cursor) (ChangeFeed, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

/*
	Gateway is the only path through which the services touch the store.
	All mutation goes through Write, all observation through Read and
	Changes. Transient failures are retried with bounded exponential
	backoff; conflicts and not-found results pass straight through.
*/

type Gateway struct {
	backend  Backend
	logger   *slog.Logger
	attempts int
	backoff  time.Duration
}

func NewGateway(logger *slog.Logger, backend Backend, retry config.Retry) *Gateway {
	attempts := retry.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := retry.Backoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	return &Gateway{
		backend:  backend,
		logger:   logger.WithGroup("gateway"),
		attempts: attempts,
		backoff:  backoff,
	}
}

func (g *Gateway) Read(ctx context.Context, resource string) (models.Document, error) {
	var doc models.Document
	err := g.withRetries(ctx, "read", resource, func() error {
		var err error
		doc, err = g.backend.Read(ctx, resource)
		return err
	})
	return doc, err
}

// Write commits a payload and returns the new revision. The backend's
// changelog append is the publish step: once Write returns, the change is
// observable by any feed tailing the store.
func (g *Gateway) Write(ctx context.Context, resource string, payload json.RawMessage, opts WriteOptions) (int64, error) {
	var revision int64
	err := g.withRetries(ctx, "write", resource, func() error {
		var err error
		revision, err = g.backend.Write(ctx, resource, payload, opts)
		return err
	})
	return revision, err
}

func (g *Gateway) Changes(ctx context.Context, from Cursor) (ChangeFeed, error) {
	return g.backend.Changes(ctx, from)
}

func (g *Gateway) Ping(ctx context.Context) error {
	return g.backend.Ping(ctx)
}

func (g *Gateway) Close(ctx context.Context) error {
	return g.backend.Close(ctx)
}

// withRetries runs fn up to g.attempts times, sleeping an exponentially
// growing, jittered interval between tries. Only ErrUnavailable is retried.
func (g *Gateway) withRetries(ctx context.Context, op, resource string, fn func() error) error {
	var lastErr error
	delay := g.backoff
	for attempt := 1; attempt <= g.attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrUnavailable) {
			return lastErr
		}
		if attempt == g.attempts {
			break
		}

		sleep := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		g.logger.Warn("store unavailable, backing off",
			"op", op, "resource", resource, "attempt", attempt, "sleep", sleep, "error", lastErr)

		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return fmt.Errorf("%s %s cancelled during backoff: %w", op, resource, ctx.Err())
		}
		delay *= 2
	}
	return fmt.Errorf("%s %s failed after %d attempts: %w", op, resource, g.attempts, lastErr)
}

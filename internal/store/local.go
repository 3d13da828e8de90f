package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/EddyLabs/eddy/models"
	"github.com/dgraph-io/badger/v3"
)

const (
	localDocPrefix    = "doc:"
	localChangePrefix = "chg:"
)

/*
	Local is a badger-backed Backend for single-process development and
	tests. It honors the same contract as the mongo backend: revisions
	increase per resource and every committed write lands in the changelog
	before Write returns. Feeds are woken in-process instead of polling.
*/

type Local struct {
	logger *slog.Logger
	db     *badger.DB

	mu      sync.Mutex // serializes writes so revision + changelog stay consistent
	lastSeq int64

	wakeMu sync.Mutex
	wake   chan struct{} // closed and replaced on every commit
}

type LocalConfig struct {
	Logger    *slog.Logger
	Directory string
}

func NewLocal(cfg LocalConfig) (*Local, error) {
	if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
		return nil, fmt.Errorf("could not create store directory: %w", err)
	}

	opts := badger.DefaultOptions(cfg.Directory).
		WithLogger(newBadgerLogger(cfg.Logger.WithGroup("badger"))).
		WithLoggingLevel(badger.WARNING).
		WithMemTableSize(16 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("could not open local store: %w", err)
	}

	l := &Local{
		logger: cfg.Logger.WithGroup("local-store"),
		db:     db,
		wake:   make(chan struct{}),
	}

	if err := l.recoverLastSeq(); err != nil {
		db.Close()
		return nil, err
	}

	return l, nil
}

func (l *Local) recoverLastSeq() error {
	return l.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.Reverse = true
		itOpts.PrefetchValues = false
		it := txn.NewIterator(itOpts)
		defer it.Close()

		// Seek just past the change prefix; the first key in reverse order
		// under the prefix is the newest entry.
		it.Seek([]byte(localChangePrefix + "~"))
		if it.ValidForPrefix([]byte(localChangePrefix)) {
			var seq int64
			if _, err := fmt.Sscanf(string(it.Item().Key()), localChangePrefix+"%020d", &seq); err != nil {
				return fmt.Errorf("corrupt changelog key %q: %w", it.Item().Key(), err)
			}
			l.lastSeq = seq
		}
		return nil
	})
}

func changeKey(seq int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", localChangePrefix, seq))
}

func (l *Local) Read(_ context.Context, resource string) (models.Document, error) {
	var doc models.Document
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(localDocPrefix + resource))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, resource)
			}
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return json.Unmarshal(raw, &doc)
	})
	if err != nil {
		return models.Document{}, err
	}
	return doc, nil
}

func (l *Local) Write(_ context.Context, resource string, payload json.RawMessage, opts WriteOptions) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var revision int64
	now := time.Now().UTC()

	err := l.db.Update(func(txn *badger.Txn) error {
		var current models.Document
		item, err := txn.Get([]byte(localDocPrefix + resource))
		switch {
		case err == nil:
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			if err := json.Unmarshal(raw, &current); err != nil {
				return fmt.Errorf("corrupt document %q: %w", resource, err)
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			// first write for this resource
		default:
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		if opts.ExpectedRevision != 0 && opts.ExpectedRevision != current.Revision {
			return fmt.Errorf("%w: %s expected %d, have %d",
				ErrConflict, resource, opts.ExpectedRevision, current.Revision)
		}

		revision = current.Revision + 1
		doc := models.Document{
			Resource:  resource,
			Revision:  revision,
			Payload:   payload,
			UpdatedAt: now,
		}
		docRaw, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(localDocPrefix+resource), docRaw); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		ev := models.ChangeEvent{
			Resource: resource,
			Revision: revision,
			Payload:  payload,
			At:       now,
		}
		evRaw, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if err := txn.Set(changeKey(l.lastSeq+1), evRaw); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	l.lastSeq++
	l.broadcast()
	return revision, nil
}

// broadcast wakes every feed blocked in Next.
func (l *Local) broadcast() {
	l.wakeMu.Lock()
	close(l.wake)
	l.wake = make(chan struct{})
	l.wakeMu.Unlock()
}

func (l *Local) wakeChan() <-chan struct{} {
	l.wakeMu.Lock()
	defer l.wakeMu.Unlock()
	return l.wake
}

func (l *Local) Ping(_ context.Context) error {
	if l.db.IsClosed() {
		return fmt.Errorf("%w: store closed", ErrUnavailable)
	}
	return nil
}

func (l *Local) Close(_ context.Context) error {
	return l.db.Close()
}

func (l *Local) Changes(_ context.Context, from Cursor) (ChangeFeed, error) {
	start := from.Seq
	if from.IsZero() {
		// Zero cursor means "from now": skip history.
		l.mu.Lock()
		start = l.lastSeq
		l.mu.Unlock()
	}
	return &localFeed{local: l, seq: start, done: make(chan struct{})}, nil
}

type localFeed struct {
	local *Local
	seq   int64

	closeOnce sync.Once
	done      chan struct{}
}

func (f *localFeed) Next(ctx context.Context) (models.ChangeEvent, error) {
	for {
		// Arm the wakeup before scanning so a write landing between the
		// scan and the wait is not missed.
		wake := f.local.wakeChan()

		ev, ok, err := f.scan()
		if err != nil {
			return models.ChangeEvent{}, err
		}
		if ok {
			return ev, nil
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return models.ChangeEvent{}, ctx.Err()
		case <-f.done:
			return models.ChangeEvent{}, ErrFeedClosed
		}
	}
}

func (f *localFeed) scan() (models.ChangeEvent, bool, error) {
	var ev models.ChangeEvent
	found := false
	err := f.local.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		it.Seek(changeKey(f.seq + 1))
		if !it.ValidForPrefix([]byte(localChangePrefix)) {
			return nil
		}
		raw, err := it.Item().ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if err := json.Unmarshal(raw, &ev); err != nil {
			return fmt.Errorf("corrupt changelog entry %q: %w", it.Item().Key(), err)
		}
		found = true
		return nil
	})
	if err != nil {
		return models.ChangeEvent{}, false, err
	}
	if found {
		f.seq++
	}
	return ev, found, nil
}

func (f *localFeed) Cursor() Cursor {
	return Cursor{Seq: f.seq}
}

func (f *localFeed) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

// Package txn couples a metadata transaction with best-effort undo actions
// for blob-tier side effects that have no transaction of their own.
//
// Callers must apply blob mutations before the matching metadata mutation
// and register an undo for each one. A metadata failure can then always be
// compensated, and a blob failure never has a metadata write to undo.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Vanuan/photo-management-sub002/internal/metadata"
)

// DefaultUndoTimeout bounds each undo action.
const DefaultUndoTimeout = 30 * time.Second

// ErrFinished is returned when a Tx is used after Commit or Rollback.
var ErrFinished = errors.New("transaction already finished")

// UndoFunc reverses one blob-tier side effect.
type UndoFunc func(ctx context.Context) error

type undoAction struct {
	name string
	fn   UndoFunc
}

// Tx is a compensation-tracking transaction. It is not safe for concurrent
// use and must not be shared between logical operations.
//
// The metadata transaction is opened on the first call to Meta, so blob
// writes registered before it do not hold the database write lock.
type Tx struct {
	store       metadata.Store
	meta        metadata.Tx
	undo        []undoAction
	done        bool
	logger      *slog.Logger
	undoTimeout time.Duration
	onUndo      func(name string, err error)
}

// Option configures a Tx.
type Option func(*Tx)

// WithUndoTimeout overrides DefaultUndoTimeout.
func WithUndoTimeout(d time.Duration) Option {
	return func(t *Tx) {
		if d > 0 {
			t.undoTimeout = d
		}
	}
}

// WithUndoObserver registers fn to be called after every undo attempt with
// the action's name and its result.
func WithUndoObserver(fn func(name string, err error)) Option {
	return func(t *Tx) {
		t.onUndo = fn
	}
}

// Begin starts a compensation transaction against store.
func Begin(store metadata.Store, logger *slog.Logger, opts ...Option) *Tx {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tx{
		store:       store,
		logger:      logger,
		undoTimeout: DefaultUndoTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Meta returns the metadata transaction, opening it on first use.
func (t *Tx) Meta(ctx context.Context) (metadata.Tx, error) {
	if t.done {
		return nil, ErrFinished
	}
	if t.meta == nil {
		mtx, err := t.store.Begin(ctx)
		if err != nil {
			return nil, err
		}
		t.meta = mtx
	}
	return t.meta, nil
}

// RecordUndo appends an undo action. Actions run in reverse registration
// order on rollback and are discarded on commit. They are never persisted.
func (t *Tx) RecordUndo(name string, fn UndoFunc) {
	if t.done {
		t.logger.Warn("undo recorded on finished transaction", "action", name)
		return
	}
	t.undo = append(t.undo, undoAction{name: name, fn: fn})
}

// Commit commits the metadata transaction and discards the undo list. If
// the commit itself fails nothing was persisted, so the undo actions run
// before the error is returned.
func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return ErrFinished
	}
	t.done = true
	if t.meta != nil {
		if err := t.meta.Commit(); err != nil {
			t.runUndo(ctx)
			return fmt.Errorf("commit: %w", err)
		}
	}
	t.undo = nil
	return nil
}

// Rollback rolls back the metadata transaction, then runs every undo action
// in reverse order. Undo failures are logged and reported to the observer,
// never returned: the residual orphan is left for the reconciler. The
// returned error only reflects the metadata rollback. Rollback after Commit
// is a no-op, so it is safe to defer.
func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	var err error
	if t.meta != nil {
		if err = t.meta.Rollback(); err != nil {
			t.logger.Warn("metadata rollback failed", "error", err)
		}
	}
	t.runUndo(ctx)
	return err
}

// runUndo executes the undo list newest first. Undo runs detached from the
// caller's cancellation, since the caller is usually failing because its
// context expired.
func (t *Tx) runUndo(ctx context.Context) {
	base := context.WithoutCancel(ctx)
	for i := len(t.undo) - 1; i >= 0; i-- {
		action := t.undo[i]
		uctx, cancel := context.WithTimeout(base, t.undoTimeout)
		err := action.fn(uctx)
		cancel()
		if err != nil {
			t.logger.Warn("undo action failed, leaving orphan for reconciliation",
				"action", action.name, "error", err)
		} else {
			t.logger.Debug("undo action applied", "action", action.name)
		}
		if t.onUndo != nil {
			t.onUndo(action.name, err)
		}
	}
	t.undo = nil
}

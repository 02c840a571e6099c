// Package safewrite is the write path every mutation goes through.
//
// A safe write is: allocate or guard the ID, apply the mutation inside
// the store's transactional insert, read the record back and compare the
// fields that were written, then request a background checkpoint. Each
// stage can be skipped per call, but the defaults run all of them.
package safewrite

import (
	"context"
	"errors"
	"fmt"

	"github.com/leonletto/keel/internal/checkpoint"
	"github.com/leonletto/keel/internal/guard"
	"github.com/leonletto/keel/internal/safeerr"
	"github.com/leonletto/keel/internal/sequence"
	"github.com/leonletto/keel/internal/store"
)

// Options tunes a single safe write. The zero value runs the full
// pipeline.
type Options struct {
	SkipChecks     bool // skip the advisory collision pre-check
	SkipVerify     bool // skip the read-back comparison
	SkipCheckpoint bool // skip the post-write checkpoint request
}

// Pipeline wires the safety stages around the store.
type Pipeline struct {
	store       *store.Store
	seq         *sequence.Authority
	guard       *guard.Guard
	checkpoints *checkpoint.Service

	strict         bool
	verifyWrites   bool
	autoCheckpoint bool
}

// New creates a safe-write pipeline. checkpoints may be nil, in which
// case no snapshots are requested.
func New(s *store.Store, seq *sequence.Authority, g *guard.Guard, ckpt *checkpoint.Service, strict, verifyWrites, autoCheckpoint bool) *Pipeline {
	return &Pipeline{
		store:          s,
		seq:            seq,
		guard:          g,
		checkpoints:    ckpt,
		strict:         strict,
		verifyWrites:   verifyWrites,
		autoCheckpoint: autoCheckpoint,
	}
}

// CreateTask creates a task through the full pipeline. A task with an
// empty ID gets the next sequence ID; an explicit ID is collision-checked
// first. The returned task is the verified read-back.
func (p *Pipeline) CreateTask(ctx context.Context, task *store.Task, opts Options) (*store.Task, error) {
	if task.ID == "" {
		id, err := p.seq.Allocate(ctx, store.NamespaceTask)
		if err != nil {
			return nil, fmt.Errorf("create task: %w", err)
		}
		task.ID = id
	} else if !opts.SkipChecks {
		if err := p.guard.Ensure(ctx, store.NamespaceTask, task.ID, p.strict); err != nil {
			return nil, err
		}
	}

	if err := p.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	if p.skipVerify(opts) {
		p.requestCheckpoint(opts, "create task "+task.ID)
		return task, nil
	}

	got, err := p.store.GetTask(ctx, task.ID, false)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &safeerr.VerificationError{Namespace: string(store.NamespaceTask), ID: task.ID, Missing: true}
		}
		return nil, fmt.Errorf("verify task %s: %w", task.ID, err)
	}
	if mismatches := diffTask(task, got); len(mismatches) > 0 {
		return nil, &safeerr.VerificationError{Namespace: string(store.NamespaceTask), ID: task.ID, Mismatches: mismatches}
	}

	p.requestCheckpoint(opts, "create task "+task.ID)
	return got, nil
}

// UpdateTask patches a task and verifies exactly the patched fields.
// With verification skipped there is no read-back at all and the
// returned task is nil.
func (p *Pipeline) UpdateTask(ctx context.Context, id string, patch store.TaskPatch, opts Options) (*store.Task, error) {
	if err := p.store.UpdateTask(ctx, id, patch); err != nil {
		return nil, err
	}

	if p.skipVerify(opts) {
		p.requestCheckpoint(opts, "update task "+id)
		return nil, nil
	}

	got, err := p.store.GetTask(ctx, id, false)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &safeerr.VerificationError{Namespace: string(store.NamespaceTask), ID: id, Missing: true}
		}
		return nil, fmt.Errorf("verify task %s: %w", id, err)
	}
	if mismatches := diffTaskPatch(patch, got); len(mismatches) > 0 {
		return nil, &safeerr.VerificationError{Namespace: string(store.NamespaceTask), ID: id, Mismatches: mismatches}
	}

	p.requestCheckpoint(opts, "update task "+id)
	return got, nil
}

// DeleteTask archives a task and verifies it is gone from the live set.
// Deleting a record that is already absent or archived succeeds: the
// desired end state holds.
func (p *Pipeline) DeleteTask(ctx context.Context, id string, opts Options) error {
	err := p.store.ArchiveTask(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if !p.skipVerify(opts) {
		_, err := p.store.GetTask(ctx, id, false)
		if err == nil {
			return &safeerr.VerificationError{
				Namespace:  string(store.NamespaceTask),
				ID:         id,
				Mismatches: []safeerr.FieldMismatch{{Field: "archived", Expected: "true", Actual: "false"}},
			}
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("verify task %s deletion: %w", id, err)
		}
	}

	p.requestCheckpoint(opts, "delete task "+id)
	return nil
}

// CreateSession creates a session through the full pipeline.
func (p *Pipeline) CreateSession(ctx context.Context, session *store.Session, opts Options) (*store.Session, error) {
	if session.ID == "" {
		id, err := p.seq.Allocate(ctx, store.NamespaceSession)
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		session.ID = id
	} else if !opts.SkipChecks {
		if err := p.guard.Ensure(ctx, store.NamespaceSession, session.ID, p.strict); err != nil {
			return nil, err
		}
	}

	if err := p.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	if p.skipVerify(opts) {
		p.requestCheckpoint(opts, "create session "+session.ID)
		return session, nil
	}

	got, err := p.store.GetSession(ctx, session.ID, false)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &safeerr.VerificationError{Namespace: string(store.NamespaceSession), ID: session.ID, Missing: true}
		}
		return nil, fmt.Errorf("verify session %s: %w", session.ID, err)
	}
	if mismatches := diffSession(session, got); len(mismatches) > 0 {
		return nil, &safeerr.VerificationError{Namespace: string(store.NamespaceSession), ID: session.ID, Mismatches: mismatches}
	}

	p.requestCheckpoint(opts, "create session "+session.ID)
	return got, nil
}

// UpdateSession patches a session and verifies the patched fields.
// With verification skipped the read-back is skipped too and the
// returned session is nil.
func (p *Pipeline) UpdateSession(ctx context.Context, id string, patch store.SessionPatch, opts Options) (*store.Session, error) {
	if err := p.store.UpdateSession(ctx, id, patch); err != nil {
		return nil, err
	}

	if p.skipVerify(opts) {
		p.requestCheckpoint(opts, "update session "+id)
		return nil, nil
	}

	got, err := p.store.GetSession(ctx, id, false)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &safeerr.VerificationError{Namespace: string(store.NamespaceSession), ID: id, Missing: true}
		}
		return nil, fmt.Errorf("verify session %s: %w", id, err)
	}
	if mismatches := diffSessionPatch(patch, got); len(mismatches) > 0 {
		return nil, &safeerr.VerificationError{Namespace: string(store.NamespaceSession), ID: id, Mismatches: mismatches}
	}

	p.requestCheckpoint(opts, "update session "+id)
	return got, nil
}

// DeleteSession archives a session; already-absent records succeed.
func (p *Pipeline) DeleteSession(ctx context.Context, id string, opts Options) error {
	err := p.store.ArchiveSession(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if !p.skipVerify(opts) {
		_, err := p.store.GetSession(ctx, id, false)
		if err == nil {
			return &safeerr.VerificationError{
				Namespace:  string(store.NamespaceSession),
				ID:         id,
				Mismatches: []safeerr.FieldMismatch{{Field: "archived", Expected: "true", Actual: "false"}},
			}
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("verify session %s deletion: %w", id, err)
		}
	}

	p.requestCheckpoint(opts, "delete session "+id)
	return nil
}

// Wait blocks until background checkpoints requested by this pipeline
// have finished. Used at process shutdown.
func (p *Pipeline) Wait() {
	if p.checkpoints != nil {
		p.checkpoints.Wait()
	}
}

func (p *Pipeline) skipVerify(opts Options) bool {
	return opts.SkipVerify || !p.verifyWrites
}

// requestCheckpoint fires a background snapshot after a verified write.
// Checkpoint failures never reach the writer.
func (p *Pipeline) requestCheckpoint(opts Options, opContext string) {
	if opts.SkipCheckpoint || !p.autoCheckpoint || p.checkpoints == nil {
		return
	}
	p.checkpoints.CheckpointAsync(opContext)
}

// diffTask compares the fields the caller set against the read-back.
// Timestamps are excluded: the store owns them.
func diffTask(want, got *store.Task) []safeerr.FieldMismatch {
	var m []safeerr.FieldMismatch
	m = appendMismatch(m, "title", want.Title, got.Title)
	m = appendMismatch(m, "status", string(want.Status), string(got.Status))
	m = appendMismatch(m, "priority", want.Priority, got.Priority)
	m = appendMismatch(m, "assignee", want.Assignee, got.Assignee)
	m = appendMismatch(m, "description", want.Description, got.Description)
	return m
}

// diffTaskPatch compares only the non-nil patch fields.
func diffTaskPatch(patch store.TaskPatch, got *store.Task) []safeerr.FieldMismatch {
	var m []safeerr.FieldMismatch
	if patch.Title != nil {
		m = appendMismatch(m, "title", *patch.Title, got.Title)
	}
	if patch.Status != nil {
		m = appendMismatch(m, "status", string(*patch.Status), string(got.Status))
	}
	if patch.Priority != nil {
		m = appendMismatch(m, "priority", *patch.Priority, got.Priority)
	}
	if patch.Assignee != nil {
		m = appendMismatch(m, "assignee", *patch.Assignee, got.Assignee)
	}
	if patch.Description != nil {
		m = appendMismatch(m, "description", *patch.Description, got.Description)
	}
	return m
}

func diffSession(want, got *store.Session) []safeerr.FieldMismatch {
	var m []safeerr.FieldMismatch
	m = appendMismatch(m, "agent", want.Agent, got.Agent)
	m = appendMismatch(m, "status", string(want.Status), string(got.Status))
	m = appendMismatch(m, "task_id", want.TaskID, got.TaskID)
	m = appendMismatch(m, "notes", want.Notes, got.Notes)
	return m
}

func diffSessionPatch(patch store.SessionPatch, got *store.Session) []safeerr.FieldMismatch {
	var m []safeerr.FieldMismatch
	if patch.Agent != nil {
		m = appendMismatch(m, "agent", *patch.Agent, got.Agent)
	}
	if patch.Status != nil {
		m = appendMismatch(m, "status", string(*patch.Status), string(got.Status))
	}
	if patch.TaskID != nil {
		m = appendMismatch(m, "task_id", *patch.TaskID, got.TaskID)
	}
	if patch.Notes != nil {
		m = appendMismatch(m, "notes", *patch.Notes, got.Notes)
	}
	return m
}

func appendMismatch(m []safeerr.FieldMismatch, field, expected, actual string) []safeerr.FieldMismatch {
	if expected == actual {
		return m
	}
	return append(m, safeerr.FieldMismatch{Field: field, Expected: expected, Actual: actual})
}

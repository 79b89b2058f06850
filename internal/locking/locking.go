// Package locking grants and releases the persistent per-target merge lock.
// The lock is a row state, not an in-process primitive: an operation in
// validating or merging holds its target ref until it reaches a terminal
// status, across process restarts.
package locking

import (
	"context"
	"fmt"

	"meridian/api/internal/store"
)

// Contention reasons.
const (
	ReasonTargetBusy   = "target_busy"
	ReasonQueuedBehind = "queued_behind"
)

// ContentionError reports why an acquisition attempt did not get the lock.
// BlockedBy names the operation that holds the lock or is queued ahead.
type ContentionError struct {
	Reason    string
	TargetRef string
	BlockedBy string
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("lock on %s not acquired (%s, blocked by %s)", e.TargetRef, e.Reason, e.BlockedBy)
}

type dataStore interface {
	GetConvergenceOperation(ctx context.Context, operationID string) (store.ConvergenceOperation, error)
	AcquireConvergenceLock(ctx context.Context, operationID string) (bool, error)
	ActiveOperation(ctx context.Context, targetRef string) (*store.ConvergenceOperation, error)
	EarliestPendingOperation(ctx context.Context, targetRef string) (*store.ConvergenceOperation, error)
	MarkOperationMerging(ctx context.Context, operationID string) (bool, error)
	CompleteOperation(ctx context.Context, operationID, status, reason string) (bool, error)
}

type Service struct {
	store dataStore
}

func NewService(dataStore dataStore) *Service {
	return &Service{store: dataStore}
}

// Acquire attempts to take the target-ref lock for a pending operation. The
// store performs the flip atomically; this method only classifies failure.
// First-wins: an older pending operation on the same target always acquires
// before a younger one, with the operation id breaking created_at ties.
func (s *Service) Acquire(ctx context.Context, operationID string) (store.ConvergenceOperation, error) {
	op, err := s.store.GetConvergenceOperation(ctx, operationID)
	if err != nil {
		return store.ConvergenceOperation{}, fmt.Errorf("load operation: %w", err)
	}
	if op.Status != store.OpPending {
		return store.ConvergenceOperation{}, fmt.Errorf("operation %s is %s, not pending", op.ID, op.Status)
	}

	acquired, err := s.store.AcquireConvergenceLock(ctx, operationID)
	if err != nil {
		return store.ConvergenceOperation{}, fmt.Errorf("acquire lock: %w", err)
	}
	if acquired {
		updated, err := s.store.GetConvergenceOperation(ctx, operationID)
		if err != nil {
			return store.ConvergenceOperation{}, fmt.Errorf("reload operation: %w", err)
		}
		return updated, nil
	}

	active, err := s.store.ActiveOperation(ctx, op.TargetRef)
	if err != nil {
		return store.ConvergenceOperation{}, fmt.Errorf("inspect active operation: %w", err)
	}
	if active != nil {
		return store.ConvergenceOperation{}, &ContentionError{
			Reason:    ReasonTargetBusy,
			TargetRef: op.TargetRef,
			BlockedBy: active.ID,
		}
	}

	earliest, err := s.store.EarliestPendingOperation(ctx, op.TargetRef)
	if err != nil {
		return store.ConvergenceOperation{}, fmt.Errorf("inspect pending queue: %w", err)
	}
	if earliest != nil && earliest.ID != op.ID {
		return store.ConvergenceOperation{}, &ContentionError{
			Reason:    ReasonQueuedBehind,
			TargetRef: op.TargetRef,
			BlockedBy: earliest.ID,
		}
	}

	return store.ConvergenceOperation{}, fmt.Errorf("operation %s left pending state during acquisition", op.ID)
}

// TransitionToMerging moves a lock-holding operation from validating to
// merging. The lock stays held.
func (s *Service) TransitionToMerging(ctx context.Context, operationID string) error {
	ok, err := s.store.MarkOperationMerging(ctx, operationID)
	if err != nil {
		return fmt.Errorf("mark merging: %w", err)
	}
	if !ok {
		return fmt.Errorf("operation %s is not validating", operationID)
	}
	return nil
}

// Release moves a lock-holding operation to a terminal status, releasing the
// target ref for the next pending operation.
func (s *Service) Release(ctx context.Context, operationID, status, reason string) error {
	switch status {
	case store.OpSucceeded, store.OpFailed, store.OpRolledBack:
	default:
		return fmt.Errorf("status %s is not terminal", status)
	}
	ok, err := s.store.CompleteOperation(ctx, operationID, status, reason)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("operation %s does not hold a lock", operationID)
	}
	return nil
}

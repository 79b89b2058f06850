package locking

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"meridian/api/internal/store"
)

// memStore reproduces the acquisition semantics of the SQL store in memory:
// one conditional flip guarded by exclusivity and first-wins ordering.
type memStore struct {
	mu  sync.Mutex
	ops map[string]*store.ConvergenceOperation
}

func newMemStore(ops ...store.ConvergenceOperation) *memStore {
	m := &memStore{ops: make(map[string]*store.ConvergenceOperation)}
	for i := range ops {
		op := ops[i]
		m.ops[op.ID] = &op
	}
	return m
}

func (m *memStore) GetConvergenceOperation(_ context.Context, operationID string) (store.ConvergenceOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[operationID]
	if !ok {
		return store.ConvergenceOperation{}, errors.New("operation not found")
	}
	return *op, nil
}

func (m *memStore) AcquireConvergenceLock(_ context.Context, operationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[operationID]
	if !ok || op.Status != store.OpPending {
		return false, nil
	}
	for _, other := range m.ops {
		if other.ID == op.ID || other.TargetRef != op.TargetRef {
			continue
		}
		if other.Status == store.OpValidating || other.Status == store.OpMerging {
			return false, nil
		}
		if other.Status == store.OpPending && olderThan(other, op) {
			return false, nil
		}
	}
	op.Status = store.OpValidating
	now := time.Now()
	op.StartedAt = &now
	return true, nil
}

func olderThan(a, b *store.ConvergenceOperation) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (m *memStore) ActiveOperation(_ context.Context, targetRef string) (*store.ConvergenceOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range m.ops {
		if op.TargetRef == targetRef && (op.Status == store.OpValidating || op.Status == store.OpMerging) {
			clone := *op
			return &clone, nil
		}
	}
	return nil, nil
}

func (m *memStore) EarliestPendingOperation(_ context.Context, targetRef string) (*store.ConvergenceOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []*store.ConvergenceOperation
	for _, op := range m.ops {
		if op.TargetRef == targetRef && op.Status == store.OpPending {
			pending = append(pending, op)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}
	sort.Slice(pending, func(i, j int) bool { return olderThan(pending[i], pending[j]) })
	clone := *pending[0]
	return &clone, nil
}

func (m *memStore) MarkOperationMerging(_ context.Context, operationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[operationID]
	if !ok || op.Status != store.OpValidating {
		return false, nil
	}
	op.Status = store.OpMerging
	return true, nil
}

func (m *memStore) CompleteOperation(_ context.Context, operationID, status, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[operationID]
	if !ok || (op.Status != store.OpValidating && op.Status != store.OpMerging) {
		return false, nil
	}
	op.Status = status
	op.FailureReason = reason
	now := time.Now()
	op.CompletedAt = &now
	return true, nil
}

func op(id, target, status string, createdAt time.Time) store.ConvergenceOperation {
	return store.ConvergenceOperation{
		ID:        id,
		BranchID:  "branch-" + id,
		Status:    status,
		TargetRef: target,
		CreatedAt: createdAt,
	}
}

func TestAcquireGrantsLockToSoleOperation(t *testing.T) {
	ms := newMemStore(op("op-1", "main", store.OpPending, time.Now()))
	svc := NewService(ms)

	acquired, err := svc.Acquire(context.Background(), "op-1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if acquired.Status != store.OpValidating {
		t.Fatalf("status = %s, want validating", acquired.Status)
	}
	if acquired.StartedAt == nil {
		t.Fatal("expected started_at to be stamped")
	}
}

func TestAcquireBlockedByActiveHolder(t *testing.T) {
	base := time.Now()
	ms := newMemStore(
		op("op-1", "main", store.OpMerging, base),
		op("op-2", "main", store.OpPending, base.Add(time.Second)),
	)
	svc := NewService(ms)

	_, err := svc.Acquire(context.Background(), "op-2")
	var contention *ContentionError
	if !errors.As(err, &contention) {
		t.Fatalf("Acquire() error = %v, want ContentionError", err)
	}
	if contention.Reason != ReasonTargetBusy {
		t.Fatalf("reason = %s, want %s", contention.Reason, ReasonTargetBusy)
	}
	if contention.BlockedBy != "op-1" {
		t.Fatalf("blocked by %s, want op-1", contention.BlockedBy)
	}
}

func TestAcquireFirstWinsByCreationTime(t *testing.T) {
	base := time.Now()
	ms := newMemStore(
		op("op-old", "main", store.OpPending, base),
		op("op-new", "main", store.OpPending, base.Add(time.Second)),
	)
	svc := NewService(ms)

	_, err := svc.Acquire(context.Background(), "op-new")
	var contention *ContentionError
	if !errors.As(err, &contention) {
		t.Fatalf("Acquire(op-new) error = %v, want ContentionError", err)
	}
	if contention.Reason != ReasonQueuedBehind || contention.BlockedBy != "op-old" {
		t.Fatalf("unexpected contention: %+v", contention)
	}

	if _, err := svc.Acquire(context.Background(), "op-old"); err != nil {
		t.Fatalf("Acquire(op-old) error = %v", err)
	}
}

func TestAcquireTieBreaksByOperationID(t *testing.T) {
	created := time.Now()
	ms := newMemStore(
		op("op-a", "main", store.OpPending, created),
		op("op-b", "main", store.OpPending, created),
	)
	svc := NewService(ms)

	_, err := svc.Acquire(context.Background(), "op-b")
	var contention *ContentionError
	if !errors.As(err, &contention) {
		t.Fatalf("Acquire(op-b) error = %v, want ContentionError", err)
	}
	if contention.BlockedBy != "op-a" {
		t.Fatalf("blocked by %s, want op-a", contention.BlockedBy)
	}

	if _, err := svc.Acquire(context.Background(), "op-a"); err != nil {
		t.Fatalf("Acquire(op-a) error = %v", err)
	}
}

func TestIndependentTargetsDoNotContend(t *testing.T) {
	base := time.Now()
	ms := newMemStore(
		op("op-1", "main", store.OpPending, base),
		op("op-2", "release", store.OpPending, base.Add(time.Second)),
	)
	svc := NewService(ms)

	if _, err := svc.Acquire(context.Background(), "op-1"); err != nil {
		t.Fatalf("Acquire(op-1) error = %v", err)
	}
	if _, err := svc.Acquire(context.Background(), "op-2"); err != nil {
		t.Fatalf("Acquire(op-2) error = %v", err)
	}
}

func TestReleaseFreesLockForNextInQueue(t *testing.T) {
	base := time.Now()
	ms := newMemStore(
		op("op-1", "main", store.OpPending, base),
		op("op-2", "main", store.OpPending, base.Add(time.Second)),
	)
	svc := NewService(ms)

	if _, err := svc.Acquire(context.Background(), "op-1"); err != nil {
		t.Fatalf("Acquire(op-1) error = %v", err)
	}
	if err := svc.TransitionToMerging(context.Background(), "op-1"); err != nil {
		t.Fatalf("TransitionToMerging() error = %v", err)
	}
	if err := svc.Release(context.Background(), "op-1", store.OpSucceeded, ""); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	if _, err := svc.Acquire(context.Background(), "op-2"); err != nil {
		t.Fatalf("Acquire(op-2) after release error = %v", err)
	}
}

func TestReleaseRejectsNonTerminalStatus(t *testing.T) {
	ms := newMemStore(op("op-1", "main", store.OpValidating, time.Now()))
	svc := NewService(ms)

	if err := svc.Release(context.Background(), "op-1", store.OpMerging, ""); err == nil {
		t.Fatal("expected error for non-terminal release status")
	}
}

func TestReleaseOfIdleOperationFails(t *testing.T) {
	ms := newMemStore(op("op-1", "main", store.OpPending, time.Now()))
	svc := NewService(ms)

	if err := svc.Release(context.Background(), "op-1", store.OpFailed, "forced"); err == nil {
		t.Fatal("expected error releasing an operation that holds no lock")
	}
}

func TestConcurrentAcquireGrantsExactlyOne(t *testing.T) {
	created := time.Now()
	ids := []string{"op-a", "op-b", "op-c", "op-d"}
	ops := make([]store.ConvergenceOperation, 0, len(ids))
	for _, id := range ids {
		ops = append(ops, op(id, "main", store.OpPending, created))
	}
	ms := newMemStore(ops...)
	svc := NewService(ms)

	var wg sync.WaitGroup
	granted := make(chan string, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(operationID string) {
			defer wg.Done()
			if _, err := svc.Acquire(context.Background(), operationID); err == nil {
				granted <- operationID
			}
		}(id)
	}
	wg.Wait()
	close(granted)

	winners := make([]string, 0)
	for id := range granted {
		winners = append(winners, id)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
	if winners[0] != "op-a" {
		t.Fatalf("winner = %s, want op-a (smallest id on equal created_at)", winners[0])
	}
}

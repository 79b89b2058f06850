// Package convergence coordinates the full merge pipeline for a branch:
// acquire the target lock, validate, detect conflicts, merge atomically, and
// release. Each operation row records every stage outcome, so the pipeline
// can be audited or resumed by an operator after a crash.
package convergence

import (
	"context"
	"errors"
	"fmt"
	"log"

	"meridian/api/internal/audit"
	"meridian/api/internal/conflict"
	"meridian/api/internal/gitrepo"
	"meridian/api/internal/locking"
	"meridian/api/internal/merge"
	"meridian/api/internal/store"
	"meridian/api/internal/util"
)

type dataStore interface {
	GetBranch(ctx context.Context, branchID string) (store.Branch, error)
	InsertConvergenceOperation(ctx context.Context, op store.ConvergenceOperation) error
	GetConvergenceOperation(ctx context.Context, operationID string) (store.ConvergenceOperation, error)
	ListBranchOperations(ctx context.Context, branchID string) ([]store.ConvergenceOperation, error)
	SaveValidationResults(ctx context.Context, operationID string, results []store.ValidationResult) error
	SaveConflictDetails(ctx context.Context, operationID string, details []store.ConflictDetail) error
	SetOperationMergeState(ctx context.Context, operationID, preMergeHead, mergeCommit string) error
	CancelPendingOperation(ctx context.Context, operationID, reason string) (bool, error)
	OpenReviewRequestCount(ctx context.Context, branchID string) (int, error)
	UpdateBranchHead(ctx context.Context, branchID, headCommit string) error
}

type lockService interface {
	Acquire(ctx context.Context, operationID string) (store.ConvergenceOperation, error)
	TransitionToMerging(ctx context.Context, operationID string) error
	Release(ctx context.Context, operationID, status, reason string) error
}

type conflictDetector interface {
	Detect(branchRef, targetRef string) ([]store.ConflictDetail, error)
}

type mergeExecutor interface {
	AtomicMerge(branchRef, targetRef, author, message string) (merge.Result, error)
	DryRun(branchRef, targetRef string) (gitrepo.Mergeability, error)
}

type headReader interface {
	GetHeadCommit(ref string) (string, error)
}

// ReconciliationReport is returned by ForceRelease so the operator can see
// whether the abandoned operation left the target ref moved.
type ReconciliationReport struct {
	OperationID  string `json:"operation_id"`
	TargetRef    string `json:"target_ref"`
	PreMergeHead string `json:"pre_merge_head"`
	CurrentHead  string `json:"current_head"`
	HeadMoved    bool   `json:"head_moved"`
	Note         string `json:"note"`
}

type Coordinator struct {
	store    dataStore
	locks    lockService
	detector conflictDetector
	executor mergeExecutor
	heads    headReader
	sink     audit.Sink
}

func NewCoordinator(dataStore dataStore, locks lockService, detector conflictDetector, executor mergeExecutor, heads headReader, sink audit.Sink) *Coordinator {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Coordinator{
		store:    dataStore,
		locks:    locks,
		detector: detector,
		executor: executor,
		heads:    heads,
		sink:     sink,
	}
}

// Create registers a pending convergence of the branch into its base ref. The
// branch must be approved; the operation queues behind any earlier pending
// operation on the same target.
func (c *Coordinator) Create(ctx context.Context, branchID, publisherID string) (store.ConvergenceOperation, error) {
	branch, err := c.store.GetBranch(ctx, branchID)
	if err != nil {
		return store.ConvergenceOperation{}, fmt.Errorf("load branch: %w", err)
	}
	if branch.State != store.StateApproved {
		return store.ConvergenceOperation{}, fmt.Errorf("branch %s is %s, convergence requires approved", branch.ID, branch.State)
	}

	op := store.ConvergenceOperation{
		ID:          util.NewID("cop"),
		BranchID:    branch.ID,
		PublisherID: publisherID,
		Status:      store.OpPending,
		TargetRef:   branch.BaseRef,
	}
	if err := c.store.InsertConvergenceOperation(ctx, op); err != nil {
		return store.ConvergenceOperation{}, fmt.Errorf("create operation: %w", err)
	}

	c.emit(ctx, "convergence.created", branch.ID, publisherID, map[string]string{
		"operation_id": op.ID,
		"target_ref":   op.TargetRef,
	})
	return c.store.GetConvergenceOperation(ctx, op.ID)
}

// ValidationReport is the outcome of a convergence dry run against a
// branch's base ref. Nothing is locked, persisted, or mutated.
type ValidationReport struct {
	BranchID  string                   `json:"branch_id"`
	TargetRef string                   `json:"target_ref"`
	IsValid   bool                     `json:"is_valid"`
	Results   []store.ValidationResult `json:"results"`
	Conflicts []string                 `json:"conflicts"`
}

// Validate runs the precondition checks and a merge dry-run for a branch
// before any operation exists, reporting the conflicting paths if the branch
// does not merge cleanly.
func (c *Coordinator) Validate(ctx context.Context, branchID string) (ValidationReport, error) {
	branch, err := c.store.GetBranch(ctx, branchID)
	if err != nil {
		return ValidationReport{}, fmt.Errorf("load branch: %w", err)
	}

	results, conflicts, err := c.runValidations(ctx, branch, branch.BaseRef)
	if err != nil {
		return ValidationReport{}, err
	}

	report := ValidationReport{
		BranchID:  branch.ID,
		TargetRef: branch.BaseRef,
		IsValid:   true,
		Results:   results,
		Conflicts: conflicts,
	}
	for _, result := range results {
		if !result.Passed {
			report.IsValid = false
		}
	}
	return report, nil
}

// Execute drives one convergence attempt end to end. Any stage failure,
// including lock contention, marks the operation failed before returning;
// a retry goes through a fresh operation.
func (c *Coordinator) Execute(ctx context.Context, operationID string) (store.ConvergenceOperation, error) {
	op, err := c.locks.Acquire(ctx, operationID)
	if err != nil {
		var contention *locking.ContentionError
		if errors.As(err, &contention) {
			if _, markErr := c.store.CancelPendingOperation(ctx, operationID, contention.Error()); markErr != nil {
				log.Printf("record contention for %s: %v", operationID, markErr)
			}
			if failed, loadErr := c.store.GetConvergenceOperation(ctx, operationID); loadErr == nil {
				c.emit(ctx, "convergence.failed", failed.BranchID, failed.PublisherID, map[string]string{
					"operation_id": failed.ID,
					"status":       store.OpFailed,
					"reason":       contention.Error(),
				})
			}
		}
		return store.ConvergenceOperation{}, err
	}
	branch, err := c.store.GetBranch(ctx, op.BranchID)
	if err != nil {
		return c.fail(ctx, op, store.OpFailed, fmt.Sprintf("load branch: %v", err), err)
	}

	results, _, err := c.runValidations(ctx, branch, op.TargetRef)
	if err != nil {
		return c.fail(ctx, op, store.OpFailed, fmt.Sprintf("validation error: %v", err), err)
	}
	if err := c.store.SaveValidationResults(ctx, op.ID, results); err != nil {
		return c.fail(ctx, op, store.OpFailed, fmt.Sprintf("save validation results: %v", err), err)
	}
	for _, result := range results {
		if !result.Passed {
			reason := fmt.Sprintf("validation %s failed: %s", result.Check, result.Message)
			return c.fail(ctx, op, store.OpFailed, reason, fmt.Errorf("%s", reason))
		}
	}

	details, err := c.detector.Detect(branch.Slug, op.TargetRef)
	if err != nil {
		return c.fail(ctx, op, store.OpFailed, fmt.Sprintf("conflict detection: %v", err), err)
	}
	if err := c.store.SaveConflictDetails(ctx, op.ID, details); err != nil {
		return c.fail(ctx, op, store.OpFailed, fmt.Sprintf("save conflict details: %v", err), err)
	}
	if !conflict.CanAutoResolve(details) {
		conflictErr := &conflict.Error{BranchRef: branch.Slug, TargetRef: op.TargetRef, Details: details}
		return c.fail(ctx, op, store.OpFailed, conflictErr.Error(), conflictErr)
	}

	if err := c.locks.TransitionToMerging(ctx, op.ID); err != nil {
		return c.fail(ctx, op, store.OpFailed, fmt.Sprintf("enter merging: %v", err), err)
	}

	message := fmt.Sprintf("Converge %s into %s", branch.Name, op.TargetRef)
	result, err := c.executor.AtomicMerge(branch.Slug, op.TargetRef, op.PublisherID, message)
	if err != nil {
		if saveErr := c.store.SetOperationMergeState(ctx, op.ID, result.PreMergeHead, ""); saveErr != nil {
			log.Printf("record merge state for %s: %v", op.ID, saveErr)
		}
		status := store.OpFailed
		var failure *merge.FailureError
		if errors.As(err, &failure) && failure.RolledBack {
			status = store.OpRolledBack
		}
		return c.fail(ctx, op, status, err.Error(), err)
	}

	if err := c.store.SetOperationMergeState(ctx, op.ID, result.PreMergeHead, result.MergeCommit); err != nil {
		return c.fail(ctx, op, store.OpFailed, fmt.Sprintf("record merge state: %v", err), err)
	}
	if err := c.locks.Release(ctx, op.ID, store.OpSucceeded, ""); err != nil {
		return store.ConvergenceOperation{}, fmt.Errorf("release after merge: %w", err)
	}
	if err := c.store.UpdateBranchHead(ctx, branch.ID, result.MergeCommit); err != nil {
		log.Printf("update branch head for %s: %v", branch.ID, err)
	}

	c.emit(ctx, "convergence.completed", branch.ID, op.PublisherID, map[string]string{
		"operation_id": op.ID,
		"merge_commit": result.MergeCommit,
	})
	return c.store.GetConvergenceOperation(ctx, op.ID)
}

// Cancel withdraws a pending operation. Operations that already hold the
// lock cannot be cancelled; they either finish or are force-released.
func (c *Coordinator) Cancel(ctx context.Context, operationID, actorID string) error {
	ok, err := c.store.CancelPendingOperation(ctx, operationID, "cancelled")
	if err != nil {
		return fmt.Errorf("cancel operation: %w", err)
	}
	if !ok {
		return fmt.Errorf("operation %s is not pending", operationID)
	}
	op, err := c.store.GetConvergenceOperation(ctx, operationID)
	if err == nil {
		c.emit(ctx, "convergence.cancelled", op.BranchID, actorID, map[string]string{"operation_id": op.ID})
	}
	return nil
}

func (c *Coordinator) Status(ctx context.Context, operationID string) (store.ConvergenceOperation, error) {
	return c.store.GetConvergenceOperation(ctx, operationID)
}

func (c *Coordinator) ListForBranch(ctx context.Context, branchID string) ([]store.ConvergenceOperation, error) {
	return c.store.ListBranchOperations(ctx, branchID)
}

// ForceRelease frees a stuck lock and reports whether the target ref still
// matches the head recorded before the merge attempt. A moved head means the
// operator must reconcile the target manually before the next convergence.
func (c *Coordinator) ForceRelease(ctx context.Context, operationID, actorID, reason string) (ReconciliationReport, error) {
	op, err := c.store.GetConvergenceOperation(ctx, operationID)
	if err != nil {
		return ReconciliationReport{}, fmt.Errorf("load operation: %w", err)
	}
	if op.Status != store.OpValidating && op.Status != store.OpMerging {
		return ReconciliationReport{}, fmt.Errorf("operation %s does not hold a lock (status %s)", op.ID, op.Status)
	}

	report := ReconciliationReport{
		OperationID:  op.ID,
		TargetRef:    op.TargetRef,
		PreMergeHead: op.PreMergeHead,
	}
	currentHead, err := c.heads.GetHeadCommit(op.TargetRef)
	if err != nil {
		report.Note = fmt.Sprintf("target head unreadable: %v", err)
	} else {
		report.CurrentHead = currentHead
		switch {
		case op.PreMergeHead == "":
			report.Note = "operation never reached the merge stage; target ref untouched"
		case currentHead == op.PreMergeHead:
			report.Note = "target ref matches pre-merge head; no reconciliation needed"
		default:
			report.HeadMoved = true
			report.Note = "target ref moved since the merge attempt; inspect before converging again"
		}
	}

	if reason == "" {
		reason = "force released"
	}
	if err := c.locks.Release(ctx, op.ID, store.OpFailed, reason); err != nil {
		return ReconciliationReport{}, err
	}

	c.emit(ctx, "convergence.force_released", op.BranchID, actorID, map[string]string{
		"operation_id": op.ID,
		"head_moved":   fmt.Sprintf("%t", report.HeadMoved),
	})
	return report, nil
}

// runValidations evaluates every precondition and returns all outcomes, not
// just the first failure, plus the conflicting paths from the merge dry-run.
func (c *Coordinator) runValidations(ctx context.Context, branch store.Branch, targetRef string) ([]store.ValidationResult, []string, error) {
	results := make([]store.ValidationResult, 0, 3)

	stateResult := store.ValidationResult{Check: "branch_state", Passed: branch.State == store.StateApproved}
	if stateResult.Passed {
		stateResult.Message = "branch is approved"
	} else {
		stateResult.Message = fmt.Sprintf("branch is %s, convergence requires approved", branch.State)
	}
	results = append(results, stateResult)

	open, err := c.store.OpenReviewRequestCount(ctx, branch.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("count review requests: %w", err)
	}
	reviewResult := store.ValidationResult{Check: "review_requests", Passed: open == 0}
	if reviewResult.Passed {
		reviewResult.Message = "no unresolved change requests"
	} else {
		reviewResult.Message = fmt.Sprintf("%d unresolved change request(s)", open)
	}
	results = append(results, reviewResult)

	mergeability, err := c.executor.DryRun(branch.Slug, targetRef)
	if err != nil {
		return nil, nil, fmt.Errorf("merge dry run: %w", err)
	}
	mergeResult := store.ValidationResult{Check: "mergeability", Passed: mergeability.CanMerge}
	if mergeResult.Passed {
		mergeResult.Message = "branch merges cleanly"
	} else {
		mergeResult.Message = fmt.Sprintf("%d conflicting path(s)", len(mergeability.Conflicts))
	}
	results = append(results, mergeResult)

	return results, mergeability.Conflicts, nil
}

// fail releases the lock with a terminal status and returns the original
// stage error.
func (c *Coordinator) fail(ctx context.Context, op store.ConvergenceOperation, status, reason string, cause error) (store.ConvergenceOperation, error) {
	if err := c.locks.Release(ctx, op.ID, status, reason); err != nil {
		log.Printf("release lock for %s after failure: %v", op.ID, err)
	}
	c.emit(ctx, "convergence.failed", op.BranchID, op.PublisherID, map[string]string{
		"operation_id": op.ID,
		"status":       status,
		"reason":       reason,
	})
	return store.ConvergenceOperation{}, cause
}

func (c *Coordinator) emit(ctx context.Context, kind, branchID, actorID string, detail map[string]string) {
	if err := c.sink.Emit(ctx, audit.Event{Kind: kind, BranchID: branchID, ActorID: actorID, Detail: detail}); err != nil {
		log.Printf("audit emit %s: %v", kind, err)
	}
}

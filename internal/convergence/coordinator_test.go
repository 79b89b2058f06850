package convergence

import (
	"context"
	"errors"
	"strings"
	"testing"

	"meridian/api/internal/conflict"
	"meridian/api/internal/gitrepo"
	"meridian/api/internal/locking"
	"meridian/api/internal/merge"
	"meridian/api/internal/store"
)

type fakeStore struct {
	branch    store.Branch
	ops       map[string]*store.ConvergenceOperation
	openCount int

	savedResults []store.ValidationResult
	savedDetails []store.ConflictDetail
	branchHead   string
}

func newFakeStore(branch store.Branch, ops ...store.ConvergenceOperation) *fakeStore {
	fs := &fakeStore{branch: branch, ops: make(map[string]*store.ConvergenceOperation)}
	for i := range ops {
		op := ops[i]
		fs.ops[op.ID] = &op
	}
	return fs
}

func (f *fakeStore) GetBranch(context.Context, string) (store.Branch, error) { return f.branch, nil }
func (f *fakeStore) InsertConvergenceOperation(_ context.Context, op store.ConvergenceOperation) error {
	f.ops[op.ID] = &op
	return nil
}
func (f *fakeStore) GetConvergenceOperation(_ context.Context, operationID string) (store.ConvergenceOperation, error) {
	op, ok := f.ops[operationID]
	if !ok {
		return store.ConvergenceOperation{}, errors.New("operation not found")
	}
	return *op, nil
}
func (f *fakeStore) ListBranchOperations(context.Context, string) ([]store.ConvergenceOperation, error) {
	items := make([]store.ConvergenceOperation, 0, len(f.ops))
	for _, op := range f.ops {
		items = append(items, *op)
	}
	return items, nil
}
func (f *fakeStore) SaveValidationResults(_ context.Context, operationID string, results []store.ValidationResult) error {
	f.savedResults = results
	if op, ok := f.ops[operationID]; ok {
		op.ValidationResults = results
	}
	return nil
}
func (f *fakeStore) SaveConflictDetails(_ context.Context, operationID string, details []store.ConflictDetail) error {
	f.savedDetails = details
	if op, ok := f.ops[operationID]; ok {
		op.ConflictDetected = len(details) > 0
		op.ConflictDetails = details
	}
	return nil
}
func (f *fakeStore) SetOperationMergeState(_ context.Context, operationID, preMergeHead, mergeCommit string) error {
	if op, ok := f.ops[operationID]; ok {
		op.PreMergeHead = preMergeHead
		op.MergeCommit = mergeCommit
	}
	return nil
}
func (f *fakeStore) CancelPendingOperation(_ context.Context, operationID, reason string) (bool, error) {
	op, ok := f.ops[operationID]
	if !ok || op.Status != store.OpPending {
		return false, nil
	}
	op.Status = store.OpFailed
	op.FailureReason = reason
	return true, nil
}
func (f *fakeStore) OpenReviewRequestCount(context.Context, string) (int, error) {
	return f.openCount, nil
}
func (f *fakeStore) UpdateBranchHead(_ context.Context, _, headCommit string) error {
	f.branchHead = headCommit
	return nil
}

type fakeLocks struct {
	store       *fakeStore
	acquireErr  error
	released    []string
	releaseArgs map[string]string
}

func (f *fakeLocks) Acquire(ctx context.Context, operationID string) (store.ConvergenceOperation, error) {
	if f.acquireErr != nil {
		return store.ConvergenceOperation{}, f.acquireErr
	}
	op := f.store.ops[operationID]
	op.Status = store.OpValidating
	return *op, nil
}
func (f *fakeLocks) TransitionToMerging(_ context.Context, operationID string) error {
	f.store.ops[operationID].Status = store.OpMerging
	return nil
}
func (f *fakeLocks) Release(_ context.Context, operationID, status, reason string) error {
	f.released = append(f.released, operationID)
	if f.releaseArgs == nil {
		f.releaseArgs = make(map[string]string)
	}
	f.releaseArgs[operationID] = status
	op := f.store.ops[operationID]
	op.Status = status
	op.FailureReason = reason
	return nil
}

type fakeDetector struct {
	details []store.ConflictDetail
	err     error
}

func (f *fakeDetector) Detect(string, string) ([]store.ConflictDetail, error) {
	return f.details, f.err
}

type fakeExecutor struct {
	dryRun   gitrepo.Mergeability
	result   merge.Result
	mergeErr error
	merged   bool
}

func (f *fakeExecutor) AtomicMerge(string, string, string, string) (merge.Result, error) {
	f.merged = true
	if f.mergeErr != nil {
		return merge.Result{PreMergeHead: f.result.PreMergeHead}, f.mergeErr
	}
	return f.result, nil
}
func (f *fakeExecutor) DryRun(string, string) (gitrepo.Mergeability, error) {
	return f.dryRun, nil
}

type fakeHeads struct{ head string }

func (f *fakeHeads) GetHeadCommit(string) (string, error) { return f.head, nil }

func approvedBranch() store.Branch {
	return store.Branch{
		ID:      "branch-1",
		Name:    "Launch updates",
		Slug:    "launch-updates",
		BaseRef: "main",
		State:   store.StateApproved,
	}
}

func pendingOp() store.ConvergenceOperation {
	return store.ConvergenceOperation{
		ID:          "cop-1",
		BranchID:    "branch-1",
		PublisherID: "pub-1",
		Status:      store.OpPending,
		TargetRef:   "main",
	}
}

func coordinatorFixture(fs *fakeStore, detector *fakeDetector, executor *fakeExecutor) (*Coordinator, *fakeLocks) {
	locks := &fakeLocks{store: fs}
	coord := NewCoordinator(fs, locks, detector, executor, &fakeHeads{head: "aaa111"}, nil)
	return coord, locks
}

func TestCreateRequiresApprovedBranch(t *testing.T) {
	branch := approvedBranch()
	branch.State = store.StateReview
	fs := newFakeStore(branch)
	coord, _ := coordinatorFixture(fs, &fakeDetector{}, &fakeExecutor{})

	if _, err := coord.Create(context.Background(), "branch-1", "pub-1"); err == nil {
		t.Fatal("expected error creating convergence for unapproved branch")
	}
}

func TestCreateRegistersPendingOperation(t *testing.T) {
	fs := newFakeStore(approvedBranch())
	coord, _ := coordinatorFixture(fs, &fakeDetector{}, &fakeExecutor{})

	op, err := coord.Create(context.Background(), "branch-1", "pub-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if op.Status != store.OpPending || op.TargetRef != "main" {
		t.Fatalf("unexpected operation: %+v", op)
	}
}

func TestExecuteHappyPath(t *testing.T) {
	fs := newFakeStore(approvedBranch(), pendingOp())
	executor := &fakeExecutor{
		dryRun: gitrepo.Mergeability{CanMerge: true},
		result: merge.Result{PreMergeHead: "aaa111", MergeCommit: "mmm999"},
	}
	coord, locks := coordinatorFixture(fs, &fakeDetector{}, executor)

	op, err := coord.Execute(context.Background(), "cop-1")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if op.Status != store.OpSucceeded {
		t.Fatalf("status = %s, want succeeded", op.Status)
	}
	if op.PreMergeHead != "aaa111" || op.MergeCommit != "mmm999" {
		t.Fatalf("merge state not recorded: %+v", op)
	}
	if len(fs.savedResults) != 3 {
		t.Fatalf("expected 3 validation results, got %v", fs.savedResults)
	}
	if locks.releaseArgs["cop-1"] != store.OpSucceeded {
		t.Fatalf("released with %s, want succeeded", locks.releaseArgs["cop-1"])
	}
	if fs.branchHead != "mmm999" {
		t.Fatalf("branch head = %q, want merge commit", fs.branchHead)
	}
}

func TestExecuteContentionFailsOperation(t *testing.T) {
	fs := newFakeStore(approvedBranch(), pendingOp())
	locks := &fakeLocks{store: fs, acquireErr: &locking.ContentionError{
		Reason:    locking.ReasonTargetBusy,
		TargetRef: "main",
		BlockedBy: "cop-9",
	}}
	executor := &fakeExecutor{dryRun: gitrepo.Mergeability{CanMerge: true}}
	coord := NewCoordinator(fs, locks, &fakeDetector{}, executor, &fakeHeads{head: "aaa111"}, nil)

	_, err := coord.Execute(context.Background(), "cop-1")
	var contention *locking.ContentionError
	if !errors.As(err, &contention) {
		t.Fatalf("Execute() error = %v, want ContentionError", err)
	}
	if executor.merged {
		t.Fatal("merge must not run when the lock is contended")
	}
	// A contended attempt is terminal; retries create a new operation.
	if fs.ops["cop-1"].Status != store.OpFailed {
		t.Fatalf("status = %s, want failed", fs.ops["cop-1"].Status)
	}
	if !strings.Contains(fs.ops["cop-1"].FailureReason, "cop-9") {
		t.Fatalf("failure reason %q does not name the blocking operation", fs.ops["cop-1"].FailureReason)
	}
}

func TestExecuteFailsValidationAndReleases(t *testing.T) {
	branch := approvedBranch()
	fs := newFakeStore(branch, pendingOp())
	fs.openCount = 2
	executor := &fakeExecutor{dryRun: gitrepo.Mergeability{CanMerge: true}}
	coord, locks := coordinatorFixture(fs, &fakeDetector{}, executor)

	_, err := coord.Execute(context.Background(), "cop-1")
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if executor.merged {
		t.Fatal("merge must not run after failed validation")
	}
	if locks.releaseArgs["cop-1"] != store.OpFailed {
		t.Fatalf("released with %s, want failed", locks.releaseArgs["cop-1"])
	}
	if fs.ops["cop-1"].FailureReason == "" {
		t.Fatal("expected failure reason to be recorded")
	}
}

func TestExecuteBlocksOnConflicts(t *testing.T) {
	fs := newFakeStore(approvedBranch(), pendingOp())
	detector := &fakeDetector{details: []store.ConflictDetail{
		{Path: "a.md", Type: "content", Description: "changed on both sides"},
	}}
	executor := &fakeExecutor{dryRun: gitrepo.Mergeability{CanMerge: true}}
	coord, locks := coordinatorFixture(fs, detector, executor)

	_, err := coord.Execute(context.Background(), "cop-1")
	var conflictErr *conflict.Error
	if !errors.As(err, &conflictErr) {
		t.Fatalf("Execute() error = %v, want conflict.Error", err)
	}
	if len(conflictErr.Details) != 1 || conflictErr.Details[0].Path != "a.md" {
		t.Fatalf("unexpected conflict details: %+v", conflictErr.Details)
	}
	if executor.merged {
		t.Fatal("merge must not run with conflicts present")
	}
	if !fs.ops["cop-1"].ConflictDetected {
		t.Fatal("expected conflicts to be persisted on the operation")
	}
	if locks.releaseArgs["cop-1"] != store.OpFailed {
		t.Fatalf("released with %s, want failed", locks.releaseArgs["cop-1"])
	}
}

func TestExecuteRollsBackFailedMerge(t *testing.T) {
	fs := newFakeStore(approvedBranch(), pendingOp())
	executor := &fakeExecutor{
		dryRun: gitrepo.Mergeability{CanMerge: true},
		result: merge.Result{PreMergeHead: "aaa111"},
		mergeErr: &merge.FailureError{
			TargetRef:    "main",
			PreMergeHead: "aaa111",
			RolledBack:   true,
			Err:          errors.New("tree write failed"),
		},
	}
	coord, locks := coordinatorFixture(fs, &fakeDetector{}, executor)

	_, err := coord.Execute(context.Background(), "cop-1")
	var failure *merge.FailureError
	if !errors.As(err, &failure) {
		t.Fatalf("Execute() error = %v, want merge.FailureError", err)
	}
	if locks.releaseArgs["cop-1"] != store.OpRolledBack {
		t.Fatalf("released with %s, want rolled_back", locks.releaseArgs["cop-1"])
	}
	if fs.ops["cop-1"].PreMergeHead != "aaa111" {
		t.Fatalf("pre-merge head not recorded: %+v", fs.ops["cop-1"])
	}
}

func TestCancelOnlyPendingOperations(t *testing.T) {
	fs := newFakeStore(approvedBranch(), pendingOp())
	coord, _ := coordinatorFixture(fs, &fakeDetector{}, &fakeExecutor{})

	if err := coord.Cancel(context.Background(), "cop-1", "pub-1"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if fs.ops["cop-1"].Status != store.OpFailed || fs.ops["cop-1"].FailureReason != "cancelled" {
		t.Fatalf("unexpected cancelled operation: %+v", fs.ops["cop-1"])
	}

	// Already terminal: cancel must refuse.
	if err := coord.Cancel(context.Background(), "cop-1", "pub-1"); err == nil {
		t.Fatal("expected error cancelling a non-pending operation")
	}
}

func TestForceReleaseReportsCleanHead(t *testing.T) {
	op := pendingOp()
	op.Status = store.OpMerging
	op.PreMergeHead = "aaa111"
	fs := newFakeStore(approvedBranch(), op)
	coord, locks := coordinatorFixture(fs, &fakeDetector{}, &fakeExecutor{})

	report, err := coord.ForceRelease(context.Background(), "cop-1", "admin-1", "operator intervention")
	if err != nil {
		t.Fatalf("ForceRelease() error = %v", err)
	}
	if report.HeadMoved {
		t.Fatalf("head should not be reported moved: %+v", report)
	}
	if report.CurrentHead != "aaa111" || report.PreMergeHead != "aaa111" {
		t.Fatalf("unexpected report: %+v", report)
	}
	if locks.releaseArgs["cop-1"] != store.OpFailed {
		t.Fatalf("released with %s, want failed", locks.releaseArgs["cop-1"])
	}
}

func TestForceReleaseFlagsMovedHead(t *testing.T) {
	op := pendingOp()
	op.Status = store.OpMerging
	op.PreMergeHead = "bbb222"
	fs := newFakeStore(approvedBranch(), op)
	locks := &fakeLocks{store: fs}
	coord := NewCoordinator(fs, locks, &fakeDetector{}, &fakeExecutor{}, &fakeHeads{head: "ccc333"}, nil)

	report, err := coord.ForceRelease(context.Background(), "cop-1", "admin-1", "")
	if err != nil {
		t.Fatalf("ForceRelease() error = %v", err)
	}
	if !report.HeadMoved {
		t.Fatalf("expected moved head to be flagged: %+v", report)
	}
}

func TestForceReleaseRejectsIdleOperation(t *testing.T) {
	fs := newFakeStore(approvedBranch(), pendingOp())
	coord, _ := coordinatorFixture(fs, &fakeDetector{}, &fakeExecutor{})

	if _, err := coord.ForceRelease(context.Background(), "cop-1", "admin-1", ""); err == nil {
		t.Fatal("expected error force-releasing a pending operation")
	}
}

func TestValidateReportsConflictsWithoutLock(t *testing.T) {
	fs := newFakeStore(approvedBranch(), pendingOp())
	executor := &fakeExecutor{dryRun: gitrepo.Mergeability{CanMerge: false, Conflicts: []string{"a.md", "b.md"}}}
	coord, locks := coordinatorFixture(fs, &fakeDetector{}, executor)

	report, err := coord.Validate(context.Background(), "branch-1")
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if report.IsValid {
		t.Fatalf("expected invalid report: %+v", report)
	}
	if len(report.Results) != 3 {
		t.Fatalf("expected 3 results, got %v", report.Results)
	}
	if len(report.Conflicts) != 2 || report.Conflicts[0] != "a.md" {
		t.Fatalf("unexpected conflict paths: %v", report.Conflicts)
	}
	var mergeCheck *store.ValidationResult
	for i := range report.Results {
		if report.Results[i].Check == "mergeability" {
			mergeCheck = &report.Results[i]
		}
	}
	if mergeCheck == nil || mergeCheck.Passed {
		t.Fatalf("expected mergeability check to fail: %v", report.Results)
	}
	if fs.ops["cop-1"].Status != store.OpPending {
		t.Fatalf("validate must not change status, got %s", fs.ops["cop-1"].Status)
	}
	if fs.savedResults != nil {
		t.Fatalf("validate must not persist results, got %v", fs.savedResults)
	}
	if len(locks.released) != 0 {
		t.Fatal("validate must not touch the lock")
	}
}

func TestValidateCleanBranch(t *testing.T) {
	fs := newFakeStore(approvedBranch())
	executor := &fakeExecutor{dryRun: gitrepo.Mergeability{CanMerge: true}}
	coord, _ := coordinatorFixture(fs, &fakeDetector{}, executor)

	report, err := coord.Validate(context.Background(), "branch-1")
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !report.IsValid || len(report.Conflicts) != 0 {
		t.Fatalf("expected clean report: %+v", report)
	}
	if report.TargetRef != "main" {
		t.Fatalf("target ref = %q, want main", report.TargetRef)
	}
}

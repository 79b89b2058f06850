// Package merge executes the target-ref mutation of a convergence. The merge
// is all-or-nothing: on any failure the target ref is reset to the head it
// had before the attempt.
package merge

import (
	"fmt"

	"meridian/api/internal/gitrepo"
)

// FailureError reports a failed merge attempt. RolledBack tells whether the
// target ref was restored to its pre-merge head; false means the ref needs
// operator attention before the lock is force-released.
type FailureError struct {
	TargetRef    string
	PreMergeHead string
	RolledBack   bool
	Err          error
}

func (e *FailureError) Error() string {
	if e.RolledBack {
		return fmt.Sprintf("merge into %s failed, rolled back to %s: %v", e.TargetRef, e.PreMergeHead, e.Err)
	}
	return fmt.Sprintf("merge into %s failed and rollback to %s did not complete: %v", e.TargetRef, e.PreMergeHead, e.Err)
}

func (e *FailureError) Unwrap() error { return e.Err }

type Result struct {
	PreMergeHead string
	MergeCommit  string
}

type gitService interface {
	GetHeadCommit(ref string) (string, error)
	MergeBranch(branchRef, targetRef string, opts gitrepo.MergeOptions) (string, error)
	ResetToCommit(ref, commit string) error
	CheckMergeability(branchRef, targetRef string) (gitrepo.Mergeability, error)
}

type Executor struct {
	git gitService
}

func NewExecutor(git gitService) *Executor {
	return &Executor{git: git}
}

// AtomicMerge merges branchRef into targetRef. The pre-merge head is captured
// first so a failed attempt can be undone; the returned result always carries
// it for the operation record.
func (e *Executor) AtomicMerge(branchRef, targetRef, author, message string) (Result, error) {
	preMergeHead, err := e.git.GetHeadCommit(targetRef)
	if err != nil {
		return Result{}, fmt.Errorf("read target head: %w", err)
	}

	mergeCommit, err := e.git.MergeBranch(branchRef, targetRef, gitrepo.MergeOptions{
		Author:  author,
		Message: message,
	})
	if err != nil {
		rolledBack := true
		if resetErr := e.git.ResetToCommit(targetRef, preMergeHead); resetErr != nil {
			rolledBack = false
			err = fmt.Errorf("%w (rollback: %v)", err, resetErr)
		}
		return Result{PreMergeHead: preMergeHead}, &FailureError{
			TargetRef:    targetRef,
			PreMergeHead: preMergeHead,
			RolledBack:   rolledBack,
			Err:          err,
		}
	}

	return Result{PreMergeHead: preMergeHead, MergeCommit: mergeCommit}, nil
}

// DryRun probes mergeability without moving any ref.
func (e *Executor) DryRun(branchRef, targetRef string) (gitrepo.Mergeability, error) {
	return e.git.CheckMergeability(branchRef, targetRef)
}

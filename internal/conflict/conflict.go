// Package conflict detects overlapping edits between a branch and its target.
// Detection is read-only: both sides are diffed against their merge base and
// paths touched by both are reported. There is no automatic resolution; any
// overlap blocks the merge.
package conflict

import (
	"fmt"
	"sort"

	"meridian/api/internal/gitrepo"
	"meridian/api/internal/store"
)

type gitService interface {
	GetMergeBase(refA, refB string) (string, error)
	GetChangedFilesSinceCommit(ref, commit string) ([]gitrepo.ChangedFile, error)
}

// Error carries the full conflict list for an attempted convergence.
type Error struct {
	BranchRef string
	TargetRef string
	Details   []store.ConflictDetail
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d conflicting path(s) between %s and %s", len(e.Details), e.BranchRef, e.TargetRef)
}

type Detector struct {
	git gitService
}

func NewDetector(git gitService) *Detector {
	return &Detector{git: git}
}

// Detect returns one detail per path changed on both sides since the merge
// base, sorted by path. An empty slice means the branch merges cleanly.
func (d *Detector) Detect(branchRef, targetRef string) ([]store.ConflictDetail, error) {
	base, err := d.git.GetMergeBase(branchRef, targetRef)
	if err != nil {
		return nil, fmt.Errorf("merge base: %w", err)
	}
	branchChanges, err := d.git.GetChangedFilesSinceCommit(branchRef, base)
	if err != nil {
		return nil, fmt.Errorf("branch changes: %w", err)
	}
	targetChanges, err := d.git.GetChangedFilesSinceCommit(targetRef, base)
	if err != nil {
		return nil, fmt.Errorf("target changes: %w", err)
	}

	// A rename occupies both its old and new path.
	targetByPath := make(map[string]gitrepo.ChangedFile, len(targetChanges))
	for _, change := range targetChanges {
		targetByPath[change.Path] = change
		if change.OldPath != "" {
			targetByPath[change.OldPath] = change
		}
	}

	details := make([]store.ConflictDetail, 0)
	seen := make(map[string]bool)
	for _, branchChange := range branchChanges {
		paths := []string{branchChange.Path}
		if branchChange.OldPath != "" {
			paths = append(paths, branchChange.OldPath)
		}
		for _, path := range paths {
			targetChange, ok := targetByPath[path]
			if !ok || seen[path] {
				continue
			}
			seen[path] = true
			details = append(details, classify(path, branchChange, targetChange, branchRef, targetRef))
		}
	}
	sort.Slice(details, func(i, j int) bool { return details[i].Path < details[j].Path })
	return details, nil
}

// CanAutoResolve reports whether a merge may proceed. Only a clean detection
// result qualifies.
func CanAutoResolve(details []store.ConflictDetail) bool {
	return len(details) == 0
}

// classify picks the conflict type for one overlapping path. Deletions
// dominate renames, renames dominate plain content edits.
func classify(path string, branchChange, targetChange gitrepo.ChangedFile, branchRef, targetRef string) store.ConflictDetail {
	detail := store.ConflictDetail{Path: path}
	switch {
	case branchChange.Kind == gitrepo.ChangeDeleted:
		detail.Type = "delete"
		detail.Description = fmt.Sprintf("deleted on %s but changed on %s", branchRef, targetRef)
	case targetChange.Kind == gitrepo.ChangeDeleted:
		detail.Type = "delete"
		detail.Description = fmt.Sprintf("deleted on %s but changed on %s", targetRef, branchRef)
	case branchChange.Kind == gitrepo.ChangeRenamed || targetChange.Kind == gitrepo.ChangeRenamed:
		detail.Type = "rename"
		detail.Description = fmt.Sprintf("renamed or moved on one of %s, %s while changed on the other", branchRef, targetRef)
	default:
		detail.Type = "content"
		detail.Description = fmt.Sprintf("changed on both %s and %s since their merge base", branchRef, targetRef)
	}
	return detail
}

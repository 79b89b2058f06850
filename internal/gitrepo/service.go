// Package gitrepo wraps the git repository that backs branch content. All ref
// and commit manipulation for convergence goes through this service; nothing
// else in the system touches the repository.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"meridian/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

// Change kinds reported for a path between two commits.
const (
	ChangeAdded    = "added"
	ChangeModified = "modified"
	ChangeDeleted  = "deleted"
	ChangeRenamed  = "renamed"
)

type ChangedFile struct {
	Path string
	Kind string
	// OldPath is set for renames.
	OldPath string
}

// Mergeability is the result of a non-mutating merge probe.
type Mergeability struct {
	CanMerge  bool
	Conflicts []string
}

type MergeOptions struct {
	Message string
	Author  string
}

// Service serializes all repository access behind one mutex. The target ref's
// head is the single point of contention; callers must hold the persistent
// convergence lock before invoking MergeBranch or ResetToCommit.
type Service struct {
	path string
	mu   sync.Mutex
}

func New(path string) *Service {
	return &Service{path: path}
}

// EnsureRepo initializes the repository with a baseline commit on main if it
// does not exist yet.
func (s *Service) EnsureRepo(author string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(filepath.Join(s.path, ".git")); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(s.path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(s.path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(s.path, "content"), 0o755); err != nil {
		return fmt.Errorf("create content dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.path, "content", ".keep"), nil, 0o644); err != nil {
		return fmt.Errorf("write baseline file: %w", err)
	}
	if _, err := worktree.Add("content/.keep"); err != nil {
		return fmt.Errorf("git add baseline: %w", err)
	}
	if _, err := worktree.Commit("Initialize content repository", &git.CommitOptions{
		Author: signature(author),
	}); err != nil {
		return fmt.Errorf("commit baseline: %w", err)
	}
	return nil
}

// EnsureBranch creates a branch ref pointing at fromRef's head if it does not
// exist, and returns the commit it points at.
func (s *Service) EnsureBranch(name, fromRef string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.path)
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}

	branchRefName := plumbing.NewBranchReferenceName(name)
	if ref, err := repo.Reference(branchRefName, true); err == nil {
		return ref.Hash().String(), nil
	}

	fromRefObj, err := repo.Reference(plumbing.NewBranchReferenceName(fromRef), true)
	if err != nil {
		return "", fmt.Errorf("read source branch ref: %w", err)
	}

	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRefName, fromRefObj.Hash())); err != nil {
		return "", fmt.Errorf("create branch ref: %w", err)
	}
	return fromRefObj.Hash().String(), nil
}

// CommitFile writes payload at path on the given branch and commits it.
func (s *Service) CommitFile(branch, path string, payload []byte, author, message string) (store.CommitInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.path)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	if err := checkoutBranch(repo, branch); err != nil {
		return store.CommitInfo{}, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()
	target := filepath.Join(repoRoot, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return store.CommitInfo{}, fmt.Errorf("create content dir: %w", err)
	}
	if err := os.WriteFile(target, payload, 0o644); err != nil {
		return store.CommitInfo{}, fmt.Errorf("write content file: %w", err)
	}
	if _, err := worktree.Add(path); err != nil {
		return store.CommitInfo{}, fmt.Errorf("git add content: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("commit content: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// RemoveFile deletes a path on the given branch and commits the removal.
func (s *Service) RemoveFile(branch, path, author, message string) (store.CommitInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.path)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	if err := checkoutBranch(repo, branch); err != nil {
		return store.CommitInfo{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}
	if _, err := worktree.Remove(path); err != nil {
		return store.CommitInfo{}, fmt.Errorf("git remove content: %w", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("commit removal: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

func (s *Service) GetHeadCommit(ref string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.path)
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	refObj, err := repo.Reference(plumbing.NewBranchReferenceName(ref), true)
	if err != nil {
		return "", fmt.Errorf("resolve ref %s: %w", ref, err)
	}
	return refObj.Hash().String(), nil
}

func (s *Service) GetMergeBase(refA, refB string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.path)
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	base, err := mergeBase(repo, refA, refB)
	if err != nil {
		return "", err
	}
	return base.Hash.String(), nil
}

// GetChangedFiles reports paths that differ between the heads of two refs.
func (s *Service) GetChangedFiles(refA, refB string) ([]ChangedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.path)
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	from, err := refCommit(repo, refA)
	if err != nil {
		return nil, err
	}
	to, err := refCommit(repo, refB)
	if err != nil {
		return nil, err
	}
	return diffCommits(from, to)
}

// GetChangedFilesSinceCommit reports paths the ref's head changed relative to
// an ancestor commit, typically the merge base with another ref.
func (s *Service) GetChangedFilesSinceCommit(ref, commit string) ([]ChangedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.path)
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	from, err := repo.CommitObject(plumbing.NewHash(commit))
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", commit, err)
	}
	to, err := refCommit(repo, ref)
	if err != nil {
		return nil, err
	}
	return diffCommits(from, to)
}

// MergeBranch applies the branch's changes since the merge base onto the
// target ref and records a two-parent merge commit. Callers are expected to
// have run conflict detection first; overlapping paths resolve in favor of
// the branch.
func (s *Service) MergeBranch(branchRef, targetRef string, opts MergeOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.path)
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	branchCommit, err := refCommit(repo, branchRef)
	if err != nil {
		return "", err
	}
	targetCommit, err := refCommit(repo, targetRef)
	if err != nil {
		return "", err
	}
	base, err := mergeBase(repo, branchRef, targetRef)
	if err != nil {
		return "", err
	}
	changes, err := diffCommits(base, branchCommit)
	if err != nil {
		return "", err
	}

	if err := checkoutBranch(repo, targetRef); err != nil {
		return "", err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()

	branchTree, err := branchCommit.Tree()
	if err != nil {
		return "", fmt.Errorf("read branch tree: %w", err)
	}
	for _, change := range changes {
		switch change.Kind {
		case ChangeDeleted:
			if _, err := worktree.Remove(change.Path); err != nil {
				return "", fmt.Errorf("remove %s: %w", change.Path, err)
			}
		case ChangeRenamed:
			if _, err := worktree.Remove(change.OldPath); err != nil && !errors.Is(err, index.ErrEntryNotFound) {
				return "", fmt.Errorf("remove renamed %s: %w", change.OldPath, err)
			}
			if err := writeFromTree(branchTree, repoRoot, change.Path); err != nil {
				return "", err
			}
			if _, err := worktree.Add(change.Path); err != nil {
				return "", fmt.Errorf("add %s: %w", change.Path, err)
			}
		default:
			if err := writeFromTree(branchTree, repoRoot, change.Path); err != nil {
				return "", err
			}
			if _, err := worktree.Add(change.Path); err != nil {
				return "", fmt.Errorf("add %s: %w", change.Path, err)
			}
		}
	}

	message := opts.Message
	if message == "" {
		message = fmt.Sprintf("Merge %s into %s", branchRef, targetRef)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Parents:           []plumbing.Hash{targetCommit.Hash, branchCommit.Hash},
		Author:            signature(opts.Author),
	})
	if err != nil {
		return "", fmt.Errorf("commit merge: %w", err)
	}
	return hash.String(), nil
}

// ResetToCommit moves a ref's head back to the given commit, discarding
// anything committed after it. Used for merge rollback only.
func (s *Service) ResetToCommit(ref, commit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.path)
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	if err := checkoutBranch(repo, ref); err != nil {
		return err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := worktree.Reset(&git.ResetOptions{
		Mode:   git.HardReset,
		Commit: plumbing.NewHash(commit),
	}); err != nil {
		return fmt.Errorf("reset %s to %s: %w", ref, commit, err)
	}
	return nil
}

// CheckMergeability probes whether the branch can merge cleanly into the
// target without touching any ref: paths changed on both sides since the
// merge base are reported as conflicts.
func (s *Service) CheckMergeability(branchRef, targetRef string) (Mergeability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.path)
	if err != nil {
		return Mergeability{}, fmt.Errorf("open repo: %w", err)
	}
	base, err := mergeBase(repo, branchRef, targetRef)
	if err != nil {
		return Mergeability{}, err
	}
	branchCommit, err := refCommit(repo, branchRef)
	if err != nil {
		return Mergeability{}, err
	}
	targetCommit, err := refCommit(repo, targetRef)
	if err != nil {
		return Mergeability{}, err
	}
	branchChanges, err := diffCommits(base, branchCommit)
	if err != nil {
		return Mergeability{}, err
	}
	targetChanges, err := diffCommits(base, targetCommit)
	if err != nil {
		return Mergeability{}, err
	}

	targetPaths := make(map[string]struct{}, len(targetChanges))
	for _, change := range targetChanges {
		targetPaths[change.Path] = struct{}{}
	}
	conflicts := make([]string, 0)
	for _, change := range branchChanges {
		if _, ok := targetPaths[change.Path]; ok {
			conflicts = append(conflicts, change.Path)
		}
	}
	return Mergeability{CanMerge: len(conflicts) == 0, Conflicts: conflicts}, nil
}

// History returns up to limit commits reachable from the ref's head.
func (s *Service) History(ref string, limit int) ([]store.CommitInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.path)
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	refObj, err := repo.Reference(plumbing.NewBranchReferenceName(ref), true)
	if err != nil {
		return nil, fmt.Errorf("resolve ref %s: %w", ref, err)
	}
	iter, err := repo.Log(&git.LogOptions{From: refObj.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0, limit)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return storer.ErrStop
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func refCommit(repo *git.Repository, ref string) (*object.Commit, error) {
	refObj, err := repo.Reference(plumbing.NewBranchReferenceName(ref), true)
	if err != nil {
		return nil, fmt.Errorf("resolve ref %s: %w", ref, err)
	}
	commitObj, err := repo.CommitObject(refObj.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit for %s: %w", ref, err)
	}
	return commitObj, nil
}

func mergeBase(repo *git.Repository, refA, refB string) (*object.Commit, error) {
	commitA, err := refCommit(repo, refA)
	if err != nil {
		return nil, err
	}
	commitB, err := refCommit(repo, refB)
	if err != nil {
		return nil, err
	}
	bases, err := commitA.MergeBase(commitB)
	if err != nil {
		return nil, fmt.Errorf("merge base %s..%s: %w", refA, refB, err)
	}
	if len(bases) == 0 {
		return nil, fmt.Errorf("no merge base between %s and %s", refA, refB)
	}
	return bases[0], nil
}

func diffCommits(from, to *object.Commit) ([]ChangedFile, error) {
	fromTree, err := from.Tree()
	if err != nil {
		return nil, fmt.Errorf("read tree %s: %w", from.Hash, err)
	}
	toTree, err := to.Tree()
	if err != nil {
		return nil, fmt.Errorf("read tree %s: %w", to.Hash, err)
	}
	changes, err := object.DiffTreeWithOptions(context.Background(), fromTree, toTree, object.DefaultDiffTreeOptions)
	if err != nil {
		return nil, fmt.Errorf("diff trees: %w", err)
	}

	items := make([]ChangedFile, 0, len(changes))
	for _, change := range changes {
		action, err := change.Action()
		if err != nil {
			return nil, fmt.Errorf("change action: %w", err)
		}
		switch action {
		case merkletrie.Insert:
			items = append(items, ChangedFile{Path: change.To.Name, Kind: ChangeAdded})
		case merkletrie.Delete:
			items = append(items, ChangedFile{Path: change.From.Name, Kind: ChangeDeleted})
		case merkletrie.Modify:
			if change.From.Name != change.To.Name {
				items = append(items, ChangedFile{Path: change.To.Name, Kind: ChangeRenamed, OldPath: change.From.Name})
				continue
			}
			items = append(items, ChangedFile{Path: change.To.Name, Kind: ChangeModified})
		}
	}
	return items, nil
}

func writeFromTree(tree *object.Tree, repoRoot, path string) error {
	file, err := tree.File(path)
	if err != nil {
		return fmt.Errorf("load %s from branch tree: %w", path, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	target := filepath.Join(repoRoot, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	if err := os.WriteFile(target, []byte(contents), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func checkoutBranch(repo *git.Repository, branchName string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRef, true); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Create: true}); err != nil {
				return fmt.Errorf("create branch checkout %s: %w", branchName, err)
			}
			return nil
		}
		return fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branchName, err)
	}
	return nil
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String(),
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.meridian.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func sanitizeEmail(input string) string {
	runes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			runes = append(runes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			runes = append(runes, '.')
		}
	}
	if len(runes) == 0 {
		return "user"
	}
	return strings.ToLower(string(runes))
}

// Package app is the service facade: it composes the store, the git
// repository, the lifecycle machine, the convergence coordinator, the version
// store and the search indexer behind one API used by the host process.
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"meridian/api/internal/config"
	"meridian/api/internal/content"
	"meridian/api/internal/convergence"
	"meridian/api/internal/lifecycle"
	"meridian/api/internal/rbac"
	"meridian/api/internal/search"
	"meridian/api/internal/store"
	"meridian/api/internal/util"
)

// ErrForbidden wraps every authorization refusal made at the facade level.
var ErrForbidden = errors.New("forbidden")

// ErrNotFound normalizes sql.ErrNoRows for callers.
var ErrNotFound = errors.New("not found")

type Actor struct {
	ID   string
	Role rbac.Role
}

type CreateBranchInput struct {
	Name       string   `json:"name"`
	BaseRef    string   `json:"baseRef"`
	Visibility string   `json:"visibility"`
	Reviewers  []string `json:"reviewers"`
	Labels     []string `json:"labels"`
}

type CreateContentInput struct {
	Slug     string   `json:"slug"`
	Title    string   `json:"title"`
	Category string   `json:"category"`
	Tags     []string `json:"tags"`
	Body     string   `json:"body"`
}

// VersionDiff pairs the line diff of two version bodies with their metadata
// field changes.
type VersionDiff struct {
	FromVersionID   string                `json:"fromVersionId"`
	ToVersionID     string                `json:"toVersionId"`
	Lines           []content.LineRange   `json:"lines"`
	MetadataChanges []content.FieldChange `json:"metadataChanges"`
}

type dataStore interface {
	GetBranch(context.Context, string) (store.Branch, error)
	GetBranchBySlug(context.Context, string) (store.Branch, error)
	ListBranches(context.Context) ([]store.Branch, error)
	InsertBranch(context.Context, store.Branch) error
	DeleteBranch(context.Context, string) error
	UpdateBranchHead(context.Context, string, string) error
	SetBranchReviewers(context.Context, string, []string) error
	ListBranchTransitions(context.Context, string) ([]store.BranchTransition, error)
	InsertContentItem(context.Context, store.ContentItem) error
	GetContentItem(context.Context, string) (store.ContentItem, error)
	GetContentItemBySlug(context.Context, string, string) (store.ContentItem, error)
	ListContentItems(context.Context, string) ([]store.ContentItem, error)
	Ping(ctx context.Context) error
}

type gitService interface {
	EnsureRepo(author string) error
	EnsureBranch(name, fromRef string) (string, error)
	CommitFile(branch, path string, payload []byte, author, message string) (store.CommitInfo, error)
	History(ref string, limit int) ([]store.CommitInfo, error)
}

type lifecycleService interface {
	Apply(ctx context.Context, branchID string, event lifecycle.Event, actor lifecycle.Actor, reason string) (store.Branch, error)
}

type convergenceCoordinator interface {
	Create(ctx context.Context, branchID, publisherID string) (store.ConvergenceOperation, error)
	Validate(ctx context.Context, branchID string) (convergence.ValidationReport, error)
	Execute(ctx context.Context, operationID string) (store.ConvergenceOperation, error)
	Cancel(ctx context.Context, operationID, actorID string) error
	Status(ctx context.Context, operationID string) (store.ConvergenceOperation, error)
	ListForBranch(ctx context.Context, branchID string) ([]store.ConvergenceOperation, error)
	ForceRelease(ctx context.Context, operationID, actorID, reason string) (convergence.ReconciliationReport, error)
}

type versionStore interface {
	Append(ctx context.Context, itemID, body, authorID string) (store.ContentVersion, error)
	Get(ctx context.Context, versionID string) (store.ContentVersion, error)
	History(ctx context.Context, contentID string) ([]store.ContentVersion, error)
	Revert(ctx context.Context, itemID, versionID, authorID string) (store.ContentVersion, error)
	MarkPublished(ctx context.Context, itemID, versionID string) error
}

type Service struct {
	cfg         config.Config
	store       dataStore
	git         gitService
	lifecycle   lifecycleService
	convergence convergenceCoordinator
	versions    versionStore
	indexer     search.Indexer
	searcher    search.Searcher
}

func NewService(cfg config.Config, dataStore dataStore, git gitService, lifecycleSvc lifecycleService, coordinator convergenceCoordinator, versions versionStore, indexer search.Indexer, searcher search.Searcher) *Service {
	if indexer == nil {
		indexer = search.NopIndexer{}
	}
	return &Service{
		cfg:         cfg,
		store:       dataStore,
		git:         git,
		lifecycle:   lifecycleSvc,
		convergence: coordinator,
		versions:    versions,
		indexer:     indexer,
		searcher:    searcher,
	}
}

// Bootstrap prepares the content repository and seeds a starter branch on an
// empty database. Safe to run on every start.
func (s *Service) Bootstrap(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	if err := s.git.EnsureRepo("meridian"); err != nil {
		return fmt.Errorf("prepare content repository: %w", err)
	}
	return s.seedDemo(ctx)
}

func (s *Service) seedDemo(ctx context.Context) error {
	branches, err := s.store.ListBranches(ctx)
	if err != nil {
		return fmt.Errorf("list branches: %w", err)
	}
	if len(branches) > 0 {
		return nil
	}

	actor := Actor{ID: "system", Role: rbac.RoleAdmin}
	branch, err := s.CreateBranch(ctx, CreateBranchInput{Name: "Getting Started"}, actor)
	if err != nil {
		return fmt.Errorf("seed branch: %w", err)
	}
	if _, err := s.CreateContent(ctx, branch.ID, CreateContentInput{
		Slug:     "welcome",
		Title:    "Welcome to Meridian",
		Category: "guides",
		Body:     "Drafts live on branches. Submit for review, collect approvals, then converge into the canonical ref.",
	}, actor); err != nil {
		return fmt.Errorf("seed content: %w", err)
	}
	log.Printf("seeded starter branch %s", branch.Slug)
	return nil
}

// ---- branches ----

func (s *Service) CreateBranch(ctx context.Context, input CreateBranchInput, actor Actor) (store.Branch, error) {
	if !rbac.Can(actor.Role, rbac.ActionEdit) {
		return store.Branch{}, fmt.Errorf("%w: create branch requires edit", ErrForbidden)
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Branch{}, fmt.Errorf("branch name is required")
	}
	baseRef := input.BaseRef
	if baseRef == "" {
		baseRef = s.cfg.DefaultTarget
	}
	visibility := input.Visibility
	if visibility == "" {
		visibility = "internal"
	}

	slug := slugify(name)
	baseCommit, err := s.git.EnsureBranch(slug, baseRef)
	if err != nil {
		return store.Branch{}, fmt.Errorf("create branch ref: %w", err)
	}

	branch := store.Branch{
		ID:         util.NewID("br"),
		Name:       name,
		Slug:       slug,
		BaseRef:    baseRef,
		BaseCommit: baseCommit,
		HeadCommit: baseCommit,
		State:      store.StateDraft,
		Visibility: visibility,
		OwnerID:    actor.ID,
		Reviewers:  input.Reviewers,
		Labels:     input.Labels,
	}
	if err := s.store.InsertBranch(ctx, branch); err != nil {
		return store.Branch{}, fmt.Errorf("insert branch: %w", err)
	}
	return s.store.GetBranch(ctx, branch.ID)
}

func (s *Service) GetBranch(ctx context.Context, branchID string) (store.Branch, error) {
	branch, err := s.store.GetBranch(ctx, branchID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Branch{}, fmt.Errorf("%w: branch %s", ErrNotFound, branchID)
	}
	return branch, err
}

func (s *Service) GetBranchBySlug(ctx context.Context, slug string) (store.Branch, error) {
	branch, err := s.store.GetBranchBySlug(ctx, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Branch{}, fmt.Errorf("%w: branch %s", ErrNotFound, slug)
	}
	return branch, err
}

func (s *Service) ListBranches(ctx context.Context) ([]store.Branch, error) {
	return s.store.ListBranches(ctx)
}

func (s *Service) SetReviewers(ctx context.Context, branchID string, reviewers []string, actor Actor) error {
	branch, err := s.GetBranch(ctx, branchID)
	if err != nil {
		return err
	}
	if actor.ID != branch.OwnerID && !rbac.Can(actor.Role, rbac.ActionOperate) {
		return fmt.Errorf("%w: only the owner can assign reviewers", ErrForbidden)
	}
	return s.store.SetBranchReviewers(ctx, branchID, reviewers)
}

// ApplyLifecycle runs one state machine event against a branch. Publishing a
// branch also marks the current version of each of its items as live.
func (s *Service) ApplyLifecycle(ctx context.Context, branchID string, event lifecycle.Event, actor Actor, reason string) (store.Branch, error) {
	branch, err := s.lifecycle.Apply(ctx, branchID, event, lifecycle.Actor{ID: actor.ID, Role: actor.Role}, reason)
	if err != nil {
		return store.Branch{}, err
	}
	if event == lifecycle.EventPublish {
		if err := s.publishContent(ctx, branch); err != nil {
			log.Printf("mark content published for branch %s: %v", branch.ID, err)
		}
	}
	return branch, nil
}

func (s *Service) publishContent(ctx context.Context, branch store.Branch) error {
	items, err := s.store.ListContentItems(ctx, branch.ID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.CurrentVersionID == "" {
			continue
		}
		if err := s.versions.MarkPublished(ctx, item.ID, item.CurrentVersionID); err != nil {
			return fmt.Errorf("item %s: %w", item.ID, err)
		}
	}
	return nil
}

// DeleteBranch removes a branch record and its search entries. Only draft or
// archived branches may be deleted; anything further along is archived first.
// The git ref is kept for forensic history.
func (s *Service) DeleteBranch(ctx context.Context, branchID string, actor Actor) error {
	branch, err := s.GetBranch(ctx, branchID)
	if err != nil {
		return err
	}
	if actor.ID != branch.OwnerID && !rbac.Can(actor.Role, rbac.ActionOperate) {
		return fmt.Errorf("%w: delete requires ownership or operate", ErrForbidden)
	}
	if branch.State != store.StateDraft && branch.State != store.StateArchived {
		return fmt.Errorf("branch %s is %s; only draft or archived branches can be deleted", branch.ID, branch.State)
	}

	items, err := s.store.ListContentItems(ctx, branch.ID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := s.indexer.DeleteContent(item.ID); err != nil {
			log.Printf("deindex content %s: %v", item.ID, err)
		}
	}
	return s.store.DeleteBranch(ctx, branchID)
}

func (s *Service) BranchTransitions(ctx context.Context, branchID string) ([]store.BranchTransition, error) {
	return s.store.ListBranchTransitions(ctx, branchID)
}

func (s *Service) BranchCommits(ctx context.Context, branchID string) ([]store.CommitInfo, error) {
	branch, err := s.GetBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}
	return s.git.History(branch.Slug, s.cfg.HistoryLimit)
}

// ---- content ----

func (s *Service) CreateContent(ctx context.Context, branchID string, input CreateContentInput, actor Actor) (store.ContentItem, error) {
	branch, err := s.editableBranch(ctx, branchID, actor)
	if err != nil {
		return store.ContentItem{}, err
	}
	slug := slugify(input.Slug)
	if slug == "" {
		slug = slugify(input.Title)
	}
	if slug == "" {
		return store.ContentItem{}, fmt.Errorf("content slug is required")
	}

	item := store.ContentItem{
		ID:          util.NewID("ci"),
		BranchID:    branch.ID,
		Slug:        slug,
		Title:       input.Title,
		ContentType: "article",
		Category:    input.Category,
		Tags:        input.Tags,
		Visibility:  branch.Visibility,
	}
	if err := s.store.InsertContentItem(ctx, item); err != nil {
		return store.ContentItem{}, fmt.Errorf("insert content item: %w", err)
	}

	if _, err := s.writeVersion(ctx, branch, item, input.Body, actor, fmt.Sprintf("Add %s", slug)); err != nil {
		return store.ContentItem{}, err
	}
	return s.store.GetContentItem(ctx, item.ID)
}

func (s *Service) SaveContent(ctx context.Context, itemID, body string, actor Actor) (store.ContentVersion, error) {
	item, err := s.store.GetContentItem(ctx, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ContentVersion{}, fmt.Errorf("%w: content %s", ErrNotFound, itemID)
	}
	if err != nil {
		return store.ContentVersion{}, err
	}
	branch, err := s.editableBranch(ctx, item.BranchID, actor)
	if err != nil {
		return store.ContentVersion{}, err
	}
	return s.writeVersion(ctx, branch, item, body, actor, fmt.Sprintf("Update %s", item.Slug))
}

func (s *Service) RevertContent(ctx context.Context, itemID, versionID string, actor Actor) (store.ContentVersion, error) {
	item, err := s.store.GetContentItem(ctx, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ContentVersion{}, fmt.Errorf("%w: content %s", ErrNotFound, itemID)
	}
	if err != nil {
		return store.ContentVersion{}, err
	}
	branch, err := s.editableBranch(ctx, item.BranchID, actor)
	if err != nil {
		return store.ContentVersion{}, err
	}

	version, err := s.versions.Revert(ctx, itemID, versionID, actor.ID)
	if err != nil {
		return store.ContentVersion{}, err
	}
	if err := s.commitAndIndex(ctx, branch, item, version, actor, fmt.Sprintf("Revert %s", item.Slug)); err != nil {
		return store.ContentVersion{}, err
	}
	return version, nil
}

func (s *Service) ContentHistory(ctx context.Context, itemID string) ([]store.ContentVersion, error) {
	return s.versions.History(ctx, itemID)
}

func (s *Service) GetVersion(ctx context.Context, versionID string) (store.ContentVersion, error) {
	return s.versions.Get(ctx, versionID)
}

func (s *Service) ListContent(ctx context.Context, branchID string) ([]store.ContentItem, error) {
	return s.store.ListContentItems(ctx, branchID)
}

func (s *Service) GetContentBySlug(ctx context.Context, branchID, slug string) (store.ContentItem, error) {
	item, err := s.store.GetContentItemBySlug(ctx, branchID, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ContentItem{}, fmt.Errorf("%w: content %s", ErrNotFound, slug)
	}
	return item, err
}

// SearchContent runs a full-text query against the search backend.
func (s *Service) SearchContent(ctx context.Context, q search.Query) (search.Response, error) {
	if s.searcher == nil || !s.searcher.Healthy() {
		return search.Response{}, fmt.Errorf("search backend unavailable")
	}
	results, total, err := s.searcher.Search(q)
	if err != nil {
		return search.Response{}, fmt.Errorf("search: %w", err)
	}
	if results == nil {
		results = []search.Result{}
	}
	return search.Response{Results: results, Total: total, Query: q.Text}, nil
}

// DiffVersions compares two versions of the same item: a line diff of the
// bodies plus changed metadata fields.
func (s *Service) DiffVersions(ctx context.Context, fromVersionID, toVersionID string) (VersionDiff, error) {
	from, err := s.versions.Get(ctx, fromVersionID)
	if err != nil {
		return VersionDiff{}, err
	}
	to, err := s.versions.Get(ctx, toVersionID)
	if err != nil {
		return VersionDiff{}, err
	}
	if from.ContentID != to.ContentID {
		return VersionDiff{}, fmt.Errorf("versions belong to different items")
	}

	return VersionDiff{
		FromVersionID:   from.ID,
		ToVersionID:     to.ID,
		Lines:           content.ComputeLineDiff(from.Body, to.Body),
		MetadataChanges: content.ComputeMetadataDiff(snapshotMap(from.MetadataSnapshot), snapshotMap(to.MetadataSnapshot)),
	}, nil
}

// ---- convergence ----

func (s *Service) CreateConvergence(ctx context.Context, branchID string, actor Actor) (store.ConvergenceOperation, error) {
	if !rbac.Can(actor.Role, rbac.ActionPublish) {
		return store.ConvergenceOperation{}, fmt.Errorf("%w: convergence requires publish", ErrForbidden)
	}
	return s.convergence.Create(ctx, branchID, actor.ID)
}

// ValidateConvergence dry-runs the convergence checks for a branch without
// creating an operation or taking the lock.
func (s *Service) ValidateConvergence(ctx context.Context, branchID string) (convergence.ValidationReport, error) {
	return s.convergence.Validate(ctx, branchID)
}

func (s *Service) ExecuteConvergence(ctx context.Context, operationID string, actor Actor) (store.ConvergenceOperation, error) {
	if !rbac.Can(actor.Role, rbac.ActionPublish) {
		return store.ConvergenceOperation{}, fmt.Errorf("%w: convergence requires publish", ErrForbidden)
	}
	return s.convergence.Execute(ctx, operationID)
}

func (s *Service) CancelConvergence(ctx context.Context, operationID string, actor Actor) error {
	if !rbac.Can(actor.Role, rbac.ActionPublish) {
		return fmt.Errorf("%w: convergence requires publish", ErrForbidden)
	}
	return s.convergence.Cancel(ctx, operationID, actor.ID)
}

func (s *Service) ConvergenceStatus(ctx context.Context, operationID string) (store.ConvergenceOperation, error) {
	op, err := s.convergence.Status(ctx, operationID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ConvergenceOperation{}, fmt.Errorf("%w: operation %s", ErrNotFound, operationID)
	}
	return op, err
}

func (s *Service) BranchConvergences(ctx context.Context, branchID string) ([]store.ConvergenceOperation, error) {
	return s.convergence.ListForBranch(ctx, branchID)
}

// ForceReleaseConvergence frees a stuck lock. Restricted to operators.
func (s *Service) ForceReleaseConvergence(ctx context.Context, operationID string, actor Actor, reason string) (convergence.ReconciliationReport, error) {
	if !rbac.Can(actor.Role, rbac.ActionOperate) {
		return convergence.ReconciliationReport{}, fmt.Errorf("%w: force release requires operate", ErrForbidden)
	}
	return s.convergence.ForceRelease(ctx, operationID, actor.ID, reason)
}

// ---- helpers ----

// editableBranch loads a branch and checks the actor may change its content.
// Content edits are only allowed while the branch is in draft.
func (s *Service) editableBranch(ctx context.Context, branchID string, actor Actor) (store.Branch, error) {
	branch, err := s.GetBranch(ctx, branchID)
	if err != nil {
		return store.Branch{}, err
	}
	if actor.ID != branch.OwnerID && !rbac.Can(actor.Role, rbac.ActionEdit) {
		return store.Branch{}, fmt.Errorf("%w: edit requires ownership or edit permission", ErrForbidden)
	}
	if branch.State != store.StateDraft {
		return store.Branch{}, fmt.Errorf("branch %s is %s; content changes require draft", branch.ID, branch.State)
	}
	return branch, nil
}

func (s *Service) writeVersion(ctx context.Context, branch store.Branch, item store.ContentItem, body string, actor Actor, message string) (store.ContentVersion, error) {
	version, err := s.versions.Append(ctx, item.ID, body, actor.ID)
	if err != nil {
		return store.ContentVersion{}, err
	}
	if err := s.commitAndIndex(ctx, branch, item, version, actor, message); err != nil {
		return store.ContentVersion{}, err
	}
	return version, nil
}

// commitAndIndex mirrors a new version into the git branch and the search
// index. The git commit is authoritative for convergence; indexing is
// best-effort.
func (s *Service) commitAndIndex(ctx context.Context, branch store.Branch, item store.ContentItem, version store.ContentVersion, actor Actor, message string) error {
	payload, err := json.MarshalIndent(map[string]any{
		"slug":     item.Slug,
		"title":    version.MetadataSnapshot.Title,
		"category": version.MetadataSnapshot.Category,
		"tags":     version.MetadataSnapshot.Tags,
		"body":     version.Body,
		"checksum": version.Checksum,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode content payload: %w", err)
	}

	commit, err := s.git.CommitFile(branch.Slug, "content/"+item.Slug+".json", payload, actor.ID, message)
	if err != nil {
		return fmt.Errorf("commit content: %w", err)
	}
	if err := s.store.UpdateBranchHead(ctx, branch.ID, commit.Hash); err != nil {
		return fmt.Errorf("update branch head: %w", err)
	}

	if err := s.indexer.IndexContent(search.ContentRecord{
		ID:          item.ID,
		Slug:        item.Slug,
		Title:       version.MetadataSnapshot.Title,
		Body:        version.Body,
		Category:    version.MetadataSnapshot.Category,
		Tags:        version.MetadataSnapshot.Tags,
		BranchID:    branch.ID,
		BranchState: branch.State,
		IsPublished: item.IsPublished,
	}); err != nil {
		log.Printf("index content %s: %v", item.ID, err)
	}
	return nil
}

func snapshotMap(snapshot store.MetadataSnapshot) map[string]any {
	return map[string]any{
		"title":    snapshot.Title,
		"category": snapshot.Category,
		"tags":     snapshot.Tags,
	}
}

func slugify(input string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(input)) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteRune('-')
			lastDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

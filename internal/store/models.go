package store

import "time"

// Branch lifecycle states.
const (
	StateDraft     = "draft"
	StateReview    = "review"
	StateApproved  = "approved"
	StatePublished = "published"
	StateArchived  = "archived"
)

// ConvergenceOperation statuses. An operation in validating or merging holds
// the target-ref lock; terminal statuses never change again.
const (
	OpPending    = "pending"
	OpValidating = "validating"
	OpMerging    = "merging"
	OpSucceeded  = "succeeded"
	OpFailed     = "failed"
	OpRolledBack = "rolled_back"
)

type Branch struct {
	ID         string
	Name       string
	Slug       string
	BaseRef    string
	BaseCommit string
	HeadCommit string
	State      string
	Visibility string
	OwnerID    string
	Reviewers  []string
	Labels     []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// BranchTransition is an immutable audit record; one row is inserted per
// successful state change and never updated or deleted.
type BranchTransition struct {
	ID        int64
	BranchID  string
	Event     string
	FromState string
	ToState   string
	ActorID   string
	ActorType string
	Reason    string
	Metadata  map[string]string
	CreatedAt time.Time
}

// ReviewRequest tracks a reviewer's request for changes. Open requests block
// convergence until the author resubmits the branch for review.
type ReviewRequest struct {
	ID         string
	BranchID   string
	ReviewerID string
	Comment    string
	Status     string // open, resolved
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// ValidationResult is one precondition check outcome, persisted as typed
// JSONB on the operation row.
type ValidationResult struct {
	Check   string `json:"check"`
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
}

// ConflictDetail describes one overlapping path between a branch and its
// target since their merge base.
type ConflictDetail struct {
	Path        string `json:"path"`
	Type        string `json:"type"` // content, rename, delete
	Description string `json:"description"`
}

type ConvergenceOperation struct {
	ID                string
	BranchID          string
	PublisherID       string
	Status            string
	TargetRef         string
	ValidationResults []ValidationResult
	ConflictDetected  bool
	ConflictDetails   []ConflictDetail
	MergeCommit       string
	PreMergeHead      string
	FailureReason     string
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

type ContentItem struct {
	ID                 string
	BranchID           string
	Slug               string
	Title              string
	ContentType        string
	Category           string
	Tags               []string
	CurrentVersionID   string
	PublishedVersionID string
	SourceContentID    string
	Visibility         string
	IsPublished        bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// MetadataSnapshot freezes an item's descriptive fields at the instant a
// version is written, regardless of later edits to the live item.
type MetadataSnapshot struct {
	Title    string   `json:"title"`
	Category string   `json:"category"`
	Tags     []string `json:"tags"`
}

// ContentVersion is one link in an item's append-only version chain.
// Checksum is always the BLAKE2b-256 hex digest of Body.
type ContentVersion struct {
	ID               string
	ContentID        string
	ParentVersionID  string
	Body             string
	MetadataSnapshot MetadataSnapshot
	Checksum         string
	ByteSize         int64
	AuthorID         string
	AuthorType       string
	IsRevert         bool
	RevertedFromID   string
	CreatedAt        time.Time
}

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}

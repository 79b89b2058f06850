package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- branches ----

const branchColumns = `
	id, name, slug, base_ref, base_commit, head_commit, state, visibility,
	owner_id, COALESCE(reviewers::text, '[]'), COALESCE(labels::text, '[]'),
	created_at, updated_at
`

func (s *PostgresStore) scanBranch(row interface{ Scan(...any) error }) (Branch, error) {
	var item Branch
	var reviewersRaw, labelsRaw string
	err := row.Scan(
		&item.ID,
		&item.Name,
		&item.Slug,
		&item.BaseRef,
		&item.BaseCommit,
		&item.HeadCommit,
		&item.State,
		&item.Visibility,
		&item.OwnerID,
		&reviewersRaw,
		&labelsRaw,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Branch{}, err
	}
	_ = json.Unmarshal([]byte(reviewersRaw), &item.Reviewers)
	_ = json.Unmarshal([]byte(labelsRaw), &item.Labels)
	return item, nil
}

func (s *PostgresStore) GetBranch(ctx context.Context, branchID string) (Branch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+branchColumns+` FROM branches WHERE id=$1`, branchID)
	return s.scanBranch(row)
}

func (s *PostgresStore) GetBranchBySlug(ctx context.Context, slug string) (Branch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+branchColumns+` FROM branches WHERE slug=$1`, slug)
	return s.scanBranch(row)
}

func (s *PostgresStore) ListBranches(ctx context.Context) ([]Branch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+branchColumns+` FROM branches ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	items := make([]Branch, 0)
	for rows.Next() {
		item, err := s.scanBranch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate branches: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertBranch(ctx context.Context, item Branch) error {
	reviewers, err := encodeStrings(item.Reviewers)
	if err != nil {
		return fmt.Errorf("marshal reviewers: %w", err)
	}
	labels, err := encodeStrings(item.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO branches (id, name, slug, base_ref, base_commit, head_commit, state, visibility, owner_id, reviewers, labels)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11::jsonb)
	`, item.ID, item.Name, item.Slug, item.BaseRef, item.BaseCommit, item.HeadCommit, item.State, item.Visibility, item.OwnerID, reviewers, labels)
	if err != nil {
		return fmt.Errorf("insert branch: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateBranchState(ctx context.Context, branchID, fromState, toState string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE branches
		SET state=$3, updated_at=NOW()
		WHERE id=$1 AND state=$2
	`, branchID, fromState, toState)
	if err != nil {
		return false, fmt.Errorf("update branch state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update branch state rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) UpdateBranchHead(ctx context.Context, branchID, headCommit string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE branches SET head_commit=$2, updated_at=NOW() WHERE id=$1
	`, branchID, headCommit)
	if err != nil {
		return fmt.Errorf("update branch head: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetBranchReviewers(ctx context.Context, branchID string, reviewers []string) error {
	encoded, err := encodeStrings(reviewers)
	if err != nil {
		return fmt.Errorf("marshal reviewers: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE branches SET reviewers=$2::jsonb, updated_at=NOW() WHERE id=$1
	`, branchID, encoded)
	if err != nil {
		return fmt.Errorf("set branch reviewers: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteBranch(ctx context.Context, branchID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM branches WHERE id=$1`, branchID)
	if err != nil {
		return fmt.Errorf("delete branch: %w", err)
	}
	return nil
}

// ---- branch transitions ----

func (s *PostgresStore) InsertBranchTransition(ctx context.Context, transition BranchTransition) error {
	metadata := transition.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal transition metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO branch_transitions (branch_id, event, from_state, to_state, actor_id, actor_type, reason, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
	`, transition.BranchID, transition.Event, transition.FromState, transition.ToState, transition.ActorID, transition.ActorType, transition.Reason, string(encoded))
	if err != nil {
		return fmt.Errorf("insert branch transition: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBranchTransitions(ctx context.Context, branchID string) ([]BranchTransition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, event, from_state, to_state, actor_id, actor_type, reason, COALESCE(metadata::text, '{}'), created_at
		FROM branch_transitions
		WHERE branch_id=$1
		ORDER BY created_at ASC, id ASC
	`, branchID)
	if err != nil {
		return nil, fmt.Errorf("list branch transitions: %w", err)
	}
	defer rows.Close()

	items := make([]BranchTransition, 0)
	for rows.Next() {
		var item BranchTransition
		var metadataRaw string
		if err := rows.Scan(
			&item.ID,
			&item.BranchID,
			&item.Event,
			&item.FromState,
			&item.ToState,
			&item.ActorID,
			&item.ActorType,
			&item.Reason,
			&metadataRaw,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan branch transition: %w", err)
		}
		_ = json.Unmarshal([]byte(metadataRaw), &item.Metadata)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate branch transitions: %w", err)
	}
	return items, nil
}

// ---- review requests ----

func (s *PostgresStore) InsertReviewRequest(ctx context.Context, request ReviewRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO review_requests (id, branch_id, reviewer_id, comment, status)
		VALUES ($1, $2, $3, $4, 'open')
	`, request.ID, request.BranchID, request.ReviewerID, request.Comment)
	if err != nil {
		return fmt.Errorf("insert review request: %w", err)
	}
	return nil
}

func (s *PostgresStore) ResolveReviewRequests(ctx context.Context, branchID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE review_requests
		SET status='resolved', resolved_at=NOW()
		WHERE branch_id=$1 AND status='open'
	`, branchID)
	if err != nil {
		return fmt.Errorf("resolve review requests: %w", err)
	}
	return nil
}

func (s *PostgresStore) OpenReviewRequestCount(ctx context.Context, branchID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM review_requests WHERE branch_id=$1 AND status='open'
	`, branchID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count open review requests: %w", err)
	}
	return count, nil
}

// ---- convergence operations ----

const operationColumns = `
	id, branch_id, publisher_id, status, target_ref,
	COALESCE(validation_results::text, '[]'), conflict_detected,
	COALESCE(conflict_details::text, '[]'), COALESCE(merge_commit, ''),
	COALESCE(pre_merge_head, ''), COALESCE(failure_reason, ''),
	created_at, started_at, completed_at
`

func scanOperation(row interface{ Scan(...any) error }) (ConvergenceOperation, error) {
	var item ConvergenceOperation
	var resultsRaw, detailsRaw string
	err := row.Scan(
		&item.ID,
		&item.BranchID,
		&item.PublisherID,
		&item.Status,
		&item.TargetRef,
		&resultsRaw,
		&item.ConflictDetected,
		&detailsRaw,
		&item.MergeCommit,
		&item.PreMergeHead,
		&item.FailureReason,
		&item.CreatedAt,
		&item.StartedAt,
		&item.CompletedAt,
	)
	if err != nil {
		return ConvergenceOperation{}, err
	}
	if err := json.Unmarshal([]byte(resultsRaw), &item.ValidationResults); err != nil {
		return ConvergenceOperation{}, fmt.Errorf("decode validation results: %w", err)
	}
	if err := json.Unmarshal([]byte(detailsRaw), &item.ConflictDetails); err != nil {
		return ConvergenceOperation{}, fmt.Errorf("decode conflict details: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertConvergenceOperation(ctx context.Context, op ConvergenceOperation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO convergence_operations (id, branch_id, publisher_id, status, target_ref)
		VALUES ($1, $2, $3, 'pending', $4)
	`, op.ID, op.BranchID, op.PublisherID, op.TargetRef)
	if err != nil {
		return fmt.Errorf("insert convergence operation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConvergenceOperation(ctx context.Context, operationID string) (ConvergenceOperation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM convergence_operations WHERE id=$1`, operationID)
	return scanOperation(row)
}

func (s *PostgresStore) ListBranchOperations(ctx context.Context, branchID string) ([]ConvergenceOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+operationColumns+`
		FROM convergence_operations
		WHERE branch_id=$1
		ORDER BY created_at DESC, id DESC
	`, branchID)
	if err != nil {
		return nil, fmt.Errorf("list branch operations: %w", err)
	}
	defer rows.Close()

	items := make([]ConvergenceOperation, 0)
	for rows.Next() {
		item, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return items, nil
}

// AcquireConvergenceLock flips a pending operation to validating in one
// conditional statement. The WHERE clause re-checks both exclusivity (no other
// active operation on the target) and first-wins ordering (no older pending
// operation, created_at then id as the tie-break). A partial unique index on
// active operations per target_ref makes a concurrent double flip impossible:
// the loser's UPDATE fails the constraint and is reported as not acquired.
func (s *PostgresStore) AcquireConvergenceLock(ctx context.Context, operationID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE convergence_operations AS op
		SET status='validating', started_at=NOW()
		WHERE op.id=$1 AND op.status='pending'
		  AND NOT EXISTS (
			SELECT 1 FROM convergence_operations other
			WHERE other.target_ref = op.target_ref
			  AND other.id <> op.id
			  AND other.status IN ('validating', 'merging')
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM convergence_operations earlier
			WHERE earlier.target_ref = op.target_ref
			  AND earlier.status = 'pending'
			  AND (earlier.created_at < op.created_at
				   OR (earlier.created_at = op.created_at AND earlier.id < op.id))
		  )
	`, operationID)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("acquire convergence lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire convergence lock rows: %w", err)
	}
	return affected > 0, nil
}

// ActiveOperation returns the operation currently holding the lock on a
// target ref, or nil when none is active.
func (s *PostgresStore) ActiveOperation(ctx context.Context, targetRef string) (*ConvergenceOperation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+operationColumns+`
		FROM convergence_operations
		WHERE target_ref=$1 AND status IN ('validating', 'merging')
		LIMIT 1
	`, targetRef)
	item, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active operation: %w", err)
	}
	return &item, nil
}

// EarliestPendingOperation returns the pending operation that will win the
// next lock race on a target ref: oldest created_at, smaller id on ties.
func (s *PostgresStore) EarliestPendingOperation(ctx context.Context, targetRef string) (*ConvergenceOperation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+operationColumns+`
		FROM convergence_operations
		WHERE target_ref=$1 AND status='pending'
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, targetRef)
	item, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("earliest pending operation: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) MarkOperationMerging(ctx context.Context, operationID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE convergence_operations
		SET status='merging'
		WHERE id=$1 AND status='validating'
	`, operationID)
	if err != nil {
		return false, fmt.Errorf("mark operation merging: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark operation merging rows: %w", err)
	}
	return affected > 0, nil
}

// CompleteOperation moves an active operation to a terminal status and stamps
// completed_at. Terminal rows are immutable: the status guard means a second
// completion attempt affects zero rows.
func (s *PostgresStore) CompleteOperation(ctx context.Context, operationID, status, reason string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE convergence_operations
		SET status=$2, failure_reason=NULLIF($3, ''), completed_at=NOW()
		WHERE id=$1 AND status IN ('validating', 'merging')
	`, operationID, status, reason)
	if err != nil {
		return false, fmt.Errorf("complete operation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete operation rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) CancelPendingOperation(ctx context.Context, operationID, reason string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE convergence_operations
		SET status='failed', failure_reason=$2, completed_at=NOW()
		WHERE id=$1 AND status='pending'
	`, operationID, reason)
	if err != nil {
		return false, fmt.Errorf("cancel pending operation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel pending operation rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) SaveValidationResults(ctx context.Context, operationID string, results []ValidationResult) error {
	if results == nil {
		results = []ValidationResult{}
	}
	encoded, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal validation results: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE convergence_operations SET validation_results=$2::jsonb WHERE id=$1
	`, operationID, string(encoded))
	if err != nil {
		return fmt.Errorf("save validation results: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveConflictDetails(ctx context.Context, operationID string, details []ConflictDetail) error {
	if details == nil {
		details = []ConflictDetail{}
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal conflict details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE convergence_operations
		SET conflict_detected=$2, conflict_details=$3::jsonb
		WHERE id=$1
	`, operationID, len(details) > 0, string(encoded))
	if err != nil {
		return fmt.Errorf("save conflict details: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetOperationMergeState(ctx context.Context, operationID, preMergeHead, mergeCommit string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE convergence_operations
		SET pre_merge_head=NULLIF($2, ''), merge_commit=NULLIF($3, '')
		WHERE id=$1
	`, operationID, preMergeHead, mergeCommit)
	if err != nil {
		return fmt.Errorf("set operation merge state: %w", err)
	}
	return nil
}

func (s *PostgresStore) HasSucceededConvergence(ctx context.Context, branchID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM convergence_operations WHERE branch_id=$1 AND status='succeeded')
	`, branchID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check succeeded convergence: %w", err)
	}
	return exists, nil
}

// ---- content items ----

const contentItemColumns = `
	id, branch_id, slug, title, content_type, category,
	COALESCE(tags::text, '[]'), COALESCE(current_version_id, ''),
	COALESCE(published_version_id, ''), COALESCE(source_content_id, ''),
	visibility, is_published, created_at, updated_at
`

func scanContentItem(row interface{ Scan(...any) error }) (ContentItem, error) {
	var item ContentItem
	var tagsRaw string
	err := row.Scan(
		&item.ID,
		&item.BranchID,
		&item.Slug,
		&item.Title,
		&item.ContentType,
		&item.Category,
		&tagsRaw,
		&item.CurrentVersionID,
		&item.PublishedVersionID,
		&item.SourceContentID,
		&item.Visibility,
		&item.IsPublished,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return ContentItem{}, err
	}
	_ = json.Unmarshal([]byte(tagsRaw), &item.Tags)
	return item, nil
}

func (s *PostgresStore) InsertContentItem(ctx context.Context, item ContentItem) error {
	tags, err := encodeStrings(item.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO content_items (id, branch_id, slug, title, content_type, category, tags, source_content_id, visibility)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, NULLIF($8, ''), $9)
	`, item.ID, item.BranchID, item.Slug, item.Title, item.ContentType, item.Category, tags, item.SourceContentID, item.Visibility)
	if err != nil {
		return fmt.Errorf("insert content item: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetContentItem(ctx context.Context, itemID string) (ContentItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contentItemColumns+` FROM content_items WHERE id=$1`, itemID)
	return scanContentItem(row)
}

func (s *PostgresStore) GetContentItemBySlug(ctx context.Context, branchID, slug string) (ContentItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+contentItemColumns+` FROM content_items WHERE branch_id=$1 AND slug=$2
	`, branchID, slug)
	return scanContentItem(row)
}

func (s *PostgresStore) ListContentItems(ctx context.Context, branchID string) ([]ContentItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contentItemColumns+`
		FROM content_items
		WHERE branch_id=$1
		ORDER BY slug ASC
	`, branchID)
	if err != nil {
		return nil, fmt.Errorf("list content items: %w", err)
	}
	defer rows.Close()

	items := make([]ContentItem, 0)
	for rows.Next() {
		item, err := scanContentItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan content item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate content items: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateContentItemHead(ctx context.Context, itemID, versionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE content_items SET current_version_id=$2, updated_at=NOW() WHERE id=$1
	`, itemID, versionID)
	if err != nil {
		return fmt.Errorf("update content item head: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkContentPublished(ctx context.Context, itemID, versionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE content_items
		SET published_version_id=$2, is_published=TRUE, updated_at=NOW()
		WHERE id=$1
	`, itemID, versionID)
	if err != nil {
		return fmt.Errorf("mark content published: %w", err)
	}
	return nil
}

// ---- content versions ----

const contentVersionColumns = `
	id, content_id, COALESCE(parent_version_id, ''), body,
	COALESCE(metadata_snapshot::text, '{}'), checksum, byte_size,
	author_id, author_type, is_revert, COALESCE(reverted_from_id, ''), created_at
`

func scanContentVersion(row interface{ Scan(...any) error }) (ContentVersion, error) {
	var item ContentVersion
	var snapshotRaw string
	err := row.Scan(
		&item.ID,
		&item.ContentID,
		&item.ParentVersionID,
		&item.Body,
		&snapshotRaw,
		&item.Checksum,
		&item.ByteSize,
		&item.AuthorID,
		&item.AuthorType,
		&item.IsRevert,
		&item.RevertedFromID,
		&item.CreatedAt,
	)
	if err != nil {
		return ContentVersion{}, err
	}
	if err := json.Unmarshal([]byte(snapshotRaw), &item.MetadataSnapshot); err != nil {
		return ContentVersion{}, fmt.Errorf("decode metadata snapshot: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertContentVersion(ctx context.Context, version ContentVersion) error {
	snapshot, err := json.Marshal(version.MetadataSnapshot)
	if err != nil {
		return fmt.Errorf("marshal metadata snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO content_versions (id, content_id, parent_version_id, body, metadata_snapshot, checksum, byte_size, author_id, author_type, is_revert, reverted_from_id)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5::jsonb, $6, $7, $8, $9, $10, NULLIF($11, ''))
	`, version.ID, version.ContentID, version.ParentVersionID, version.Body, string(snapshot), version.Checksum, version.ByteSize, version.AuthorID, version.AuthorType, version.IsRevert, version.RevertedFromID)
	if err != nil {
		return fmt.Errorf("insert content version: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetContentVersion(ctx context.Context, versionID string) (ContentVersion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contentVersionColumns+` FROM content_versions WHERE id=$1`, versionID)
	return scanContentVersion(row)
}

func (s *PostgresStore) ListContentVersions(ctx context.Context, contentID string) ([]ContentVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contentVersionColumns+`
		FROM content_versions
		WHERE content_id=$1
		ORDER BY created_at ASC, id ASC
	`, contentID)
	if err != nil {
		return nil, fmt.Errorf("list content versions: %w", err)
	}
	defer rows.Close()

	items := make([]ContentVersion, 0)
	for rows.Next() {
		item, err := scanContentVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan content version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate content versions: %w", err)
	}
	return items, nil
}

// ---- helpers ----

func encodeStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

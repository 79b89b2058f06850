// Package content manages the append-only version chain of each content item
// and the diffs between versions. Version rows are never updated or deleted;
// a revert is a new version whose body repeats an older one.
package content

import (
	"context"
	"encoding/hex"
	"fmt"

	"meridian/api/internal/store"
	"meridian/api/internal/util"

	"golang.org/x/crypto/blake2b"
)

type dataStore interface {
	GetContentItem(ctx context.Context, itemID string) (store.ContentItem, error)
	InsertContentVersion(ctx context.Context, version store.ContentVersion) error
	GetContentVersion(ctx context.Context, versionID string) (store.ContentVersion, error)
	ListContentVersions(ctx context.Context, contentID string) ([]store.ContentVersion, error)
	UpdateContentItemHead(ctx context.Context, itemID, versionID string) error
	MarkContentPublished(ctx context.Context, itemID, versionID string) error
}

// Checksum returns the BLAKE2b-256 hex digest of a version body.
func Checksum(body string) string {
	sum := blake2b.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// IntegrityError means a stored version body no longer matches its recorded
// checksum.
type IntegrityError struct {
	VersionID string
	Stored    string
	Computed  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("version %s failed checksum verification (stored %s, computed %s)", e.VersionID, e.Stored, e.Computed)
}

type VersionStore struct {
	store dataStore
}

func NewVersionStore(dataStore dataStore) *VersionStore {
	return &VersionStore{store: dataStore}
}

// Append writes a new version at the head of the item's chain. The item's
// current descriptive fields are frozen into the version's metadata snapshot.
func (s *VersionStore) Append(ctx context.Context, itemID, body, authorID string) (store.ContentVersion, error) {
	item, err := s.store.GetContentItem(ctx, itemID)
	if err != nil {
		return store.ContentVersion{}, fmt.Errorf("load content item: %w", err)
	}

	version := store.ContentVersion{
		ID:              util.NewID("ver"),
		ContentID:       item.ID,
		ParentVersionID: item.CurrentVersionID,
		Body:            body,
		MetadataSnapshot: store.MetadataSnapshot{
			Title:    item.Title,
			Category: item.Category,
			Tags:     item.Tags,
		},
		Checksum: Checksum(body),
		ByteSize: int64(len(body)),
		AuthorID: authorID,
	}
	version.AuthorType = "user"

	if err := s.store.InsertContentVersion(ctx, version); err != nil {
		return store.ContentVersion{}, fmt.Errorf("insert version: %w", err)
	}
	if err := s.store.UpdateContentItemHead(ctx, item.ID, version.ID); err != nil {
		return store.ContentVersion{}, fmt.Errorf("advance item head: %w", err)
	}
	return version, nil
}

// Get loads a version and verifies its body against the stored checksum.
func (s *VersionStore) Get(ctx context.Context, versionID string) (store.ContentVersion, error) {
	version, err := s.store.GetContentVersion(ctx, versionID)
	if err != nil {
		return store.ContentVersion{}, fmt.Errorf("load version: %w", err)
	}
	if computed := Checksum(version.Body); computed != version.Checksum {
		return store.ContentVersion{}, &IntegrityError{
			VersionID: version.ID,
			Stored:    version.Checksum,
			Computed:  computed,
		}
	}
	return version, nil
}

// History returns the item's versions oldest first.
func (s *VersionStore) History(ctx context.Context, contentID string) ([]store.ContentVersion, error) {
	return s.store.ListContentVersions(ctx, contentID)
}

// Revert appends a new head version whose body is copied from an earlier
// version of the same item. The chain stays append-only: nothing after the
// reverted-to version is removed.
func (s *VersionStore) Revert(ctx context.Context, itemID, versionID, authorID string) (store.ContentVersion, error) {
	item, err := s.store.GetContentItem(ctx, itemID)
	if err != nil {
		return store.ContentVersion{}, fmt.Errorf("load content item: %w", err)
	}
	source, err := s.Get(ctx, versionID)
	if err != nil {
		return store.ContentVersion{}, err
	}
	if source.ContentID != item.ID {
		return store.ContentVersion{}, fmt.Errorf("version %s does not belong to item %s", versionID, itemID)
	}

	version := store.ContentVersion{
		ID:              util.NewID("ver"),
		ContentID:       item.ID,
		ParentVersionID: item.CurrentVersionID,
		Body:            source.Body,
		MetadataSnapshot: store.MetadataSnapshot{
			Title:    item.Title,
			Category: item.Category,
			Tags:     item.Tags,
		},
		Checksum:       source.Checksum,
		ByteSize:       source.ByteSize,
		AuthorID:       authorID,
		AuthorType:     "user",
		IsRevert:       true,
		RevertedFromID: source.ID,
	}

	if err := s.store.InsertContentVersion(ctx, version); err != nil {
		return store.ContentVersion{}, fmt.Errorf("insert revert version: %w", err)
	}
	if err := s.store.UpdateContentItemHead(ctx, item.ID, version.ID); err != nil {
		return store.ContentVersion{}, fmt.Errorf("advance item head: %w", err)
	}
	return version, nil
}

// MarkPublished records which version of the item is live.
func (s *VersionStore) MarkPublished(ctx context.Context, itemID, versionID string) error {
	version, err := s.Get(ctx, versionID)
	if err != nil {
		return err
	}
	if version.ContentID != itemID {
		return fmt.Errorf("version %s does not belong to item %s", versionID, itemID)
	}
	return s.store.MarkContentPublished(ctx, itemID, versionID)
}

// Package lifecycle drives the branch state machine. Every transition is
// guarded (authorization first, then state and preconditions), applied with a
// compare-and-set on the current state, and recorded as an immutable
// transition row.
package lifecycle

import (
	"context"
	"fmt"
	"log"

	"meridian/api/internal/audit"
	"meridian/api/internal/rbac"
	"meridian/api/internal/store"
	"meridian/api/internal/util"
)

type Event string

const (
	EventSubmitForReview Event = "SUBMIT_FOR_REVIEW"
	EventRequestChanges  Event = "REQUEST_CHANGES"
	EventApprove         Event = "APPROVE"
	EventPublish         Event = "PUBLISH"
	EventArchive         Event = "ARCHIVE"
)

type Actor struct {
	ID   string
	Role rbac.Role
}

// AuthorizationError reports which guard rejected the actor. Authorization
// guards run before any state guard, so a caller who is both unauthorized and
// in the wrong state always sees this error.
type AuthorizationError struct {
	Guard string
}

func (e *AuthorizationError) Error() string {
	return "not authorized: " + e.Guard
}

// StateError reports an event that is not valid for the branch's current
// state, or a failed precondition on an otherwise valid event.
type StateError struct {
	Event  Event
	From   string
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot apply %s from state %s: %s", e.Event, e.From, e.Reason)
}

type dataStore interface {
	GetBranch(ctx context.Context, branchID string) (store.Branch, error)
	UpdateBranchState(ctx context.Context, branchID, fromState, toState string) (bool, error)
	InsertBranchTransition(ctx context.Context, transition store.BranchTransition) error
	InsertReviewRequest(ctx context.Context, request store.ReviewRequest) error
	ResolveReviewRequests(ctx context.Context, branchID string) error
	OpenReviewRequestCount(ctx context.Context, branchID string) (int, error)
	HasSucceededConvergence(ctx context.Context, branchID string) (bool, error)
}

type Service struct {
	store dataStore
	sink  audit.Sink
}

func NewService(dataStore dataStore, sink audit.Sink) *Service {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Service{store: dataStore, sink: sink}
}

// Apply runs one lifecycle event against a branch. On success the branch is
// re-read and returned with its new state.
func (s *Service) Apply(ctx context.Context, branchID string, event Event, actor Actor, reason string) (store.Branch, error) {
	branch, err := s.store.GetBranch(ctx, branchID)
	if err != nil {
		return store.Branch{}, fmt.Errorf("load branch: %w", err)
	}

	toState, err := s.guard(ctx, branch, event, actor)
	if err != nil {
		return store.Branch{}, err
	}

	ok, err := s.store.UpdateBranchState(ctx, branch.ID, branch.State, toState)
	if err != nil {
		return store.Branch{}, fmt.Errorf("apply transition: %w", err)
	}
	if !ok {
		// Lost a race: someone else moved the branch since we loaded it.
		return store.Branch{}, &StateError{Event: event, From: branch.State, Reason: "branch state changed concurrently"}
	}

	if err := s.store.InsertBranchTransition(ctx, store.BranchTransition{
		BranchID:  branch.ID,
		Event:     string(event),
		FromState: branch.State,
		ToState:   toState,
		ActorID:   actor.ID,
		ActorType: "user",
		Reason:    reason,
	}); err != nil {
		return store.Branch{}, fmt.Errorf("record transition: %w", err)
	}

	switch event {
	case EventSubmitForReview:
		if err := s.store.ResolveReviewRequests(ctx, branch.ID); err != nil {
			return store.Branch{}, fmt.Errorf("resolve review requests: %w", err)
		}
	case EventRequestChanges:
		if err := s.store.InsertReviewRequest(ctx, store.ReviewRequest{
			ID:         util.NewID("rr"),
			BranchID:   branch.ID,
			ReviewerID: actor.ID,
			Comment:    reason,
		}); err != nil {
			return store.Branch{}, fmt.Errorf("open review request: %w", err)
		}
	}

	if err := s.sink.Emit(ctx, audit.Event{
		Kind:     "branch.transition",
		BranchID: branch.ID,
		ActorID:  actor.ID,
		Detail: map[string]string{
			"event": string(event),
			"from":  branch.State,
			"to":    toState,
		},
	}); err != nil {
		log.Printf("audit emit failed for branch %s: %v", branch.ID, err)
	}

	updated, err := s.store.GetBranch(ctx, branch.ID)
	if err != nil {
		return store.Branch{}, fmt.Errorf("reload branch: %w", err)
	}
	return updated, nil
}

// guard validates the event and returns the destination state. Authorization
// errors win over state errors when both apply.
func (s *Service) guard(ctx context.Context, branch store.Branch, event Event, actor Actor) (string, error) {
	switch event {
	case EventSubmitForReview:
		if actor.ID != branch.OwnerID && !rbac.Can(actor.Role, rbac.ActionEdit) {
			return "", &AuthorizationError{Guard: "owner_or_editor"}
		}
		if branch.State != store.StateDraft {
			return "", &StateError{Event: event, From: branch.State, Reason: "only draft branches can be submitted"}
		}
		if len(branch.Reviewers) == 0 {
			return "", &StateError{Event: event, From: branch.State, Reason: "at least one reviewer must be assigned"}
		}
		return store.StateReview, nil

	case EventRequestChanges:
		if err := s.reviewerGuard(branch, actor); err != nil {
			return "", err
		}
		if branch.State != store.StateReview {
			return "", &StateError{Event: event, From: branch.State, Reason: "branch is not in review"}
		}
		return store.StateDraft, nil

	case EventApprove:
		if err := s.reviewerGuard(branch, actor); err != nil {
			return "", err
		}
		// Owners may request changes on their own branch but never approve it.
		if actor.ID == branch.OwnerID {
			return "", &AuthorizationError{Guard: "no_self_review"}
		}
		if branch.State != store.StateReview {
			return "", &StateError{Event: event, From: branch.State, Reason: "branch is not in review"}
		}
		open, err := s.store.OpenReviewRequestCount(ctx, branch.ID)
		if err != nil {
			return "", fmt.Errorf("count open review requests: %w", err)
		}
		if open > 0 {
			return "", &StateError{Event: event, From: branch.State, Reason: "unresolved change requests remain"}
		}
		return store.StateApproved, nil

	case EventPublish:
		if !rbac.Can(actor.Role, rbac.ActionPublish) {
			return "", &AuthorizationError{Guard: "publisher"}
		}
		if branch.State != store.StateApproved {
			return "", &StateError{Event: event, From: branch.State, Reason: "only approved branches can be published"}
		}
		converged, err := s.store.HasSucceededConvergence(ctx, branch.ID)
		if err != nil {
			return "", fmt.Errorf("check convergence: %w", err)
		}
		if !converged {
			return "", &StateError{Event: event, From: branch.State, Reason: "branch has no succeeded convergence"}
		}
		return store.StatePublished, nil

	case EventArchive:
		if actor.ID != branch.OwnerID && !rbac.Can(actor.Role, rbac.ActionArchive) {
			return "", &AuthorizationError{Guard: "owner_or_archiver"}
		}
		if branch.State == store.StateArchived {
			return "", &StateError{Event: event, From: branch.State, Reason: "branch is already archived"}
		}
		return store.StateArchived, nil

	default:
		return "", &StateError{Event: event, From: branch.State, Reason: "unknown event"}
	}
}

func (s *Service) reviewerGuard(branch store.Branch, actor Actor) error {
	if !rbac.Can(actor.Role, rbac.ActionReview) {
		return &AuthorizationError{Guard: "reviewer"}
	}
	assigned := false
	for _, reviewer := range branch.Reviewers {
		if reviewer == actor.ID {
			assigned = true
			break
		}
	}
	if !assigned {
		return &AuthorizationError{Guard: "assigned_reviewer"}
	}
	return nil
}

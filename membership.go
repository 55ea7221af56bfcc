package roshan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ============================================================================
// Membership Invariant Maintainer
// ============================================================================

// MembershipMaintainer keeps the public-group invariant: every known user
// has exactly one membership row in the designated public group.
//
// It runs a full reconciliation pass at session start and a single-user
// pass whenever a user-insert event arrives. All passes are idempotent;
// a duplicate-key conflict from the gateway counts as success, so the
// check-then-insert sequence is safe against concurrent clients.
type MembershipMaintainer struct {
	gw   Gateway
	opts *Options
	log  *slog.Logger

	mu            sync.Mutex
	publicGroupID string
}

func newMembershipMaintainer(gw Gateway, opts *Options, log *slog.Logger) *MembershipMaintainer {
	return &MembershipMaintainer{gw: gw, opts: opts, log: log}
}

// PublicGroupID returns the resolved public group id, or "" before the
// first successful EnsurePublicGroup pass.
func (mm *MembershipMaintainer) PublicGroupID() string {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.publicGroupID
}

func (mm *MembershipMaintainer) setPublicGroupID(id string) {
	mm.mu.Lock()
	mm.publicGroupID = id
	mm.mu.Unlock()
}

// EnsurePublicGroup is the full reconciliation pass. It resolves (creating
// if absent) the public group, then ensures a membership row for the
// current user and every user known to the gateway. Users are fetched
// fresh, not from the mirror, to avoid acting on a stale snapshot.
//
// Per-user failures are logged and skipped; they self-correct on the next
// pass.
func (mm *MembershipMaintainer) EnsurePublicGroup(ctx context.Context, current *User) error {
	group, err := mm.gw.Groups().Find(ctx, Filter{"is_public": true})
	if errors.Is(err, ErrNotFound) {
		group, err = mm.gw.Groups().Create(ctx, &Group{
			Name:        mm.opts.PublicGroupName,
			Description: mm.opts.PublicGroupDescription,
			Avatar:      mm.opts.PublicGroupAvatar,
			CreatedBy:   current.ID,
			Public:      true,
		})
		if err != nil {
			// Another client may have created it between the lookup and
			// the insert.
			if errors.Is(err, ErrConflict) {
				group, err = mm.gw.Groups().Find(ctx, Filter{"is_public": true})
			}
			if err != nil {
				return fmt.Errorf("create public group: %w", err)
			}
		}
		mm.log.Info("public group created", "group_id", group.ID)
	} else if err != nil {
		return fmt.Errorf("find public group: %w", err)
	}
	mm.setPublicGroupID(group.ID)

	if err := mm.EnsureMember(ctx, current.ID); err != nil {
		return fmt.Errorf("ensure current user membership: %w", err)
	}

	users, err := mm.gw.Users().List(ctx, "", 0)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	for _, u := range users {
		if err := mm.EnsureMember(ctx, u.ID); err != nil {
			mm.log.Warn("public group reconciliation skipped user",
				"user_id", u.ID, "error", err)
		}
	}
	return nil
}

// EnsureMember is the single-user pass: insert a (public group, user)
// membership row if and only if none exists. A conflict on insert means
// another writer won the race and the invariant already holds.
func (mm *MembershipMaintainer) EnsureMember(ctx context.Context, userID string) error {
	groupID := mm.PublicGroupID()
	if groupID == "" {
		// Events can arrive before the startup pass resolved the group.
		group, err := mm.gw.Groups().Find(ctx, Filter{"is_public": true})
		if err != nil {
			return fmt.Errorf("resolve public group: %w", err)
		}
		mm.setPublicGroupID(group.ID)
		groupID = group.ID
	}

	_, err := mm.gw.Members().Find(ctx, groupID, userID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("find membership: %w", err)
	}

	_, err = mm.gw.Members().Create(ctx, &Membership{GroupID: groupID, UserID: userID})
	if err != nil && !errors.Is(err, ErrConflict) {
		return fmt.Errorf("create membership: %w", err)
	}
	return nil
}

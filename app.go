package roshan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ============================================================================
// Options
// ============================================================================

// Options configures an App. The zero value is usable; defaults match the
// hosted service's conventions.
type Options struct {
	SessionTTL        time.Duration
	HeartbeatInterval time.Duration

	MessagesPerPage int
	UsersPerPage    int
	GroupsPerPage   int

	MinPasswordLength int

	PublicGroupName        string
	PublicGroupDescription string
	PublicGroupAvatar      string
	DefaultUserAvatar      string

	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.SessionTTL == 0 {
		o.SessionTTL = 24 * time.Hour
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.MessagesPerPage == 0 {
		o.MessagesPerPage = 50
	}
	if o.UsersPerPage == 0 {
		o.UsersPerPage = 100
	}
	if o.GroupsPerPage == 0 {
		o.GroupsPerPage = 20
	}
	if o.MinPasswordLength == 0 {
		o.MinPasswordLength = 4
	}
	if o.PublicGroupName == "" {
		o.PublicGroupName = "general"
	}
	if o.PublicGroupDescription == "" {
		o.PublicGroupDescription = "Public group for all users"
	}
	if o.PublicGroupAvatar == "" {
		o.PublicGroupAvatar = "#"
	}
	if o.DefaultUserAvatar == "" {
		o.DefaultUserAvatar = "@"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// ============================================================================
// App
// ============================================================================

// App is the explicit application context: it owns the mirror, the
// synchronization engine, the membership maintainer and the presence
// manager, and exposes the operations a UI projection drives. There is no
// package-level mutable state.
type App struct {
	gw   Gateway
	opts *Options
	log  *slog.Logger

	mirror   *Mirror
	members  *MembershipMaintainer
	presence *PresenceManager
	engine   *Engine
}

// NewApp wires an application context over the given gateway and session
// store.
func NewApp(gw Gateway, store SessionStorage, opts *Options) *App {
	if opts == nil {
		opts = &Options{}
	}
	opts.defaults()

	mirror := NewMirror()
	members := newMembershipMaintainer(gw, opts, opts.Logger)
	return &App{
		gw:       gw,
		opts:     opts,
		log:      opts.Logger,
		mirror:   mirror,
		members:  members,
		presence: newPresenceManager(gw, store, opts, opts.Logger),
		engine:   newEngine(gw, mirror, members, opts, opts.Logger),
	}
}

// ── Session lifecycle ────────────────────────────────────────────────────

// Login authenticates against the gateway, activates the synchronization
// engine and runs the initial load (users, groups, public-group
// reconciliation). Initial-load failures are logged, not fatal: the mirror
// self-corrects through the feed and later reloads.
func (a *App) Login(ctx context.Context, username, password string) (*Session, error) {
	sess, err := a.presence.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	a.activate(ctx, sess)
	return sess, nil
}

// Resume restores a persisted session, if one exists and is inside its TTL.
func (a *App) Resume(ctx context.Context) (*Session, error) {
	sess, err := a.presence.Resume(ctx)
	if err != nil {
		return nil, err
	}
	a.activate(ctx, sess)
	return sess, nil
}

func (a *App) activate(ctx context.Context, sess *Session) {
	a.engine.Start(ctx)
	if err := a.engine.LoadUsers(ctx); err != nil {
		a.log.Warn("initial user load failed", "error", err)
	}
	if err := a.members.EnsurePublicGroup(ctx, &sess.User); err != nil {
		a.log.Warn("public group reconciliation failed", "error", err)
	}
	if err := a.engine.ReloadGroups(ctx); err != nil {
		a.log.Warn("initial group load failed", "error", err)
	}
}

// Logout tears the session down: subscriptions are closed before any local
// state is cleared, so no stale-session event can leak into a later login.
func (a *App) Logout(ctx context.Context) {
	a.engine.Stop()
	a.presence.Logout(ctx)
	a.mirror.Clear()
}

// State returns the session state after classifying expiry.
func (a *App) State() SessionState { return a.presence.Check() }

// CurrentUser returns the logged-in user's snapshot.
func (a *App) CurrentUser() (User, bool) {
	sess, ok := a.presence.Session()
	if !ok {
		return User{}, false
	}
	return sess.User, true
}

// SetConnected flips the connectivity flag. Loss of connectivity blocks new
// writes but never forces a logout.
func (a *App) SetConnected(ctx context.Context, connected bool) {
	a.presence.SetConnected(ctx, connected)
}

// SetVisible forwards a foreground/background transition as a best-effort
// presence signal.
func (a *App) SetVisible(ctx context.Context, visible bool) {
	a.presence.SetVisible(ctx, visible)
}

// requireUser rejects operations without a live session or connectivity.
func (a *App) requireUser() (User, error) {
	if !a.presence.Connected() {
		return User{}, ErrOffline
	}
	if a.presence.Check() != StateLoggedIn {
		return User{}, ErrNoSession
	}
	sess, _ := a.presence.Session()
	return sess.User, nil
}

// ── Messaging ────────────────────────────────────────────────────────────

// SendMessage sends content to the active group. While the connectivity
// flag is down it fails without touching the gateway or the mirror.
func (a *App) SendMessage(ctx context.Context, content string) (*Message, error) {
	user, err := a.requireUser()
	if err != nil {
		return nil, err
	}
	return a.engine.Send(ctx, user, content)
}

// SwitchGroup makes groupID the active group and reloads its messages and
// member list.
func (a *App) SwitchGroup(ctx context.Context, groupID string) error {
	if a.presence.Check() != StateLoggedIn {
		return ErrNoSession
	}
	return a.engine.SwitchGroup(ctx, groupID)
}

// ── Group management ─────────────────────────────────────────────────────

// CreateGroup creates a group with the current user as creator and first
// member.
func (a *App) CreateGroup(ctx context.Context, name string) (*Group, error) {
	user, err := a.requireUser()
	if err != nil {
		return nil, err
	}

	created, err := a.gw.Groups().Create(ctx, &Group{
		Name:        name,
		Description: name,
		Avatar:      firstGlyph(name, a.opts.PublicGroupAvatar),
		CreatedBy:   user.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	if _, err := a.gw.Members().Create(ctx, &Membership{GroupID: created.ID, UserID: user.ID}); err != nil && !errors.Is(err, ErrConflict) {
		return nil, fmt.Errorf("join created group: %w", err)
	}

	if err := a.engine.ReloadGroups(ctx); err != nil {
		a.log.Warn("group reload after create failed", "error", err)
	}
	return created, nil
}

// AddMember adds a user to a group.
func (a *App) AddMember(ctx context.Context, groupID, userID string) error {
	if _, err := a.requireUser(); err != nil {
		return err
	}
	if _, err := a.gw.Members().Create(ctx, &Membership{GroupID: groupID, UserID: userID}); err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	a.refreshAfterMembershipChange(ctx, groupID)
	return nil
}

// RemoveMember removes a user from a group.
func (a *App) RemoveMember(ctx context.Context, groupID, userID string) error {
	if _, err := a.requireUser(); err != nil {
		return err
	}
	if err := a.gw.Members().Delete(ctx, Filter{"group_id": groupID, "user_id": userID}); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	a.refreshAfterMembershipChange(ctx, groupID)
	return nil
}

func (a *App) refreshAfterMembershipChange(ctx context.Context, groupID string) {
	if active, ok := a.mirror.ActiveGroup(); ok && active.ID == groupID {
		members, err := a.gw.Members().ListByGroup(ctx, groupID)
		if err != nil {
			a.log.Warn("member reload failed", "group_id", groupID, "error", err)
		} else {
			a.mirror.SetMembers(members)
		}
	}
	if err := a.engine.ReloadGroups(ctx); err != nil {
		a.log.Warn("group reload after membership change failed", "error", err)
	}
}

// ── User management ──────────────────────────────────────────────────────

// AddUser creates an account and joins it to the public group. A taken
// username is reported as ErrConflict with no mirror mutation.
func (a *App) AddUser(ctx context.Context, username, password, name, avatar, role string) (*User, error) {
	if _, err := a.requireUser(); err != nil {
		return nil, err
	}
	if len(password) < a.opts.MinPasswordLength {
		return nil, fmt.Errorf("%w: need at least %d characters", ErrWeakPassword, a.opts.MinPasswordLength)
	}
	if role == "" {
		role = RoleUser
	}

	if _, err := a.gw.Users().Find(ctx, Filter{"username": username}); err == nil {
		return nil, fmt.Errorf("%w: username %q taken", ErrConflict, username)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("check username: %w", err)
	}

	created, err := a.gw.Users().Create(ctx, &User{
		Username: username,
		Password: password,
		Name:     name,
		Avatar:   firstGlyph(avatarOr(avatar, name), a.opts.DefaultUserAvatar),
		Role:     role,
		Online:   false,
	})
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	if err := a.members.EnsureMember(ctx, created.ID); err != nil {
		a.log.Warn("auto-join of created user failed", "user_id", created.ID, "error", err)
	}
	return created, nil
}

// BulkAddUsers creates count accounts named prefix1..prefixN sharing one
// password. It returns how many succeeded and how many failed; individual
// failures do not abort the batch.
func (a *App) BulkAddUsers(ctx context.Context, count int, prefix, password string) (created, failed int) {
	for i := 1; i <= count; i++ {
		username := fmt.Sprintf("%s%d", prefix, i)
		_, err := a.AddUser(ctx, username, password, fmt.Sprintf("User %d", i), "", RoleUser)
		if err != nil {
			a.log.Warn("bulk user creation failed", "username", username, "error", err)
			failed++
			continue
		}
		created++
	}
	if err := a.engine.LoadUsers(ctx); err != nil {
		a.log.Warn("user reload after bulk add failed", "error", err)
	}
	if err := a.engine.ReloadGroups(ctx); err != nil {
		a.log.Warn("group reload after bulk add failed", "error", err)
	}
	return created, failed
}

// DeleteUser removes an account, cascading its memberships and messages at
// the gateway. Deleting the logged-in account is rejected.
func (a *App) DeleteUser(ctx context.Context, userID string) error {
	user, err := a.requireUser()
	if err != nil {
		return err
	}
	if userID == user.ID {
		return ErrSelfDelete
	}

	if err := a.gw.Members().Delete(ctx, Filter{"user_id": userID}); err != nil {
		return fmt.Errorf("delete memberships: %w", err)
	}
	if err := a.gw.Messages().Delete(ctx, Filter{"user_id": userID}); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if err := a.gw.Users().Delete(ctx, Filter{"id": userID}); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}

	if err := a.engine.LoadUsers(ctx); err != nil {
		a.log.Warn("user reload after delete failed", "error", err)
	}
	if err := a.engine.ReloadGroups(ctx); err != nil {
		a.log.Warn("group reload after delete failed", "error", err)
	}
	return nil
}

// ── Mirror snapshots ─────────────────────────────────────────────────────

// OnChange registers the hook fired after every mirror mutation.
func (a *App) OnChange(fn func()) { a.mirror.OnChange(fn) }

func (a *App) Users() []User              { return a.mirror.Users() }
func (a *App) OnlineUsers() []User        { return a.mirror.OnlineUsers() }
func (a *App) Groups() []Group            { return a.mirror.Groups() }
func (a *App) Messages() []Message        { return a.mirror.Messages() }
func (a *App) Members() []Membership      { return a.mirror.Members() }
func (a *App) ActiveGroup() (Group, bool) { return a.mirror.ActiveGroup() }

// SearchGroups filters mirrored groups by name, case-insensitively.
func (a *App) SearchGroups(term string) []Group { return a.mirror.FilterGroups(term) }

// PublicGroupID returns the resolved public group id, or "".
func (a *App) PublicGroupID() string { return a.members.PublicGroupID() }

// ── Helpers ──────────────────────────────────────────────────────────────

func avatarOr(avatar, name string) string {
	if avatar != "" {
		return avatar
	}
	return name
}

// firstGlyph returns the first rune of s, or fallback for empty input.
func firstGlyph(s, fallback string) string {
	for _, r := range s {
		return string(r)
	}
	return fallback
}

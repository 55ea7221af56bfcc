package roshan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Presence / Session Lifecycle Manager
// ============================================================================

// SessionState classifies the session lifecycle.
// Expiry is a transient classification: a check that detects it moves
// straight to StateLoggedOut.
type SessionState string

const (
	StateLoggedOut SessionState = "logged_out"
	StateLoggedIn  SessionState = "logged_in"
)

// PresenceManager owns session validity and online-status writes.
//
// The connectivity flag only gates new writes; losing connectivity never
// tears the session down. Visibility toggles are best-effort presence
// signals — multiple devices can race and the gateway keeps the last write.
type PresenceManager struct {
	gw    Gateway
	store SessionStorage
	opts  *Options
	log   *slog.Logger

	now func() time.Time

	mu        sync.Mutex
	session   *Session
	connected bool
	hbCancel  context.CancelFunc
}

func newPresenceManager(gw Gateway, store SessionStorage, opts *Options, log *slog.Logger) *PresenceManager {
	return &PresenceManager{
		gw:        gw,
		store:     store,
		opts:      opts,
		log:       log,
		now:       time.Now,
		connected: true,
	}
}

// Session returns a copy of the current session, if any.
func (p *PresenceManager) Session() (Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return Session{}, false
	}
	return *p.session, true
}

// Connected reports the local connectivity flag.
func (p *PresenceManager) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Check is the session-status check: it classifies expiry and, when the
// TTL is exceeded, immediately transitions to LoggedOut, clearing the
// persisted session.
func (p *PresenceManager) Check() SessionState {
	p.mu.Lock()
	sess := p.session
	p.mu.Unlock()

	if sess == nil {
		return StateLoggedOut
	}
	if sess.Expired(p.now(), p.opts.SessionTTL) {
		p.teardown()
		return StateLoggedOut
	}
	return StateLoggedIn
}

// Login verifies credentials against the gateway and establishes a session:
// persists it, asserts presence online and starts the heartbeat.
func (p *PresenceManager) Login(ctx context.Context, username, password string) (*Session, error) {
	user, err := p.gw.Users().Find(ctx, Filter{"username": username, "password": password})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrAuth
	}
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	sess := &Session{User: *user, LoginAt: p.now()}
	if err := p.store.Save(sess); err != nil {
		// A session that cannot be persisted still works for this run.
		p.log.Warn("failed to persist session", "error", err)
	}
	p.establish(ctx, sess)
	return sess, nil
}

// Resume restores a persisted session. ErrNoSession when none is stored,
// ErrSessionExpired (with the record cleared) when it outlived the TTL.
func (p *PresenceManager) Resume(ctx context.Context) (*Session, error) {
	sess, err := p.store.Load()
	if err != nil {
		return nil, err
	}
	if sess.Expired(p.now(), p.opts.SessionTTL) {
		if err := p.store.Clear(); err != nil {
			p.log.Warn("failed to clear expired session", "error", err)
		}
		return nil, ErrSessionExpired
	}
	p.establish(ctx, sess)
	return sess, nil
}

func (p *PresenceManager) establish(ctx context.Context, sess *Session) {
	p.mu.Lock()
	p.session = sess
	if p.hbCancel != nil {
		p.hbCancel()
	}
	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.hbCancel = cancel
	p.mu.Unlock()

	if err := p.setOnline(ctx, true); err != nil {
		p.log.Warn("failed to set presence online", "error", err)
	}
	go p.heartbeat(hbCtx)
}

// Logout explicitly ends the session: presence offline (best-effort),
// heartbeat stopped, persisted session cleared.
func (p *PresenceManager) Logout(ctx context.Context) {
	p.mu.Lock()
	sess := p.session
	p.mu.Unlock()
	if sess == nil {
		return
	}
	if err := p.setOnline(ctx, false); err != nil {
		p.log.Warn("failed to set presence offline", "error", err)
	}
	p.teardown()
}

func (p *PresenceManager) teardown() {
	p.mu.Lock()
	p.session = nil
	if p.hbCancel != nil {
		p.hbCancel()
		p.hbCancel = nil
	}
	p.mu.Unlock()
	if err := p.store.Clear(); err != nil {
		p.log.Warn("failed to clear persisted session", "error", err)
	}
}

// SetConnected flips the local connectivity flag. Regaining connectivity
// re-asserts presence; losing it only blocks new writes.
func (p *PresenceManager) SetConnected(ctx context.Context, connected bool) {
	p.mu.Lock()
	changed := p.connected != connected
	p.connected = connected
	hasSession := p.session != nil
	p.mu.Unlock()

	if changed && connected && hasSession {
		if err := p.setOnline(ctx, true); err != nil {
			p.log.Warn("failed to re-assert presence after reconnect", "error", err)
		}
	}
}

// SetVisible toggles presence with the client surface's foreground state.
// Advisory only.
func (p *PresenceManager) SetVisible(ctx context.Context, visible bool) {
	if _, ok := p.Session(); !ok {
		return
	}
	if err := p.setOnline(ctx, visible); err != nil {
		p.log.Warn("failed to update presence on visibility change",
			"visible", visible, "error", err)
	}
}

// heartbeat periodically re-asserts online=true to counteract server-side
// staleness heuristics. Failures are logged and swallowed.
func (p *PresenceManager) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(p.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.Check() != StateLoggedIn || !p.Connected() {
				continue
			}
			if err := p.setOnline(ctx, true); err != nil {
				p.log.Warn("presence heartbeat failed", "error", err)
			}
		}
	}
}

func (p *PresenceManager) setOnline(ctx context.Context, online bool) error {
	p.mu.Lock()
	sess := p.session
	p.mu.Unlock()
	if sess == nil {
		return nil
	}
	return p.gw.Users().Update(ctx,
		Filter{"id": sess.User.ID},
		Patch{"online": online, "last_seen": p.now().UTC().Format(time.RFC3339)},
	)
}

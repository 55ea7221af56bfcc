package roshan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ============================================================================
// Synchronization Engine
// ============================================================================

// Engine applies change-feed events to the local mirror and carries out the
// UI-facing operations that mutate remote state (send, switch group).
//
// All feed events funnel into a single intake channel consumed by one event
// loop, so mirror writes from remote origin are serialized. Handlers are
// still written dedup-safe: the identity check in Mirror.AppendMessage is
// what makes a duplicate or reordered delivery a no-op, not the loop.
type Engine struct {
	gw      Gateway
	mirror  *Mirror
	members *MembershipMaintainer
	opts    *Options
	log     *slog.Logger

	// epoch increments on every Start and Stop. Responses from calls that
	// began under an earlier epoch are discarded instead of applied.
	epoch atomic.Int64

	authorMu sync.Mutex
	authors  map[string]AuthorRef

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	subs    []Subscription
	wg      sync.WaitGroup
}

func newEngine(gw Gateway, mirror *Mirror, members *MembershipMaintainer, opts *Options, log *slog.Logger) *Engine {
	return &Engine{
		gw:      gw,
		mirror:  mirror,
		members: members,
		opts:    opts,
		log:     log,
		authors: make(map[string]AuthorRef),
	}
}

// Start opens one change-feed subscription per watched collection and
// launches the event loop. A subscription that cannot be opened is logged
// and skipped; the engine then degrades to reload-on-demand for that
// collection instead of failing activation.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.epoch.Add(1)
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.mu.Unlock()

	// The dials run outside the lock so a concurrent Stop never blocks
	// behind network timeouts.
	var subs []Subscription
	for _, coll := range []Collection{CollectionUsers, CollectionGroups, CollectionMessages} {
		sub, err := e.gw.Subscribe(ctx, coll)
		if err != nil {
			e.log.Error("change-feed subscription failed, degrading to reload-on-demand",
				"collection", coll, "error", err)
			continue
		}
		subs = append(subs, sub)
	}

	e.mu.Lock()
	if !e.running {
		// Stop won the race while the dials were in flight; the streams it
		// never saw are closed here instead.
		e.mu.Unlock()
		for _, sub := range subs {
			if err := sub.Unsubscribe(); err != nil {
				e.log.Warn("unsubscribe failed", "error", err)
			}
		}
		return
	}
	e.subs = subs
	intake := make(chan Event, 128)
	for _, sub := range subs {
		e.wg.Add(1)
		go e.forward(loopCtx, sub, intake)
	}
	e.wg.Add(1)
	go e.loop(loopCtx, intake)
	e.mu.Unlock()
}

// Stop closes all subscriptions and the event loop. It must complete before
// a new Start so a fresh session never sees stale-session events.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.epoch.Add(1)
	e.cancel()
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			e.log.Warn("unsubscribe failed", "error", err)
		}
	}
	e.wg.Wait()
}

func (e *Engine) forward(ctx context.Context, sub Subscription, intake chan<- Event) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			select {
			case intake <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (e *Engine) loop(ctx context.Context, intake <-chan Event) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-intake:
			e.apply(ctx, ev)
		}
	}
}

// apply dispatches one feed event. Every branch tolerates duplicate and
// out-of-order delivery.
func (e *Engine) apply(ctx context.Context, ev Event) {
	switch ev := ev.(type) {
	case UserEvent:
		e.applyUser(ctx, ev)
	case GroupEvent:
		// Group counters are derived aggregates; recomputing wholesale is
		// cheaper than patching and group changes are rare.
		if err := e.ReloadGroups(ctx); err != nil {
			e.log.Warn("group reload after feed event failed", "error", err)
		}
	case MessageEvent:
		if ev.Op == OpInsert && ev.New != nil {
			e.applyMessageInsert(ctx, ev.New)
		}
	}
}

func (e *Engine) applyUser(ctx context.Context, ev UserEvent) {
	switch ev.Op {
	case OpInsert:
		if ev.New == nil {
			return
		}
		if _, known := e.mirror.User(ev.New.ID); !known {
			e.mirror.PutUser(*ev.New)
		}
		// New users join the public group. Failures here self-correct on
		// the next full reconciliation pass.
		if err := e.members.EnsureMember(ctx, ev.New.ID); err != nil {
			e.log.Warn("auto-join of new user failed", "user_id", ev.New.ID, "error", err)
		}
	case OpUpdate:
		if ev.New == nil {
			return
		}
		// An update for an id never observed is benign: the feed does not
		// guarantee the insert arrived first.
		e.mirror.ReplaceUser(*ev.New)
		e.dropAuthor(ev.New.ID)
	case OpDelete:
		id := ""
		if ev.Old != nil {
			id = ev.Old.ID
		} else if ev.New != nil {
			id = ev.New.ID
		}
		if id != "" {
			e.mirror.RemoveUser(id)
			e.dropAuthor(id)
		}
	}
}

func (e *Engine) applyMessageInsert(ctx context.Context, msg *Message) {
	active, ok := e.mirror.ActiveGroup()
	if !ok || msg.GroupID != active.ID {
		// Message belongs to an inactive group. Unread-count bookkeeping
		// would hook in here.
		return
	}
	if e.mirror.HasMessage(msg.ID) {
		// Duplicate delivery, or the optimistic-send path already applied it.
		return
	}

	author, err := e.author(ctx, msg.UserID)
	if err != nil {
		e.log.Warn("author lookup for incoming message failed",
			"message_id", msg.ID, "user_id", msg.UserID, "error", err)
		return
	}

	m := *msg
	m.Author = &author
	// AppendMessage rechecks the id: the author lookup above is a
	// suspension point and the echo of an optimistic send may have landed
	// in between.
	e.mirror.AppendMessage(m)
}

// ── Author snapshot cache ────────────────────────────────────────────────

// author is a read-through cache keyed by user id: cache, then mirror,
// then a point lookup at the gateway.
func (e *Engine) author(ctx context.Context, userID string) (AuthorRef, error) {
	e.authorMu.Lock()
	if a, ok := e.authors[userID]; ok {
		e.authorMu.Unlock()
		return a, nil
	}
	e.authorMu.Unlock()

	if u, ok := e.mirror.User(userID); ok {
		return e.cacheAuthor(u), nil
	}
	u, err := e.gw.Users().Find(ctx, Filter{"id": userID})
	if err != nil {
		return AuthorRef{}, err
	}
	return e.cacheAuthor(*u), nil
}

func (e *Engine) cacheAuthor(u User) AuthorRef {
	a := AuthorRef{ID: u.ID, Name: u.Name, Avatar: u.Avatar}
	e.authorMu.Lock()
	e.authors[u.ID] = a
	e.authorMu.Unlock()
	return a
}

func (e *Engine) dropAuthor(userID string) {
	e.authorMu.Lock()
	delete(e.authors, userID)
	e.authorMu.Unlock()
}

// ── Loads ────────────────────────────────────────────────────────────────

// LoadUsers refreshes the user mirror from the gateway.
func (e *Engine) LoadUsers(ctx context.Context) error {
	users, err := e.gw.Users().List(ctx, "name.asc", e.opts.UsersPerPage)
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	e.mirror.SetUsers(users)
	return nil
}

// ReloadGroups refreshes the group mirror wholesale and recomputes the
// derived member counters from a fresh membership snapshot.
func (e *Engine) ReloadGroups(ctx context.Context) error {
	groups, err := e.gw.Groups().List(ctx, e.opts.GroupsPerPage)
	if err != nil {
		return fmt.Errorf("load groups: %w", err)
	}
	memberships, err := e.gw.Members().ListAll(ctx)
	if err != nil {
		return fmt.Errorf("load memberships: %w", err)
	}

	total := make(map[string]int)
	online := make(map[string]int)
	for _, m := range memberships {
		total[m.GroupID]++
		if u, ok := e.mirror.User(m.UserID); ok && u.Online {
			online[m.GroupID]++
		}
	}
	for i := range groups {
		groups[i].TotalCount = total[groups[i].ID]
		groups[i].OnlineCount = online[groups[i].ID]
	}
	e.mirror.SetGroups(groups)
	return nil
}

// SwitchGroup makes groupID the active group and loads its message history
// and member list.
func (e *Engine) SwitchGroup(ctx context.Context, groupID string) error {
	group, ok := e.mirror.FindGroup(groupID)
	if !ok {
		g, err := e.gw.Groups().Find(ctx, Filter{"id": groupID})
		if err != nil {
			return fmt.Errorf("switch group: %w", err)
		}
		group = *g
	}

	messages, err := e.gw.Messages().ListByGroup(ctx, groupID, e.opts.MessagesPerPage)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	for i := range messages {
		author, err := e.author(ctx, messages[i].UserID)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				e.log.Warn("author lookup during history load failed",
					"user_id", messages[i].UserID, "error", err)
			}
			continue
		}
		messages[i].Author = &author
	}

	members, err := e.gw.Members().ListByGroup(ctx, groupID)
	if err != nil {
		return fmt.Errorf("load members: %w", err)
	}

	e.mirror.SetActive(group, messages, members)
	return nil
}

// ── Optimistic send ──────────────────────────────────────────────────────

// Send inserts a message through the gateway and, on success, appends the
// returned authoritative row to the mirror immediately rather than waiting
// for the feed echo; the echo is later discarded by the identity dedup. A
// failed insert leaves the mirror untouched.
//
// If the session changed while the insert was in flight, the response is
// discarded.
func (e *Engine) Send(ctx context.Context, from User, content string) (*Message, error) {
	active, ok := e.mirror.ActiveGroup()
	if !ok {
		return nil, ErrNoActiveGroup
	}

	epoch := e.epoch.Load()
	created, err := e.gw.Messages().Create(ctx, &Message{
		GroupID: active.ID,
		UserID:  from.ID,
		Content: content,
		Type:    "text",
	})
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	if e.epoch.Load() != epoch {
		return nil, ErrNoSession
	}

	m := *created
	m.Author = &AuthorRef{ID: from.ID, Name: from.Name, Avatar: from.Avatar}
	e.mirror.AppendMessage(m)
	return &m, nil
}

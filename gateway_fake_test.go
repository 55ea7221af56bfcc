package roshan

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

func newTestOptions() *Options {
	opts := &Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	opts.defaults()
	return opts
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

// ============================================================================
// In-memory fake gateway
// ============================================================================

// fakeGateway is an in-memory Gateway with controllable change-feed
// subscriptions and per-operation call counters.
type fakeGateway struct {
	mu       sync.Mutex
	users    []User
	groups   []Group
	members  []Membership
	messages []Message
	nextID   int

	calls        map[string]int
	failWith     error
	subscribeErr error
	subs         map[Collection]*fakeSub

	// beforeMessageReply runs inside Messages().Create after the row is
	// stored but before the response returns, to model in-flight races.
	beforeMessageReply func()

	// subscribeEntered gets a non-blocking send when a Subscribe call
	// starts; subscribeGate, when set, stalls the call until closed. Both
	// model slow feed dials.
	subscribeEntered chan struct{}
	subscribeGate    chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		calls: make(map[string]int),
		subs:  make(map[Collection]*fakeSub),
	}
}

func (g *fakeGateway) Users() UserGateway       { return &fakeUsers{g} }
func (g *fakeGateway) Groups() GroupGateway     { return &fakeGroups{g} }
func (g *fakeGateway) Members() MemberGateway   { return &fakeMembers{g} }
func (g *fakeGateway) Messages() MessageGateway { return &fakeMessages{g} }

func (g *fakeGateway) Subscribe(ctx context.Context, collection Collection) (Subscription, error) {
	if g.subscribeEntered != nil {
		select {
		case g.subscribeEntered <- struct{}{}:
		default:
		}
	}
	if g.subscribeGate != nil {
		<-g.subscribeGate
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.subscribeErr != nil {
		return nil, g.subscribeErr
	}
	sub := &fakeSub{ch: make(chan Event, 64)}
	g.subs[collection] = sub
	return sub, nil
}

// push delivers an event on the open subscription for a collection.
func (g *fakeGateway) push(t *testing.T, collection Collection, ev Event) {
	t.Helper()
	g.mu.Lock()
	sub := g.subs[collection]
	g.mu.Unlock()
	if sub == nil {
		t.Fatalf("no subscription open for %s", collection)
	}
	sub.ch <- ev
}

func (g *fakeGateway) id(prefix string) string {
	g.nextID++
	return fmt.Sprintf("%s-%d", prefix, g.nextID)
}

func (g *fakeGateway) record(op string) error {
	g.calls[op]++
	return g.failWith
}

// count returns how many times an operation ran.
func (g *fakeGateway) count(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *fakeGateway) totalCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		n += c
	}
	return n
}

// memberCount returns the number of stored membership rows for a pair.
func (g *fakeGateway) memberCount(groupID, userID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, m := range g.members {
		if m.GroupID == groupID && m.UserID == userID {
			n++
		}
	}
	return n
}

type fakeSub struct {
	ch     chan Event
	closed sync.Once
}

func (s *fakeSub) Events() <-chan Event { return s.ch }

func (s *fakeSub) Unsubscribe() error {
	s.closed.Do(func() { close(s.ch) })
	return nil
}

// ── Users ────────────────────────────────────────────────────────────────

type fakeUsers struct{ g *fakeGateway }

func matchUser(u User, f Filter) bool {
	for k, v := range f {
		switch k {
		case "id":
			if u.ID != v {
				return false
			}
		case "username":
			if u.Username != v {
				return false
			}
		case "password":
			if u.Password != v {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (c *fakeUsers) List(ctx context.Context, order string, limit int) ([]User, error) {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	if err := c.g.record("users.list"); err != nil {
		return nil, err
	}
	return append([]User(nil), c.g.users...), nil
}

func (c *fakeUsers) Find(ctx context.Context, filter Filter) (*User, error) {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	if err := c.g.record("users.find"); err != nil {
		return nil, err
	}
	for _, u := range c.g.users {
		if matchUser(u, filter) {
			out := u
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (c *fakeUsers) Create(ctx context.Context, u *User) (*User, error) {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	if err := c.g.record("users.create"); err != nil {
		return nil, err
	}
	for _, existing := range c.g.users {
		if existing.Username == u.Username {
			return nil, ErrConflict
		}
	}
	created := *u
	created.ID = c.g.id("user")
	created.CreatedAt = time.Now()
	c.g.users = append(c.g.users, created)
	out := created
	return &out, nil
}

func (c *fakeUsers) Update(ctx context.Context, filter Filter, patch Patch) error {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	if err := c.g.record("users.update"); err != nil {
		return err
	}
	for i := range c.g.users {
		if matchUser(c.g.users[i], filter) {
			if online, ok := patch["online"].(bool); ok {
				c.g.users[i].Online = online
			}
		}
	}
	return nil
}

func (c *fakeUsers) Delete(ctx context.Context, filter Filter) error {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	if err := c.g.record("users.delete"); err != nil {
		return err
	}
	kept := c.g.users[:0]
	for _, u := range c.g.users {
		if !matchUser(u, filter) {
			kept = append(kept, u)
		}
	}
	c.g.users = kept
	return nil
}

// ── Groups ───────────────────────────────────────────────────────────────

type fakeGroups struct{ g *fakeGateway }

func matchGroup(g Group, f Filter) bool {
	for k, v := range f {
		switch k {
		case "id":
			if g.ID != v {
				return false
			}
		case "is_public":
			if g.Public != v {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (c *fakeGroups) List(ctx context.Context, limit int) ([]Group, error) {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	if err := c.g.record("groups.list"); err != nil {
		return nil, err
	}
	return append([]Group(nil), c.g.groups...), nil
}

func (c *fakeGroups) Find(ctx context.Context, filter Filter) (*Group, error) {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	if err := c.g.record("groups.find"); err != nil {
		return nil, err
	}
	for _, g := range c.g.groups {
		if matchGroup(g, filter) {
			out := g
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (c *fakeGroups) Create(ctx context.Context, g *Group) (*Group, error) {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	if err := c.g.record("groups.create"); err != nil {
		return nil, err
	}
	created := *g
	created.ID = c.g.id("group")
	created.CreatedAt = time.Now()
	c.g.groups = append(c.g.groups, created)
	out := created
	return &out, nil
}

// ── Members ──────────────────────────────────────────────────────────────

type fakeMembers struct{ g *fakeGateway }

func matchMember(m Membership, f Filter) bool {
	for k, v := range f {
		switch k {
		case "group_id":
			if m.GroupID != v {
				return false
			}
		case "user_id":
			if m.UserID != v {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (c *fakeMembers) ListAll(ctx context.Context) ([]Membership, error) {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	if err := c.g.record("members.list_all"); err != nil {
		return nil, err
	}
	return append([]Membership(nil), c.g.members...), nil
}

func (c *fakeMembers) ListByGroup(ctx context.Context, groupID string) ([]Membership, error) {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	if err := c.g.record("members.list_by_group"); err != nil {
		return nil, err
	}
	var out []Membership
	for _, m := range c.g.members {
		if m.GroupID == groupID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *fakeMembers) Find(ctx context.Context, groupID, userID string) (*Membership, error) {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	if err := c.g.record("members.find"); err != nil {
		return nil, err
	}
	for _, m := range c.g.members {
		if m.GroupID == groupID && m.UserID == userID {
			out := m
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (c *fakeMembers) Create(ctx context.Context, m *Membership) (*Membership, error) {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	if err := c.g.record("members.create"); err != nil {
		return nil, err
	}
	for _, existing := range c.g.members {
		if existing.GroupID == m.GroupID && existing.UserID == m.UserID {
			return nil, ErrConflict
		}
	}
	c.g.members = append(c.g.members, *m)
	out := *m
	return &out, nil
}

func (c *fakeMembers) Delete(ctx context.Context, filter Filter) error {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	if err := c.g.record("members.delete"); err != nil {
		return err
	}
	kept := c.g.members[:0]
	for _, m := range c.g.members {
		if !matchMember(m, filter) {
			kept = append(kept, m)
		}
	}
	c.g.members = kept
	return nil
}

// ── Messages ─────────────────────────────────────────────────────────────

type fakeMessages struct{ g *fakeGateway }

func (c *fakeMessages) ListByGroup(ctx context.Context, groupID string, limit int) ([]Message, error) {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	if err := c.g.record("messages.list_by_group"); err != nil {
		return nil, err
	}
	var out []Message
	for _, m := range c.g.messages {
		if m.GroupID == groupID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *fakeMessages) Create(ctx context.Context, m *Message) (*Message, error) {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	if err := c.g.record("messages.create"); err != nil {
		return nil, err
	}
	created := *m
	created.ID = c.g.id("msg")
	created.CreatedAt = time.Now()
	c.g.messages = append(c.g.messages, created)
	if c.g.beforeMessageReply != nil {
		c.g.beforeMessageReply()
	}
	out := created
	return &out, nil
}

func (c *fakeMessages) Delete(ctx context.Context, filter Filter) error {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	if err := c.g.record("messages.delete"); err != nil {
		return err
	}
	kept := c.g.messages[:0]
	for _, m := range c.g.messages {
		if filter["user_id"] != nil && m.UserID == filter["user_id"] {
			continue
		}
		kept = append(kept, m)
	}
	c.g.messages = kept
	return nil
}

// ── Session store fake ───────────────────────────────────────────────────

type fakeStore struct {
	mu   sync.Mutex
	sess *Session
}

func (s *fakeStore) Save(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *sess
	s.sess = &copied
	return nil
}

func (s *fakeStore) Load() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil, ErrNoSession
	}
	copied := *s.sess
	return &copied, nil
}

func (s *fakeStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess = nil
	return nil
}

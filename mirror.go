package roshan

import (
	"sort"
	"strings"
	"sync"
)

func containsFold(s, term string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(term))
}

// ============================================================================
// Local Mirror Store
// ============================================================================

// Mirror is the goroutine-safe in-memory mirror of the remote collections.
// It is the single source of truth for any UI projection: users, groups,
// the message sequence of the active group, and that group's member list.
//
// Only the synchronization engine applies remote-origin mutations;
// UI-triggered writes flow through the same methods after their gateway
// call succeeds. Snapshot accessors return copies.
type Mirror struct {
	mu sync.RWMutex

	users       map[string]User
	groups      []Group
	messages    []Message
	messageIDs  map[string]bool
	members     []Membership
	activeGroup *Group

	onChange func()
}

// NewMirror creates an empty mirror.
func NewMirror() *Mirror {
	return &Mirror{
		users:      make(map[string]User),
		messageIDs: make(map[string]bool),
	}
}

// OnChange registers the notification hook fired after any mutation.
// The hook runs synchronously outside the mirror lock.
func (m *Mirror) OnChange(fn func()) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

func (m *Mirror) notify() {
	m.mu.RLock()
	fn := m.onChange
	m.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// ── Users ────────────────────────────────────────────────────────────────

// Users returns all mirrored users sorted by display name.
func (m *Mirror) Users() []User {
	m.mu.RLock()
	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// OnlineUsers returns the mirrored users currently flagged online.
func (m *Mirror) OnlineUsers() []User {
	all := m.Users()
	out := all[:0]
	for _, u := range all {
		if u.Online {
			out = append(out, u)
		}
	}
	return out
}

// User returns the mirrored user with the given id, if present.
func (m *Mirror) User(id string) (User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok
}

// SetUsers replaces the user collection wholesale.
func (m *Mirror) SetUsers(users []User) {
	m.mu.Lock()
	m.users = make(map[string]User, len(users))
	for _, u := range users {
		m.users[u.ID] = u
	}
	m.mu.Unlock()
	m.notify()
}

// PutUser inserts or replaces a single user.
func (m *Mirror) PutUser(u User) {
	m.mu.Lock()
	m.users[u.ID] = u
	m.mu.Unlock()
	m.notify()
}

// ReplaceUser replaces the entry matching u.ID. An update for an id never
// observed is ignored; feeds may deliver updates before their insert.
func (m *Mirror) ReplaceUser(u User) {
	m.mu.Lock()
	_, known := m.users[u.ID]
	if known {
		m.users[u.ID] = u
	}
	m.mu.Unlock()
	if known {
		m.notify()
	}
}

// RemoveUser deletes a user by id. Local message and membership mirrors are
// not cascaded; they are corrected on the next full reload.
func (m *Mirror) RemoveUser(id string) {
	m.mu.Lock()
	_, known := m.users[id]
	delete(m.users, id)
	m.mu.Unlock()
	if known {
		m.notify()
	}
}

// ── Groups ───────────────────────────────────────────────────────────────

// Groups returns a copy of the group collection in load order.
func (m *Mirror) Groups() []Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Group(nil), m.groups...)
}

// FindGroup returns the mirrored group with the given id.
func (m *Mirror) FindGroup(id string) (Group, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.groups {
		if g.ID == id {
			return g, true
		}
	}
	return Group{}, false
}

// FilterGroups returns groups whose name contains the given term.
func (m *Mirror) FilterGroups(term string) []Group {
	all := m.Groups()
	if term == "" {
		return all
	}
	out := all[:0]
	for _, g := range all {
		if containsFold(g.Name, term) {
			out = append(out, g)
		}
	}
	return out
}

// SetGroups replaces the group collection wholesale (derived counters are
// computed by the caller before the swap).
func (m *Mirror) SetGroups(groups []Group) {
	m.mu.Lock()
	m.groups = append([]Group(nil), groups...)
	if m.activeGroup != nil {
		for i := range m.groups {
			if m.groups[i].ID == m.activeGroup.ID {
				g := m.groups[i]
				m.activeGroup = &g
				break
			}
		}
	}
	m.mu.Unlock()
	m.notify()
}

// ── Active group & messages ──────────────────────────────────────────────

// ActiveGroup returns the currently selected group, if any.
func (m *Mirror) ActiveGroup() (Group, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.activeGroup == nil {
		return Group{}, false
	}
	return *m.activeGroup, true
}

// SetActive swaps the active group together with its message sequence and
// member list in one step, so readers never observe a half-switched state.
func (m *Mirror) SetActive(g Group, messages []Message, members []Membership) {
	m.mu.Lock()
	m.activeGroup = &g
	m.messages = append([]Message(nil), messages...)
	m.messageIDs = make(map[string]bool, len(messages))
	for _, msg := range messages {
		m.messageIDs[msg.ID] = true
	}
	m.members = append([]Membership(nil), members...)
	m.mu.Unlock()
	m.notify()
}

// Messages returns the ordered message sequence of the active group.
func (m *Mirror) Messages() []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Message(nil), m.messages...)
}

// HasMessage reports whether a message id is already mirrored. This is the
// load-bearing dedup check for the optimistic-send and feed-echo paths.
func (m *Mirror) HasMessage(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.messageIDs[id]
}

// AppendMessage appends a message unless its id is already present.
// Returns false for duplicates.
func (m *Mirror) AppendMessage(msg Message) bool {
	m.mu.Lock()
	if m.messageIDs[msg.ID] {
		m.mu.Unlock()
		return false
	}
	m.messageIDs[msg.ID] = true
	m.messages = append(m.messages, msg)
	m.mu.Unlock()
	m.notify()
	return true
}

// ── Members ──────────────────────────────────────────────────────────────

// Members returns the member list of the active group.
func (m *Mirror) Members() []Membership {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Membership(nil), m.members...)
}

// SetMembers replaces the active group's member list.
func (m *Mirror) SetMembers(members []Membership) {
	m.mu.Lock()
	m.members = append([]Membership(nil), members...)
	m.mu.Unlock()
	m.notify()
}

// Clear drops all mirrored state. Used at session teardown.
func (m *Mirror) Clear() {
	m.mu.Lock()
	m.users = make(map[string]User)
	m.groups = nil
	m.messages = nil
	m.messageIDs = make(map[string]bool)
	m.members = nil
	m.activeGroup = nil
	m.mu.Unlock()
	m.notify()
}

// Package roshan is a client-side state-synchronization layer for a hosted
// multi-group chat service.
//
// The hosted service ("gateway") exposes typed CRUD operations and a
// push-based change feed per collection. This package keeps local in-memory
// mirrors of users, groups and messages consistent with that remote source
// of truth, reconciles optimistic local writes against their own echo, and
// drives presence and session lifecycle.
//
// Example:
//
//	gw := roshan.NewRESTGateway("https://chat.example.com", roshan.WithAPIKey(key))
//	store, _ := roshan.OpenSessionStore(path)
//	app := roshan.NewApp(gw, store, nil)
//
//	sess, _ := app.Login(ctx, "admin", "1234")
//	app.SwitchGroup(ctx, app.Groups()[0].ID)
//	app.SendMessage(ctx, "hello")
package roshan

import (
	"encoding/json"
	"errors"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrAuth is returned when login credentials match no user.
	ErrAuth = errors.New("invalid credentials")

	// ErrConflict is returned when a create collides with a unique field
	// (duplicate username, duplicate membership row).
	ErrConflict = errors.New("duplicate record")

	// ErrNotFound is returned by single-row lookups that matched nothing.
	// Callers treat it as the "absent" branch, never as fatal.
	ErrNotFound = errors.New("record not found")

	// ErrOffline is returned when a write is attempted while the local
	// connectivity flag is down. No gateway call is made.
	ErrOffline = errors.New("client is offline")

	// ErrSessionExpired is returned when the persisted session is older
	// than the configured TTL.
	ErrSessionExpired = errors.New("session expired")

	// ErrNoSession is returned by operations that require a logged-in user.
	ErrNoSession = errors.New("no active session")

	// ErrNoActiveGroup is returned by SendMessage before a group was selected.
	ErrNoActiveGroup = errors.New("no active group selected")

	// ErrWeakPassword is returned by AddUser for passwords under the
	// configured minimum length.
	ErrWeakPassword = errors.New("password too short")

	// ErrSelfDelete is returned when a user tries to delete their own account.
	ErrSelfDelete = errors.New("cannot delete own account")
)

// GatewayError is a structured error reported by the hosted service.
type GatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *GatewayError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Entities
// ============================================================================

// Role values stored on a user row.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is a chat account as stored at the gateway.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Password  string    `json:"password,omitempty"`
	Name      string    `json:"name"`
	Avatar    string    `json:"avatar"`
	Role      string    `json:"role"`
	Online    bool      `json:"online"`
	LastSeen  time.Time `json:"last_seen"`
	CreatedAt time.Time `json:"created_at"`
}

// IsAdmin reports whether the user carries the admin role.
func (u *User) IsAdmin() bool { return u.Role == RoleAdmin }

// Group is a chat room. TotalCount, OnlineCount and Unread are derived from
// membership and never persisted.
type Group struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Avatar      string    `json:"avatar"`
	CreatedBy   string    `json:"created_by"`
	Public      bool      `json:"is_public"`
	CreatedAt   time.Time `json:"created_at"`

	TotalCount  int `json:"-"`
	OnlineCount int `json:"-"`
	Unread      int `json:"-"`
}

// Membership is the existence-only (group, user) relation.
type Membership struct {
	GroupID string `json:"group_id"`
	UserID  string `json:"user_id"`
}

// AuthorRef is the denormalized author snapshot attached to a message for
// display. It is a join convenience, not part of the persisted entity.
type AuthorRef struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

// Message is a single chat message. ID is assigned by the gateway and is the
// sole deduplication key across the optimistic-insert and feed-echo paths.
type Message struct {
	ID        string    `json:"id"`
	GroupID   string    `json:"group_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	Type      string    `json:"message_type"`
	CreatedAt time.Time `json:"created_at"`

	Author *AuthorRef `json:"-"`
}

// Session is the current user snapshot plus login timestamp, held for the
// lifetime of an authenticated session and persisted in client-local storage.
type Session struct {
	User    User      `json:"user"`
	LoginAt time.Time `json:"login_at"`
}

// Expired reports whether the session is older than ttl at instant now.
func (s *Session) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LoginAt) > ttl
}

// ============================================================================
// Change-feed events
// ============================================================================

// Op is a change-feed operation kind.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Collection names the watched gateway collections.
type Collection string

const (
	CollectionUsers    Collection = "users"
	CollectionGroups   Collection = "groups"
	CollectionMembers  Collection = "group_members"
	CollectionMessages Collection = "messages"
)

// Event is a typed change-feed event. The feed delivers events at least
// once, possibly duplicated and reordered; consumers must be idempotent.
type Event interface {
	EventOp() Op
}

// UserEvent is a row change in the users collection.
type UserEvent struct {
	Op  Op
	New *User
	Old *User
}

func (e UserEvent) EventOp() Op { return e.Op }

// GroupEvent is a row change in the groups collection. The engine treats it
// coarsely (full reload) so only the operation kind matters.
type GroupEvent struct {
	Op  Op
	New *Group
	Old *Group
}

func (e GroupEvent) EventOp() Op { return e.Op }

// MessageEvent is a row change in the messages collection.
type MessageEvent struct {
	Op  Op
	New *Message
	Old *Message
}

func (e MessageEvent) EventOp() Op { return e.Op }

// envelope is the wire format of a single change-feed frame.
type envelope struct {
	Table Collection      `json:"table"`
	Type  Op              `json:"type"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
}

// decodeEvent turns a wire envelope into a typed Event, or nil when the
// table is not a watched collection or the payload does not parse.
func decodeEvent(env *envelope) Event {
	switch env.Table {
	case CollectionUsers:
		ev := UserEvent{Op: env.Type}
		if len(env.New) > 0 {
			ev.New = &User{}
			if json.Unmarshal(env.New, ev.New) != nil {
				return nil
			}
		}
		if len(env.Old) > 0 {
			ev.Old = &User{}
			if json.Unmarshal(env.Old, ev.Old) != nil {
				return nil
			}
		}
		return ev
	case CollectionGroups:
		ev := GroupEvent{Op: env.Type}
		if len(env.New) > 0 {
			ev.New = &Group{}
			if json.Unmarshal(env.New, ev.New) != nil {
				return nil
			}
		}
		if len(env.Old) > 0 {
			ev.Old = &Group{}
			if json.Unmarshal(env.Old, ev.Old) != nil {
				return nil
			}
		}
		return ev
	case CollectionMessages:
		ev := MessageEvent{Op: env.Type}
		if len(env.New) > 0 {
			ev.New = &Message{}
			if json.Unmarshal(env.New, ev.New) != nil {
				return nil
			}
		}
		if len(env.Old) > 0 {
			ev.Old = &Message{}
			if json.Unmarshal(env.Old, ev.Old) != nil {
				return nil
			}
		}
		return ev
	}
	return nil
}

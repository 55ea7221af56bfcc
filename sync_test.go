package roshan

import (
	"context"
	"errors"
	"testing"
	"time"
)

// ============================================================================
// Engine
// ============================================================================

func newTestEngine(gw *fakeGateway) (*Engine, *Mirror) {
	opts := newTestOptions()
	mirror := NewMirror()
	members := newMembershipMaintainer(gw, opts, opts.Logger)
	return newEngine(gw, mirror, members, opts, opts.Logger), mirror
}

func TestEngineSend(t *testing.T) {
	t.Run("optimistic append with echo dedup", func(t *testing.T) {
		gw := newFakeGateway()
		gw.users = []User{{ID: "u1", Name: "Ann"}}
		engine, mirror := newTestEngine(gw)
		mirror.SetActive(Group{ID: "g1"}, nil, nil)

		sender := User{ID: "u1", Name: "Ann", Avatar: "A"}
		msg, err := engine.Send(context.Background(), sender, "hello")
		if err != nil {
			t.Fatalf("send failed: %v", err)
		}
		if len(mirror.Messages()) != 1 {
			t.Fatal("sent message must appear immediately")
		}
		if msg.Author == nil || msg.Author.Name != "Ann" {
			t.Fatalf("author snapshot missing: %+v", msg.Author)
		}

		// The feed echoes the insert, possibly several times.
		echo := *msg
		echo.Author = nil
		for i := 0; i < 5; i++ {
			engine.apply(context.Background(), MessageEvent{Op: OpInsert, New: &echo})
		}
		if got := len(mirror.Messages()); got != 1 {
			t.Fatalf("echo storm must be a no-op, got %d messages", got)
		}
	})

	t.Run("no active group", func(t *testing.T) {
		gw := newFakeGateway()
		engine, _ := newTestEngine(gw)

		if _, err := engine.Send(context.Background(), User{ID: "u1"}, "hi"); !errors.Is(err, ErrNoActiveGroup) {
			t.Fatalf("expected ErrNoActiveGroup, got %v", err)
		}
		if gw.count("messages.create") != 0 {
			t.Fatal("must not reach the gateway without an active group")
		}
	})

	t.Run("failed insert leaves mirror untouched", func(t *testing.T) {
		gw := newFakeGateway()
		engine, mirror := newTestEngine(gw)
		mirror.SetActive(Group{ID: "g1"}, nil, nil)

		gw.failWith = errors.New("boom")
		if _, err := engine.Send(context.Background(), User{ID: "u1"}, "hi"); err == nil {
			t.Fatal("expected error")
		}
		if len(mirror.Messages()) != 0 {
			t.Fatal("failed send must not mutate the mirror")
		}
	})

	t.Run("session change discards in-flight response", func(t *testing.T) {
		gw := newFakeGateway()
		engine, mirror := newTestEngine(gw)
		mirror.SetActive(Group{ID: "g1"}, nil, nil)

		// A logout races the insert: the epoch changes while the response is
		// in flight, so the result must be discarded, not applied.
		gw.beforeMessageReply = func() { engine.epoch.Add(1) }

		if _, err := engine.Send(context.Background(), User{ID: "u1"}, "hi"); !errors.Is(err, ErrNoSession) {
			t.Fatalf("expected ErrNoSession, got %v", err)
		}
		if len(mirror.Messages()) != 0 {
			t.Fatal("stale response must not reach the mirror")
		}
	})
}

func TestEngineUserEvents(t *testing.T) {
	t.Run("update before insert is benign", func(t *testing.T) {
		gw := newFakeGateway()
		gw.groups = []Group{{ID: "g-pub", Public: true}}
		engine, mirror := newTestEngine(gw)

		engine.apply(context.Background(), UserEvent{Op: OpUpdate, New: &User{ID: "u9", Name: "Renamed"}})
		if _, ok := mirror.User("u9"); ok {
			t.Fatal("update for unknown id must not insert")
		}

		// The insert arrives late; the row lands exactly once.
		engine.apply(context.Background(), UserEvent{Op: OpInsert, New: &User{ID: "u9", Name: "Original"}})
		if u, ok := mirror.User("u9"); !ok || u.Name != "Original" {
			t.Fatalf("late insert must land, got %+v", u)
		}
		if len(mirror.Users()) != 1 {
			t.Fatalf("expected 1 user, got %d", len(mirror.Users()))
		}

		// At-least-once delivery replays both events: the update now
		// applies and the redelivered insert must not clobber it.
		engine.apply(context.Background(), UserEvent{Op: OpUpdate, New: &User{ID: "u9", Name: "Renamed"}})
		engine.apply(context.Background(), UserEvent{Op: OpInsert, New: &User{ID: "u9", Name: "Original"}})

		users := mirror.Users()
		if len(users) != 1 {
			t.Fatalf("expected 1 user after redelivery, got %d", len(users))
		}
		if users[0].Name != "Renamed" {
			t.Fatalf("redelivered insert must not overwrite the update, got %q", users[0].Name)
		}
	})

	t.Run("insert joins public group once", func(t *testing.T) {
		gw := newFakeGateway()
		gw.groups = []Group{{ID: "g-pub", Public: true}}
		engine, mirror := newTestEngine(gw)

		ev := UserEvent{Op: OpInsert, New: &User{ID: "u5", Name: "New"}}
		engine.apply(context.Background(), ev)
		engine.apply(context.Background(), ev) // redelivery

		if _, ok := mirror.User("u5"); !ok {
			t.Fatal("inserted user must be mirrored")
		}
		if n := gw.memberCount("g-pub", "u5"); n != 1 {
			t.Fatalf("expected 1 membership row, got %d", n)
		}
	})

	t.Run("delete uses old row id", func(t *testing.T) {
		gw := newFakeGateway()
		engine, mirror := newTestEngine(gw)
		mirror.SetUsers([]User{{ID: "u1", Name: "Ann"}})

		engine.apply(context.Background(), UserEvent{Op: OpDelete, Old: &User{ID: "u1"}})
		if _, ok := mirror.User("u1"); ok {
			t.Fatal("deleted user must leave the mirror")
		}
	})
}

func TestEngineMessageEvents(t *testing.T) {
	t.Run("inactive group is ignored", func(t *testing.T) {
		gw := newFakeGateway()
		gw.users = []User{{ID: "u1", Name: "Ann"}}
		engine, mirror := newTestEngine(gw)
		mirror.SetActive(Group{ID: "g1"}, nil, nil)

		engine.apply(context.Background(), MessageEvent{Op: OpInsert,
			New: &Message{ID: "m1", GroupID: "g2", UserID: "u1", Content: "elsewhere"}})
		if len(mirror.Messages()) != 0 {
			t.Fatal("messages for other groups must not enter the active sequence")
		}
	})

	t.Run("incoming message gets author attached", func(t *testing.T) {
		gw := newFakeGateway()
		gw.users = []User{{ID: "u2", Username: "bob", Name: "Bob", Avatar: "B"}}
		engine, mirror := newTestEngine(gw)
		mirror.SetActive(Group{ID: "g1"}, nil, nil)

		engine.apply(context.Background(), MessageEvent{Op: OpInsert,
			New: &Message{ID: "m1", GroupID: "g1", UserID: "u2", Content: "hi"}})

		msgs := mirror.Messages()
		if len(msgs) != 1 {
			t.Fatalf("expected 1 message, got %d", len(msgs))
		}
		if msgs[0].Author == nil || msgs[0].Author.Name != "Bob" {
			t.Fatalf("author must be resolved, got %+v", msgs[0].Author)
		}
	})

	t.Run("author cache avoids repeated lookups", func(t *testing.T) {
		gw := newFakeGateway()
		gw.users = []User{{ID: "u2", Username: "bob", Name: "Bob"}}
		engine, mirror := newTestEngine(gw)
		mirror.SetActive(Group{ID: "g1"}, nil, nil)

		for i := 0; i < 3; i++ {
			engine.apply(context.Background(), MessageEvent{Op: OpInsert,
				New: &Message{ID: string(rune('a' + i)), GroupID: "g1", UserID: "u2"}})
		}
		if gw.count("users.find") > 1 {
			t.Fatalf("author lookups must be cached, saw %d finds", gw.count("users.find"))
		}
	})
}

func TestEngineLoads(t *testing.T) {
	t.Run("reload groups computes counters", func(t *testing.T) {
		gw := newFakeGateway()
		gw.groups = []Group{{ID: "g1", Name: "general"}}
		gw.members = []Membership{
			{GroupID: "g1", UserID: "u1"},
			{GroupID: "g1", UserID: "u2"},
		}
		engine, mirror := newTestEngine(gw)
		mirror.SetUsers([]User{
			{ID: "u1", Online: true},
			{ID: "u2", Online: false},
		})

		if err := engine.ReloadGroups(context.Background()); err != nil {
			t.Fatalf("reload failed: %v", err)
		}
		groups := mirror.Groups()
		if len(groups) != 1 {
			t.Fatalf("expected 1 group, got %d", len(groups))
		}
		if groups[0].TotalCount != 2 || groups[0].OnlineCount != 1 {
			t.Fatalf("counters wrong: total=%d online=%d", groups[0].TotalCount, groups[0].OnlineCount)
		}
	})

	t.Run("switch group loads history and members", func(t *testing.T) {
		gw := newFakeGateway()
		gw.users = []User{{ID: "u1", Username: "ann", Name: "Ann"}}
		gw.groups = []Group{{ID: "g1", Name: "general"}}
		gw.members = []Membership{{GroupID: "g1", UserID: "u1"}}
		gw.messages = []Message{{ID: "m1", GroupID: "g1", UserID: "u1", Content: "old"}}
		engine, mirror := newTestEngine(gw)

		if err := engine.SwitchGroup(context.Background(), "g1"); err != nil {
			t.Fatalf("switch failed: %v", err)
		}
		if g, ok := mirror.ActiveGroup(); !ok || g.ID != "g1" {
			t.Fatal("active group must be set")
		}
		msgs := mirror.Messages()
		if len(msgs) != 1 || msgs[0].Author == nil || msgs[0].Author.Name != "Ann" {
			t.Fatalf("history must load with authors, got %+v", msgs)
		}
		if len(mirror.Members()) != 1 {
			t.Fatal("members must load with the group")
		}
	})

	t.Run("switch to unknown group fails", func(t *testing.T) {
		gw := newFakeGateway()
		engine, _ := newTestEngine(gw)
		if err := engine.SwitchGroup(context.Background(), "ghost"); err == nil {
			t.Fatal("expected error for unknown group")
		}
	})
}

func TestEngineFeedLoop(t *testing.T) {
	t.Run("events flow through intake to the mirror", func(t *testing.T) {
		gw := newFakeGateway()
		gw.users = []User{{ID: "u1", Username: "ann", Name: "Ann"}}
		gw.groups = []Group{{ID: "g-pub", Public: true}}
		engine, mirror := newTestEngine(gw)
		mirror.SetActive(Group{ID: "g1"}, nil, nil)

		engine.Start(context.Background())
		defer engine.Stop()

		gw.push(t, CollectionMessages, MessageEvent{Op: OpInsert,
			New: &Message{ID: "m1", GroupID: "g1", UserID: "u1", Content: "live"}})

		waitFor(t, func() bool { return len(mirror.Messages()) == 1 })
	})

	t.Run("subscribe failure degrades instead of failing", func(t *testing.T) {
		gw := newFakeGateway()
		gw.subscribeErr = errors.New("feed down")
		engine, mirror := newTestEngine(gw)
		mirror.SetActive(Group{ID: "g1"}, nil, nil)

		engine.Start(context.Background())
		defer engine.Stop()

		// Writes still work without a feed.
		if _, err := engine.Send(context.Background(), User{ID: "u1"}, "hi"); err != nil {
			t.Fatalf("send must work without subscriptions: %v", err)
		}
	})

	t.Run("stop is not blocked by in-flight dials", func(t *testing.T) {
		gw := newFakeGateway()
		gw.subscribeEntered = make(chan struct{}, 8)
		gw.subscribeGate = make(chan struct{})
		engine, _ := newTestEngine(gw)

		started := make(chan struct{})
		go func() {
			engine.Start(context.Background())
			close(started)
		}()
		<-gw.subscribeEntered // first dial is in flight

		stopped := make(chan struct{})
		go func() {
			engine.Stop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Fatal("Stop must not wait behind a slow dial")
		}

		// Release the dials; the streams opened after Stop must be closed
		// by the losing Start.
		close(gw.subscribeGate)
		<-started
		for _, coll := range []Collection{CollectionUsers, CollectionGroups, CollectionMessages} {
			gw.mu.Lock()
			sub := gw.subs[coll]
			gw.mu.Unlock()
			if sub == nil {
				t.Fatalf("no subscription opened for %s", coll)
			}
			if _, open := <-sub.ch; open {
				t.Fatalf("stream for %s must be closed after the lost race", coll)
			}
		}
	})

	t.Run("stop then start is clean", func(t *testing.T) {
		gw := newFakeGateway()
		engine, _ := newTestEngine(gw)

		engine.Start(context.Background())
		engine.Stop()
		engine.Start(context.Background())
		engine.Stop()
	})
}

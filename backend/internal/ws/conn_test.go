package ws

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"syncServer/backend/internal/cache"
	"syncServer/backend/internal/collab"
	"syncServer/backend/internal/ot/delta"
)

// ===== 内存假件：presence 与同步引擎 =====

type fakePresence struct {
	mu        sync.Mutex
	members   map[uint64]string
	cursors   map[uint64]json.RawMessage
	removed   []uint64
	refreshes int
}

func newFakePresence() *fakePresence {
	return &fakePresence{
		members: make(map[uint64]string),
		cursors: make(map[uint64]json.RawMessage),
	}
}

func (f *fakePresence) AddMember(ctx context.Context, docID string, userID uint64, displayName string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[userID] = displayName
	return nil
}

func (f *fakePresence) RemoveMember(ctx context.Context, docID string, userID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members, userID)
	delete(f.cursors, userID)
	f.removed = append(f.removed, userID)
	return nil
}

func (f *fakePresence) GetMembersWithNames(ctx context.Context, docID string) ([]cache.PresenceMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []cache.PresenceMember
	for uid, name := range f.members {
		out = append(out, cache.PresenceMember{UserID: uid, DisplayName: name})
	}
	return out, nil
}

func (f *fakePresence) SetCursor(ctx context.Context, docID string, userID uint64, position json.RawMessage, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors[userID] = position
	return nil
}

func (f *fakePresence) GetCursors(ctx context.Context, docID string) ([]cache.CursorEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []cache.CursorEntry
	for uid, pos := range f.cursors {
		out = append(out, cache.CursorEntry{UserID: uid, Position: pos})
	}
	return out, nil
}

func (f *fakePresence) Refresh(ctx context.Context, docID string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return nil
}

func (f *fakePresence) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func (f *fakePresence) cursorCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cursors)
}

var _ cache.PresenceCache = (*fakePresence)(nil)

type fakeSyncService struct {
	mu      sync.Mutex
	flushes []string
}

func (s *fakeSyncService) GetDocument(ctx context.Context, docID string, userID uint64) (collab.DocumentView, error) {
	return collab.DocumentView{}, nil
}

func (s *fakeSyncService) ApplyChanges(ctx context.Context, docID string, userID uint64, d delta.Delta) (delta.Delta, error) {
	return d, nil
}

func (s *fakeSyncService) Flush(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes = append(s.flushes, docID)
	return nil
}

func (s *fakeSyncService) UpdateTitle(ctx context.Context, docID string, userID uint64, title string) error {
	return nil
}

func (s *fakeSyncService) flushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flushes)
}

var _ collab.Service = (*fakeSyncService)(nil)

func wiredConn(h *Hub, svc collab.Service, docID, connID string, userID uint64) *Conn {
	c := &Conn{
		hub:    h,
		svc:    svc,
		connID: connID,
		userID: userID,
		send:   make(chan OutboundMessage, 32),
	}
	sess := &Session{ConnectionID: connID, UserID: userID, DocID: docID, Role: collab.RoleEditor}
	c.sess = sess
	h.Join(docID, c, sess)
	return c
}

// ===== cursor-move =====

func TestHandleCursorMove_RejectsInvalidPosition(t *testing.T) {
	// 位置值原样进入广播，空串或残缺 JSON 一旦落进光标表，
	// 之后每次 update-cursors 的序列化都会失败
	p := newFakePresence()
	h := NewHub(p)
	svc := &fakeSyncService{}
	c := wiredConn(h, svc, "42", "conn-a", 1)
	ctx := context.Background()

	c.handleCursorMove(ctx, ClientMessage{Type: TypeCursorMove, Position: nil})
	c.handleCursorMove(ctx, ClientMessage{Type: TypeCursorMove, Position: json.RawMessage("")})
	c.handleCursorMove(ctx, ClientMessage{Type: TypeCursorMove, Position: json.RawMessage(`{"index":`)})

	if p.cursorCount() != 0 {
		t.Fatalf("invalid position reached the cursor table")
	}
	if len(drain(c)) != 0 {
		t.Fatalf("rejected cursor move still broadcast")
	}

	c.handleCursorMove(ctx, ClientMessage{Type: TypeCursorMove, Position: json.RawMessage(`{"index":5,"length":0}`)})
	if p.cursorCount() != 1 {
		t.Fatalf("valid position not stored")
	}
	msgs := drain(c)
	if len(msgs) != 1 {
		t.Fatalf("cursor broadcast missing, got %d messages", len(msgs))
	}
	if _, err := json.Marshal(msgs[0]); err != nil {
		t.Fatalf("cursor broadcast does not marshal: %v", err)
	}
}

// ===== teardown =====

func TestTeardown_SameUserSecondTabKeepsPresence(t *testing.T) {
	// 同一用户两个标签页：第一个断开时在线状态必须保留，
	// 第二个（该用户最后一个会话）断开才撤
	p := newFakePresence()
	h := NewHub(p)
	svc := &fakeSyncService{}
	tab1 := wiredConn(h, svc, "42", "conn-a", 1)
	tab2 := wiredConn(h, svc, "42", "conn-b", 1)
	p.members[1] = "User 1"
	ctx := context.Background()

	tab1.teardown(ctx)
	if len(p.removed) != 0 {
		t.Fatalf("presence removed while another tab is still joined")
	}
	if svc.flushCount() != 0 {
		t.Fatalf("flush triggered with a session still in the room")
	}

	tab2.teardown(ctx)
	if len(p.removed) != 1 || p.removed[0] != 1 {
		t.Fatalf("presence not removed on last session leave: %v", p.removed)
	}
	if svc.flushCount() != 1 {
		t.Fatalf("last-leave flush not triggered")
	}
}

func TestTeardown_DifferentUsersIndependent(t *testing.T) {
	p := newFakePresence()
	h := NewHub(p)
	svc := &fakeSyncService{}
	a := wiredConn(h, svc, "42", "conn-a", 1)
	wiredConn(h, svc, "42", "conn-b", 2)
	p.members[1] = "User 1"
	p.members[2] = "User 2"

	a.teardown(context.Background())
	if len(p.removed) != 1 || p.removed[0] != 1 {
		t.Fatalf("removed = %v, want only user 1", p.removed)
	}
}

// ===== presence refresh =====

func TestPresenceRefreshLoop_RefreshesWhileJoined(t *testing.T) {
	p := newFakePresence()
	h := NewHub(p)
	svc := &fakeSyncService{}
	c := wiredConn(h, svc, "42", "conn-a", 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.presenceRefreshLoop(ctx, time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for p.refreshCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("presence never refreshed")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPresenceRefreshLoop_IdlesWithoutSession(t *testing.T) {
	p := newFakePresence()
	h := NewHub(p)
	c := testConn("conn-a", 1)
	c.hub = h

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.presenceRefreshLoop(ctx, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	if p.refreshCount() != 0 {
		t.Fatalf("refresh fired without a joined session")
	}
}

package ws

import (
	"sync"

	"syncServer/backend/internal/cache"
	"syncServer/backend/internal/collab"
)

// Session 是一条连接的会话记录：get-document 成功时创建，
// 断连时销毁，每条连接恰好一条。由 Hub 按连接 id 持有。
type Session struct {
	ConnectionID string
	UserID       uint64
	DocID        string
	Role         collab.Role
	DisplayName  string
}

type Hub struct {
	// presence 只提供对共享在线状态/光标的读写能力，数据在 redis
	presence cache.PresenceCache

	mu sync.RWMutex
	// docID -> set of connections
	// 房间里存连接而不是 userID：同一用户可开多个标签页/设备，
	// 广播要逐连接发
	rooms    map[string]map[*Conn]struct{}
	sessions map[string]*Session // connectionID -> Session
}

func NewHub(p cache.PresenceCache) *Hub {
	return &Hub{
		presence: p,
		rooms:    make(map[string]map[*Conn]struct{}),
		sessions: make(map[string]*Session),
	}
}

// Join 把连接加入文档房间并登记会话。
func (h *Hub) Join(docID string, c *Conn, sess *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
	h.sessions[sess.ConnectionID] = sess
}

// Leave 把连接移出房间，返回房间剩余连接数。
// 剩 0 时调用方触发最后一次 flush。
func (h *Hub) Leave(docID string, c *Conn) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	remaining := 0
	if conns, ok := h.rooms[docID]; ok {
		delete(conns, c)
		remaining = len(conns)
		if remaining == 0 {
			delete(h.rooms, docID)
		}
	}
	if c.sess != nil {
		delete(h.sessions, c.sess.ConnectionID)
	}
	return remaining
}

// UserSessions 返回该用户在房间里登记着的会话数。
// 同一用户多开标签页时每个连接各占一条。
func (h *Hub) UserSessions(docID string, userID uint64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, s := range h.sessions {
		if s.DocID == docID && s.UserID == userID {
			n++
		}
	}
	return n
}

func (h *Hub) Session(connectionID string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[connectionID]
}

// Broadcast 发给房间内除 exclude 外的所有连接；exclude 传 nil 发全房间。
func (h *Hub) Broadcast(docID string, exclude *Conn, msg OutboundMessage) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[docID]))
	for c := range h.rooms[docID] {
		if c != exclude {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.enqueue(msg)
	}
}

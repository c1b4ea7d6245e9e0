package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"syncServer/backend/internal/collab"
	"syncServer/backend/internal/ot/delta"
)

const (
	// 在线状态键的不活跃窗口，每次读写刷新
	presenceTTL = 600 * time.Second
	// 存活连接续期在线状态键的间隔，必须远小于 presenceTTL
	presenceRefreshInterval = presenceTTL / 3
	// 单条提交的处理上限，防止慢存储拖垮读循环
	submitTimeout = 200 * time.Millisecond
)

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	svc      collab.Service
	sem      *collab.SemaphoreControl
	connID   string
	userID   uint64
	username string
	sess     *Session
	send     chan OutboundMessage

	// closed 由 sendMu 保护；置位之后 enqueue 静默丢弃，
	// 广播方永远不会写到已关闭的通道上
	sendMu sync.Mutex
	closed bool
}

func NewConn(ws *websocket.Conn, hub *Hub, svc collab.Service, sem *collab.SemaphoreControl, connID string, userID uint64, username string) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		svc:      svc,
		sem:      sem,
		connID:   connID,
		userID:   userID,
		username: username,
		send:     make(chan OutboundMessage, 32),
	}
}

func (c *Conn) enqueue(msg OutboundMessage) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		// 队列满了就丢，慢客户端不能拖住别人
	}
}

// closeSend 停止写循环。调用前连接必须已经摘出房间。
func (c *Conn) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("read json error (user=%d, conn=%s): %v", c.userID, c.connID, err)
			}
			return
		}
		switch msg.Type {
		case TypeGetDocument:
			c.handleGetDocument(ctx, msg)
		case TypeSendChanges:
			c.handleSendChanges(ctx, msg)
		case TypeSaveDocument:
			c.handleSaveDocument(ctx, msg)
		case TypeUpdateTitle:
			c.handleUpdateTitle(ctx, msg)
		case TypeCursorMove:
			c.handleCursorMove(ctx, msg)
		default:
			log.Printf("ignored unknown message type %q (user=%d)", msg.Type, c.userID)
		}
	}
}

func (c *Conn) writeLoop() {
	// 持续消费通道中的出站消息
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
}

func (c *Conn) displayName(msg ClientMessage) string {
	name := strings.TrimSpace(msg.FirstName + " " + msg.LastName)
	if name == "" {
		name = c.username
	}
	return name
}

func (c *Conn) handleGetDocument(ctx context.Context, msg ClientMessage) {
	view, err := c.svc.GetDocument(ctx, msg.DocID, c.userID)
	if err != nil {
		// 失败连接绝不进房间，也不登记在线状态
		switch {
		case errors.Is(err, collab.ErrNotFound):
			c.enqueue(ErrorMessage{Type: TypeError, Message: fmt.Sprintf("Document with id '%s' not found", msg.DocID), Redirect: true})
		case errors.Is(err, collab.ErrUnauthorized):
			c.enqueue(ErrorMessage{Type: TypeError, Message: "You are not authorized to view this document", Redirect: true})
		default:
			log.Printf("get-document failed (doc=%s user=%d): %v", msg.DocID, c.userID, err)
			c.enqueue(ErrorMessage{Type: TypeError, Message: "Failed to load document"})
		}
		return
	}

	// 同一连接切换文档：先按断连语义离开旧房间
	if c.sess != nil && c.sess.DocID != msg.DocID {
		c.teardown(ctx)
	}

	sess := &Session{
		ConnectionID: c.connID,
		UserID:       c.userID,
		DocID:        msg.DocID,
		Role:         view.Role,
		DisplayName:  c.displayName(msg),
	}
	c.sess = sess
	c.hub.Join(msg.DocID, c, sess)
	if err := c.hub.presence.AddMember(ctx, msg.DocID, c.userID, sess.DisplayName, presenceTTL); err != nil {
		log.Printf("presence add failed (doc=%s user=%d): %v", msg.DocID, c.userID, err)
	}

	c.enqueue(LoadDocumentMessage{Type: TypeLoadDocument, Content: view.Content, Title: view.Title, Role: string(view.Role)})
	c.broadcastPresence(ctx, msg.DocID)
}

func (c *Conn) handleSendChanges(ctx context.Context, msg ClientMessage) {
	if c.sess == nil {
		c.enqueue(ErrorMessage{Type: TypeError, Message: "Join a document before sending changes"})
		return
	}
	docID := c.sess.DocID

	submitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	if err := c.sem.Acquire(submitCtx); err != nil {
		c.enqueue(ErrorMessage{Type: TypeError, Message: err.Error()})
		return
	}
	defer c.sem.Release()

	applied, err := c.svc.ApplyChanges(submitCtx, docID, c.userID, msg.Delta)
	if err != nil {
		switch {
		case errors.Is(err, delta.ErrMalformedDelta):
			// 坏 delta 只记日志：文档保持原样，不广播，客户端无感知
			log.Printf("malformed delta dropped (doc=%s user=%d)", docID, c.userID)
		case errors.Is(err, collab.ErrUnauthorized):
			c.enqueue(ErrorMessage{Type: TypeError, Message: "You are not authorized to edit this document"})
		default:
			log.Printf("apply changes failed (doc=%s user=%d): %v", docID, c.userID, err)
		}
		return
	}
	if applied == nil {
		// 重复投递，已被幂等保护吸收
		return
	}
	// 只广播这条 delta，不广播整篇快照，且不发给提交者自己
	c.hub.Broadcast(docID, c, ReceiveChangesMessage{Type: TypeReceiveChanges, Delta: applied})
}

func (c *Conn) handleSaveDocument(ctx context.Context, msg ClientMessage) {
	if c.sess == nil {
		return
	}
	// save 没有直接响应；落库失败时日志保留，下个触发点重试
	if err := c.svc.Flush(ctx, c.sess.DocID); err != nil {
		log.Printf("save-document flush failed (doc=%s): %v", c.sess.DocID, err)
	}
}

func (c *Conn) handleUpdateTitle(ctx context.Context, msg ClientMessage) {
	if c.sess == nil {
		return
	}
	docID := c.sess.DocID
	if err := c.svc.UpdateTitle(ctx, docID, c.userID, msg.Title); err != nil {
		log.Printf("update title failed (doc=%s user=%d): %v", docID, c.userID, err)
		c.enqueue(ErrorMessage{Type: TypeError, Message: "Failed to update document title"})
		return
	}
	// 改名广播给整个房间，包括发起者
	c.hub.Broadcast(docID, nil, TitleUpdatedMessage{Type: TypeTitleUpdated, DocID: docID, Title: msg.Title})
}

func (c *Conn) handleCursorMove(ctx context.Context, msg ClientMessage) {
	if c.sess == nil {
		return
	}
	docID := c.sess.DocID
	// 光标位置会原样进入出站广播，一条坏 JSON 会让整张表
	// 序列化失败，入口处就拒绝
	if len(msg.Position) == 0 || !json.Valid(msg.Position) {
		log.Printf("invalid cursor position dropped (doc=%s user=%d)", docID, c.userID)
		return
	}
	if err := c.hub.presence.SetCursor(ctx, docID, c.userID, msg.Position, presenceTTL); err != nil {
		log.Printf("cursor set failed (doc=%s user=%d): %v", docID, c.userID, err)
		return
	}
	// 广播完整光标表而不是增量：房间规模下正确且简单
	c.broadcastCursors(ctx, docID)
}

// presenceRefreshLoop 周期性续期当前房间的在线状态键。
// TTL 只在 join 时设置，成员长时间在线而无人新加入的话，
// 键会在会话仍然存活时过期，成员表凭空变空。
func (c *Conn) presenceRefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// sess 字段归读循环所有，这里走 Hub 的加锁视图
			sess := c.hub.Session(c.connID)
			if sess == nil {
				continue
			}
			if err := c.hub.presence.Refresh(ctx, sess.DocID, presenceTTL); err != nil {
				log.Printf("presence refresh failed (doc=%s): %v", sess.DocID, err)
			}
		}
	}
}

func (c *Conn) broadcastPresence(ctx context.Context, docID string) {
	members, err := c.hub.presence.GetMembersWithNames(ctx, docID)
	if err != nil {
		log.Printf("presence read failed (doc=%s): %v", docID, err)
		return
	}
	list := make([]PresenceMember, len(members))
	for i, m := range members {
		list[i] = PresenceMember{UserID: m.UserID, DisplayName: m.DisplayName}
	}
	c.hub.Broadcast(docID, nil, PresenceMessage{Type: TypePresence, List: list})
}

func (c *Conn) broadcastCursors(ctx context.Context, docID string) {
	cursors, err := c.hub.presence.GetCursors(ctx, docID)
	if err != nil {
		log.Printf("cursor read failed (doc=%s): %v", docID, err)
		return
	}
	c.hub.Broadcast(docID, nil, CursorsMessage{Type: TypeCursors, List: cursors})
}

// teardown 执行断连清理：离开房间、撤销在线状态和光标、
// 给剩下的人重播两张表；房间清空时做最后一次 flush。
// 清理本身是一段新的短操作，不取消任何在途处理。
func (c *Conn) teardown(ctx context.Context) {
	if c.sess == nil {
		return
	}
	docID := c.sess.DocID
	remaining := c.hub.Leave(docID, c)
	c.sess = nil

	// 同一用户可能还有别的标签页在房间里，在线状态按 userID 记，
	// 只有该用户的最后一个会话离开时才撤
	if c.hub.UserSessions(docID, c.userID) == 0 {
		if err := c.hub.presence.RemoveMember(ctx, docID, c.userID); err != nil {
			log.Printf("presence remove failed (doc=%s user=%d): %v", docID, c.userID, err)
		}
		c.broadcastPresence(ctx, docID)
		c.broadcastCursors(ctx, docID)
	}

	if remaining == 0 {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.svc.Flush(flushCtx, docID); err != nil {
			log.Printf("last-leave flush failed (doc=%s): %v", docID, err)
		}
	}
}

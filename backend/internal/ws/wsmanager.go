package ws

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"syncServer/backend/internal/collab"
)

// 全局的 WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || origin == "null" {
			return true
		}
		allowedPrefixes := []string{
			"http://localhost",
			"http://127.0.0.1",
			"https://localhost",
			"https://127.0.0.1",
		}
		for _, p := range allowedPrefixes {
			if strings.HasPrefix(origin, p) {
				return true
			}
		}
		return false
	},
}

type Manager struct {
	hub *Hub
	svc collab.Service
	sem *collab.SemaphoreControl
}

func NewManager(hub *Hub, svc collab.Service, sem *collab.SemaphoreControl) *Manager {
	return &Manager{hub: hub, svc: svc, sem: sem}
}

// WebSocketConnect 升级连接并跑读写循环。
// userId/username 由鉴权中间件写入 gin.Context。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	username := c.GetString("username")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.hub, m.svc, m.sem, xid.New().String(), userID, username)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	go wsConn.presenceRefreshLoop(c.Request.Context(), presenceRefreshInterval)

	// 断连清理：先把连接摘出房间，然后才停写循环。顺序反过来的话
	// 别的连接广播时会撞上已关闭的通道。defer 保证处理 panic 时
	// 清理照样执行，不留下幽灵会话。
	// 请求 ctx 此刻已经结束，清理是一段新的短操作，用自己的超时。
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		wsConn.teardown(cleanupCtx)
		wsConn.closeSend()
	}()

	// 读循环阻塞至连接关闭
	wsConn.readLoop(c.Request.Context())
}

package ws

import (
	"encoding/json"

	"syncServer/backend/internal/cache"
	"syncServer/backend/internal/ot/delta"
)

// 协议是封闭的类型集合：客户端统一走 ClientMessage 信封，
// 服务端每种事件一个结构体，读循环对 type 做穷举分发。

const (
	// client → server
	TypeGetDocument  = "get-document"
	TypeSendChanges  = "send-changes"
	TypeSaveDocument = "save-document"
	TypeUpdateTitle  = "update-document-title"
	TypeCursorMove   = "cursor-move"

	// server → client
	TypeLoadDocument   = "load-document"
	TypeReceiveChanges = "receive-changes"
	TypeTitleUpdated   = "document-title-updated"
	TypePresence       = "update-user-presence"
	TypeCursors        = "update-cursors"
	TypeError          = "error"
)

type ClientMessage struct {
	Type      string          `json:"type"`
	DocID     string          `json:"documentId"`
	UserID    uint64          `json:"userId,omitempty"`
	FirstName string          `json:"firstName,omitempty"`
	LastName  string          `json:"lastName,omitempty"`
	Delta     delta.Delta     `json:"delta,omitempty"`
	Title     string          `json:"title,omitempty"`
	Position  json.RawMessage `json:"position,omitempty"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

type LoadDocumentMessage struct {
	Type    string      `json:"type"` // 固定 "load-document"
	Content delta.Delta `json:"content"`
	Title   string      `json:"title"`
	Role    string      `json:"role"`
}

type ReceiveChangesMessage struct {
	Type  string      `json:"type"` // 固定 "receive-changes"
	Delta delta.Delta `json:"delta"`
}

type TitleUpdatedMessage struct {
	Type  string `json:"type"` // 固定 "document-title-updated"
	DocID string `json:"documentId"`
	Title string `json:"title"`
}

type PresenceMember struct {
	UserID      uint64 `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

type PresenceMessage struct {
	Type string           `json:"type"` // 固定 "update-user-presence"
	List []PresenceMember `json:"list"`
}

type CursorsMessage struct {
	Type string              `json:"type"` // 固定 "update-cursors"
	List []cache.CursorEntry `json:"list"`
}

type ErrorMessage struct {
	Type     string `json:"type"` // 固定 "error"
	Message  string `json:"message"`
	Redirect bool   `json:"redirect,omitempty"`
}

func (m LoadDocumentMessage) MessageType() string   { return m.Type }
func (m ReceiveChangesMessage) MessageType() string { return m.Type }
func (m TitleUpdatedMessage) MessageType() string   { return m.Type }
func (m PresenceMessage) MessageType() string       { return m.Type }
func (m CursorsMessage) MessageType() string        { return m.Type }
func (m ErrorMessage) MessageType() string          { return m.Type }

package collab

import (
	"time"

	"syncServer/backend/internal/ot/delta"
)

const (
	EventDeltaApplied = "DELTA_APPLIED"
	EventTitleUpdated = "TITLE_UPDATED"
)

// DocEvent 是对外发布的文档变更事件。多实例部署时其他实例
// 订阅该事件流，把广播扇出到各自持有的连接上。
type DocEvent struct {
	EventType string      `json:"eventType"` // DELTA_APPLIED / TITLE_UPDATED
	DocID     string      `json:"docId"`
	AuthorID  uint64      `json:"authorId"`
	Ops       delta.Delta `json:"ops,omitempty"`
	Title     string      `json:"title,omitempty"`
	AppliedAt time.Time   `json:"appliedAt"`
}

package collab

import (
	"context"
	"errors"
	"log"
	"time"

	"syncServer/backend/internal/cache"
)

// Reconciler 周期性地把各文档的待落库日志冲进持久层。
// 除此之外 flush 还有两个触发点：客户端显式 save-document，
// 以及房间最后一个会话离开时（ws 层调用 Service.Flush）。
type Reconciler struct {
	svc      Service
	cache    cache.DocumentCache
	interval time.Duration
}

func NewReconciler(svc Service, dc cache.DocumentCache, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{svc: svc, cache: dc, interval: interval}
}

func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.FlushAll(ctx)
		}
	}
}

// FlushAll 扫描所有日志非空的文档逐一落库。
// 单篇文档的失败只记日志——失败隔离在文档粒度，
// 日志保留之后下个周期自然重试。
func (r *Reconciler) FlushAll(ctx context.Context) {
	docs, err := r.cache.PendingDocuments(ctx)
	if err != nil {
		log.Printf("reconciler scan failed: %v", err)
		return
	}
	for _, docID := range docs {
		if err := r.svc.Flush(ctx, docID); err != nil {
			if errors.Is(err, ErrStoreWrite) {
				log.Printf("flush deferred, log retained (doc=%s): %v", docID, err)
				continue
			}
			if errors.Is(err, ErrNotFound) {
				log.Printf("document gone, orphan log dropped (doc=%s)", docID)
				continue
			}
			log.Printf("flush failed (doc=%s): %v", docID, err)
		}
	}
}

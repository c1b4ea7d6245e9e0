package collab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"syncServer/backend/internal/cache"
	"syncServer/backend/internal/ot/delta"
)

var (
	ErrUnauthorized = errors.New("UNAUTHORIZED")
	ErrNotFound     = errors.New("NOT_FOUND")
	ErrStoreWrite   = errors.New("STORE_WRITE_FAILED")
)

type Role string

const (
	RoleOwner  Role = "Owner"
	RoleEditor Role = "Editor"
	RoleViewer Role = "Viewer"
)

// CanEdit：内容/标题的修改权限。Viewer 永远不能改动文档。
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}

// 协作同步引擎接口
type Service interface {
	// GetDocument 校验协作者身份并返回当前快照（缓存优先，未命中回源）。
	GetDocument(ctx context.Context, docID string, userID uint64) (DocumentView, error)

	// ApplyChanges 按接收顺序把一条 delta 合并进文档。
	// 返回应广播给房间其他成员的原始 delta；与日志末条完全相同的
	// 重复投递会被丢弃，此时返回 nil。
	ApplyChanges(ctx context.Context, docID string, userID uint64, d delta.Delta) (delta.Delta, error)

	// Flush 把待落库日志合并到最近一次持久化的内容上并写回存储，
	// 写入确认后才清空日志。日志为空时是 no-op。
	Flush(ctx context.Context, docID string) error

	// UpdateTitle 直接写穿存储（标题改名没有合并语义，不走日志）。
	UpdateTitle(ctx context.Context, docID string, userID uint64, title string) error
}

type DocumentView struct {
	Content delta.Delta
	Title   string
	Role    Role
}

// 依赖注入：只声明接口，实现在 store 中
type StoredDocument struct {
	DocID      string
	Title      string
	Content    []byte // {"ops":[...]}
	OwnerID    uint64
	LastEdited time.Time
}

type DocumentStore interface {
	// GetDocument 返回 (nil, nil) 表示文档不存在。
	GetDocument(ctx context.Context, docID string) (*StoredDocument, error)
	SaveContent(ctx context.Context, docID string, content []byte, editedAt time.Time) error
	UpdateTitle(ctx context.Context, docID string, title string) error
}

type CollaboratorStore interface {
	// GetRole 没有协作者记录时返回空串。
	GetRole(ctx context.Context, docID string, userID uint64) (string, error)
}

type SyncService struct {
	cache         cache.DocumentCache
	store         DocumentStore
	collaborators CollaboratorStore
	dispatcher    *KafkaDispatcher // 可为 nil（单实例部署不接 kafka）
	snapshotTTL   time.Duration

	// 冷加载合并：淘汰后的第一波 join 只打一次存储
	sf singleflight.Group

	// 每篇文档一把锁，把该文档的全部变更串成单一逻辑执行线。
	// 不同文档之间完全独立，可自由交错。
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewSyncService(dc cache.DocumentCache, ds DocumentStore, cs CollaboratorStore, dispatcher *KafkaDispatcher, snapshotTTL time.Duration) *SyncService {
	if snapshotTTL <= 0 {
		snapshotTTL = 600 * time.Second
	}
	return &SyncService{
		cache:         dc,
		store:         ds,
		collaborators: cs,
		dispatcher:    dispatcher,
		snapshotTTL:   snapshotTTL,
		locks:         make(map[string]*sync.Mutex),
	}
}

func (s *SyncService) docLock(docID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.locks[docID]
	if l == nil {
		l = &sync.Mutex{}
		s.locks[docID] = l
	}
	return l
}

// role 每次调用都回表查询：降权的 Editor 下一条变更立即失效。
func (s *SyncService) role(ctx context.Context, docID string, userID uint64) (Role, error) {
	role, err := s.collaborators.GetRole(ctx, docID, userID)
	if err != nil {
		return "", fmt.Errorf("collaborator lookup (doc=%s user=%d): %w", docID, userID, err)
	}
	if role == "" {
		return "", ErrUnauthorized
	}
	return Role(role), nil
}

// loadContent 取当前快照：缓存命中直接用并刷新 TTL；
// 未命中（或缓存抖动，当作未命中）经 singleflight 回源并回填。
func (s *SyncService) loadContent(ctx context.Context, docID string) (delta.Delta, error) {
	data, ok, err := s.cache.GetSnapshot(ctx, docID)
	if err != nil {
		// TransientCacheFailure：按未命中处理，落到持久层
		log.Printf("cache read failed, falling back to store (doc=%s): %v", docID, err)
		ok = false
	}
	if ok {
		_ = s.cache.Touch(ctx, docID, s.snapshotTTL)
		return delta.Decode(data)
	}

	v, err, _ := s.sf.Do("load:"+docID, func() (any, error) {
		doc, err := s.store.GetDocument(ctx, docID)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, ErrNotFound
		}
		d, err := delta.Decode(doc.Content)
		if err != nil {
			return nil, err
		}
		encoded, err := delta.Encode(d)
		if err != nil {
			return nil, err
		}
		if err := s.cache.SetSnapshot(ctx, docID, encoded, s.snapshotTTL); err != nil {
			log.Printf("cache seed failed (doc=%s): %v", docID, err)
		}
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(delta.Delta), nil
}

func (s *SyncService) GetDocument(ctx context.Context, docID string, userID uint64) (DocumentView, error) {
	content, err := s.loadContent(ctx, docID)
	if err != nil {
		return DocumentView{}, err
	}
	// 标题和角色始终以存储为准
	doc, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		return DocumentView{}, err
	}
	if doc == nil {
		return DocumentView{}, ErrNotFound
	}
	role, err := s.role(ctx, docID, userID)
	if err != nil {
		return DocumentView{}, err
	}
	return DocumentView{Content: content, Title: doc.Title, Role: role}, nil
}

func (s *SyncService) ApplyChanges(ctx context.Context, docID string, userID uint64, d delta.Delta) (delta.Delta, error) {
	role, err := s.role(ctx, docID, userID)
	if err != nil {
		return nil, err
	}
	if !role.CanEdit() {
		return nil, ErrUnauthorized
	}

	lock := s.docLock(docID)
	lock.Lock()
	defer lock.Unlock()

	content, err := s.loadContent(ctx, docID)
	if err != nil {
		return nil, err
	}

	raw, err := delta.Encode(d)
	if err != nil {
		return nil, err
	}

	// 幂等保护：与日志末条结构相同的 delta 是传输层的重复投递，直接丢弃
	last, err := s.cache.LastDelta(ctx, docID)
	if err != nil {
		return nil, err
	}
	if last != nil && bytes.Equal(last, raw) {
		return nil, nil
	}

	merged, err := delta.Compose(content, d)
	if err != nil {
		// MalformedDelta：文档保持原样，调用方只记日志，不广播
		return nil, err
	}
	snapshot, err := delta.Encode(merged)
	if err != nil {
		return nil, err
	}
	if err := s.cache.ApplyDelta(ctx, docID, snapshot, raw, s.snapshotTTL); err != nil {
		return nil, err
	}

	if s.dispatcher != nil {
		_ = s.dispatcher.Enqueue(ctx, DocEvent{
			EventType: EventDeltaApplied,
			DocID:     docID,
			AuthorID:  userID,
			Ops:       d,
			AppliedAt: time.Now(),
		})
	}
	return d, nil
}

func (s *SyncService) Flush(ctx context.Context, docID string) error {
	lock := s.docLock(docID)
	lock.Lock()
	defer lock.Unlock()

	pending, err := s.cache.PendingDeltas(ctx, docID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	// 合并基线是最近一次持久化的内容，绝不是缓存里可能更新的快照，
	// 否则日志里的 delta 会被应用两次
	doc, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	if doc == nil {
		// 文档已在外部被删除，孤儿日志连同快照一起清掉，
		// 否则周期性扫描会永远重试它
		if derr := s.cache.Drop(ctx, docID); derr != nil {
			return derr
		}
		return ErrNotFound
	}
	content, err := delta.Decode(doc.Content)
	if err != nil {
		return err
	}
	for _, raw := range pending {
		d, err := delta.Decode(raw)
		if err != nil {
			return err
		}
		content, err = delta.Compose(content, d)
		if err != nil {
			return err
		}
	}
	merged, err := delta.Encode(content)
	if err != nil {
		return err
	}

	editedAt := time.Now()
	if err := s.store.SaveContent(ctx, docID, merged, editedAt); err != nil {
		// 日志原样保留，下一次触发带着同一批（或更大一批）重试
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	// 写入已确认，回填快照并清空日志
	if err := s.cache.CommitFlush(ctx, docID, merged, s.snapshotTTL); err != nil {
		return err
	}
	return nil
}

func (s *SyncService) UpdateTitle(ctx context.Context, docID string, userID uint64, title string) error {
	role, err := s.role(ctx, docID, userID)
	if err != nil {
		return err
	}
	if !role.CanEdit() {
		return ErrUnauthorized
	}
	if err := s.store.UpdateTitle(ctx, docID, title); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	if s.dispatcher != nil {
		_ = s.dispatcher.Enqueue(ctx, DocEvent{
			EventType: EventTitleUpdated,
			DocID:     docID,
			AuthorID:  userID,
			Title:     title,
			AppliedAt: time.Now(),
		})
	}
	return nil
}

var _ Service = (*SyncService)(nil)

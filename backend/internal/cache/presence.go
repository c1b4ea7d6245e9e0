package cache

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 跟踪每篇文档的在线成员和光标位置。
// 成员关系是精确的：join 加入、断连移除，集合基数恒等于
// 当前已加入的会话数。
type PresenceCache interface {
	AddMember(ctx context.Context, docID string, userID uint64, displayName string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID string, userID uint64) error
	GetMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error)
	SetCursor(ctx context.Context, docID string, userID uint64, position json.RawMessage, ttl time.Duration) error
	GetCursors(ctx context.Context, docID string) ([]CursorEntry, error)
	// Refresh 续期房间全部在线状态键；存活连接周期性调用，
	// 没有新成员加入的长会话也不会被 TTL 淘汰。
	Refresh(ctx context.Context, docID string, ttl time.Duration) error
}

type PresenceMember struct {
	UserID      uint64
	DisplayName string
}

type CursorEntry struct {
	UserID   uint64          `json:"userId"`
	Position json.RawMessage `json:"position"`
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb *redis.Client
}

func NewRedisPresence(rdb *redis.Client) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, docID string, userID uint64, displayName string, ttl time.Duration) error {
	pipe := p.rdb.TxPipeline()
	pipe.SAdd(ctx, roomKey(docID), userID)
	pipe.HSet(ctx, namesKey(docID), userID, displayName)
	// 空闲房间的键靠 TTL 自然消失；活跃房间每次 join 都续期
	pipe.Expire(ctx, roomKey(docID), ttl)
	pipe.Expire(ctx, namesKey(docID), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID string, userID uint64) error {
	field := strconv.FormatUint(userID, 10)
	pipe := p.rdb.TxPipeline()
	pipe.SRem(ctx, roomKey(docID), userID)
	pipe.HDel(ctx, namesKey(docID), field)
	// 离开时一并清掉该用户的光标
	pipe.HDel(ctx, cursorsKey(docID), field)
	_, err := pipe.Exec(ctx)
	return err
}

func (p *redisPresence) GetMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error) {
	ids, err := p.rdb.SMembers(ctx, roomKey(docID)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)
	names, err := p.rdb.HMGet(ctx, namesKey(docID), ids...).Result()
	if err != nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(ids))
	for i, id := range ids {
		uid, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return nil, err
		}
		name := ""
		if names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, PresenceMember{UserID: uid, DisplayName: name})
	}
	return members, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, docID string, userID uint64, position json.RawMessage, ttl time.Duration) error {
	pipe := p.rdb.TxPipeline()
	pipe.HSet(ctx, cursorsKey(docID), strconv.FormatUint(userID, 10), []byte(position))
	// 光标活动也算房间活动，三把键一起续期
	pipe.Expire(ctx, cursorsKey(docID), ttl)
	pipe.Expire(ctx, roomKey(docID), ttl)
	pipe.Expire(ctx, namesKey(docID), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (p *redisPresence) Refresh(ctx context.Context, docID string, ttl time.Duration) error {
	pipe := p.rdb.TxPipeline()
	pipe.Expire(ctx, roomKey(docID), ttl)
	pipe.Expire(ctx, namesKey(docID), ttl)
	pipe.Expire(ctx, cursorsKey(docID), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (p *redisPresence) GetCursors(ctx context.Context, docID string) ([]CursorEntry, error) {
	m, err := p.rdb.HGetAll(ctx, cursorsKey(docID)).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]CursorEntry, 0, len(m))
	for field, val := range m {
		uid, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return nil, err
		}
		// 坏位置值会让整条出站消息序列化失败，跳过这一条
		if !json.Valid([]byte(val)) {
			continue
		}
		entries = append(entries, CursorEntry{UserID: uid, Position: json.RawMessage(val)})
	}
	// HGetAll 的遍历顺序不稳定，广播前排一下，客户端好做对比
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries, nil
}

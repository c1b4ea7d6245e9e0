package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DocumentCache 持有每篇文档的权威快照和待落库的增量日志。
// 快照和日志放在进程外（redis）而不是内存里：多实例部署时
// 这里就是唯一的事实来源。
type DocumentCache interface {
	// GetSnapshot 返回缓存的快照；ok=false 表示未命中。
	GetSnapshot(ctx context.Context, docID string) (data []byte, ok bool, err error)
	// SetSnapshot 写入快照并设置 TTL（冷加载后的回填）。
	SetSnapshot(ctx context.Context, docID string, data []byte, ttl time.Duration) error
	// Touch 刷新快照 TTL，活跃会话不会被中途淘汰。
	Touch(ctx context.Context, docID string, ttl time.Duration) error
	// LastDelta 返回日志里最近一条增量；日志为空时返回 nil。
	LastDelta(ctx context.Context, docID string) ([]byte, error)
	// ApplyDelta 原子地写入合并后的快照并把原始增量追加到日志。
	ApplyDelta(ctx context.Context, docID string, snapshot, rawDelta []byte, ttl time.Duration) error
	// PendingDeltas 返回日志里全部待落库的增量（保持追加顺序）。
	PendingDeltas(ctx context.Context, docID string) ([][]byte, error)
	// CommitFlush 在落库确认之后调用：回填合并结果并清空日志。
	CommitFlush(ctx context.Context, docID string, merged []byte, ttl time.Duration) error
	// PendingDocuments 列出所有日志非空的文档，供周期性落库扫描。
	PendingDocuments(ctx context.Context) ([]string, error)
	// Drop 删除文档的快照和日志。文档在外部被删除后，
	// 孤儿日志没有落库的归宿，留着只会被扫描反复捡起。
	Drop(ctx context.Context, docID string) error
}

type redisDocuments struct {
	rdb *redis.Client
}

func NewRedisDocuments(rdb *redis.Client) DocumentCache {
	return &redisDocuments{rdb: rdb}
}

func (c *redisDocuments) GetSnapshot(ctx context.Context, docID string) ([]byte, bool, error) {
	data, err := c.rdb.Get(ctx, documentKey(docID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (c *redisDocuments) SetSnapshot(ctx context.Context, docID string, data []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, documentKey(docID), data, ttl).Err()
}

func (c *redisDocuments) Touch(ctx context.Context, docID string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, documentKey(docID), ttl).Err()
}

func (c *redisDocuments) LastDelta(ctx context.Context, docID string) ([]byte, error) {
	data, err := c.rdb.LIndex(ctx, deltasKey(docID), -1).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (c *redisDocuments) ApplyDelta(ctx context.Context, docID string, snapshot, rawDelta []byte, ttl time.Duration) error {
	// 快照替换和日志追加必须一起生效，否则中央不变式
	// （持久化基线 ∘ 日志 == 缓存快照）会被打破
	tx := c.rdb.TxPipeline()
	tx.Set(ctx, documentKey(docID), snapshot, ttl)
	tx.RPush(ctx, deltasKey(docID), rawDelta)
	_, err := tx.Exec(ctx)
	return err
}

func (c *redisDocuments) PendingDeltas(ctx context.Context, docID string) ([][]byte, error) {
	vals, err := c.rdb.LRange(ctx, deltasKey(docID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (c *redisDocuments) CommitFlush(ctx context.Context, docID string, merged []byte, ttl time.Duration) error {
	tx := c.rdb.TxPipeline()
	tx.Set(ctx, documentKey(docID), merged, ttl)
	tx.Del(ctx, deltasKey(docID))
	_, err := tx.Exec(ctx)
	return err
}

func (c *redisDocuments) Drop(ctx context.Context, docID string) error {
	return c.rdb.Del(ctx, documentKey(docID), deltasKey(docID)).Err()
}

func (c *redisDocuments) PendingDocuments(ctx context.Context) ([]string, error) {
	var docs []string
	iter := c.rdb.Scan(ctx, 0, deltasKey("*"), 0).Iterator()
	for iter.Next(ctx) {
		docs = append(docs, strings.TrimPrefix(iter.Val(), "deltas:"))
	}
	return docs, iter.Err()
}

// Package redis keeps the detector's sliding-window activity in Redis sorted
// sets so several daemons observe the same completion and rating history.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"EgoMarket/internal/antigaming"
	xerrors "EgoMarket/internal/errors"

	"github.com/redis/go-redis/v9"
)

// Config 描述 Redis 活动存储的连接参数。
type Config struct {
	Address   string
	Password  string
	DB        int
	Prefix    string
	Retention time.Duration
}

const firstMember = "first"

// ActivityStore 以有序集合实现 antigaming.ActivityStore：
// 分值为毫秒时间戳，成员为 JSON 记录。
type ActivityStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewActivityStore 创建 Redis 活动存储并检查连通性。
func NewActivityStore(ctx context.Context, cfg Config) (*ActivityStore, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return NewActivityStoreWithClient(client, cfg.Prefix, cfg.Retention), nil
}

// NewActivityStoreWithClient 复用已有连接。retention 之前的记录在写入时被裁剪。
func NewActivityStoreWithClient(client *redis.Client, prefix string, retention time.Duration) *ActivityStore {
	if prefix == "" {
		prefix = "egomarket:activity:"
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &ActivityStore{client: client, prefix: prefix, retention: retention}
}

// RecordCompletion 实现 antigaming.ActivityStore。
func (s *ActivityStore) RecordCompletion(ctx context.Context, c antigaming.Completion) error {
	if err := s.add(ctx, s.completionKey(c.AgentID), c.At, c); err != nil {
		return err
	}
	// 最早完成时间单独保存且不过期，窗口裁剪不会丢失它。
	err := s.client.ZAddLT(ctx, s.firstKey(c.AgentID), redis.Z{Score: float64(c.At.UnixMilli()), Member: firstMember}).Err()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 写入最早完成时间失败")
	}
	return nil
}

// FirstCompletion 实现 antigaming.ActivityStore。
func (s *ActivityStore) FirstCompletion(ctx context.Context, agentID string) (time.Time, error) {
	ms, err := s.client.ZScore(ctx, s.firstKey(agentID), firstMember).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 读取最早完成时间失败")
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}

// RecordRating 实现 antigaming.ActivityStore。
func (s *ActivityStore) RecordRating(ctx context.Context, r antigaming.Rating) error {
	return s.add(ctx, s.ratingKey(r.AgentID), r.At, r)
}

// Completions 实现 antigaming.ActivityStore。
func (s *ActivityStore) Completions(ctx context.Context, agentID string, since time.Time) ([]antigaming.Completion, error) {
	members, err := s.since(ctx, s.completionKey(agentID), since)
	if err != nil {
		return nil, err
	}
	return decodeCompletions(members, since)
}

// Ratings 实现 antigaming.ActivityStore。
func (s *ActivityStore) Ratings(ctx context.Context, agentID string, since time.Time) ([]antigaming.Rating, error) {
	members, err := s.since(ctx, s.ratingKey(agentID), since)
	if err != nil {
		return nil, err
	}
	return decodeRatings(members, since)
}

// Close 关闭 Redis 连接。
func (s *ActivityStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *ActivityStore) add(ctx context.Context, key string, at time.Time, record any) error {
	body, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化活动记录失败")
	}
	cutoff := at.Add(-s.retention).UnixMilli()
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: string(body)})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	pipe.Expire(ctx, key, s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 写入活动记录失败")
	}
	return nil
}

func (s *ActivityStore) since(ctx context.Context, key string, since time.Time) ([]string, error) {
	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 读取活动记录失败")
	}
	return members, nil
}

func (s *ActivityStore) completionKey(agentID string) string {
	return s.prefix + "completions:" + agentID
}

func (s *ActivityStore) firstKey(agentID string) string {
	return s.prefix + "first:" + agentID
}

func (s *ActivityStore) ratingKey(agentID string) string {
	return s.prefix + "ratings:" + agentID
}

// 毫秒分值会把同一毫秒内更早的记录带进来，解码后按精确时间再过滤一次。
func decodeCompletions(members []string, since time.Time) ([]antigaming.Completion, error) {
	var out []antigaming.Completion
	for _, m := range members {
		var c antigaming.Completion
		if err := json.Unmarshal([]byte(m), &c); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析完成记录失败: %q", m))
		}
		if !c.At.Before(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

func decodeRatings(members []string, since time.Time) ([]antigaming.Rating, error) {
	var out []antigaming.Rating
	for _, m := range members {
		var r antigaming.Rating
		if err := json.Unmarshal([]byte(m), &r); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析评价记录失败: %q", m))
		}
		if !r.At.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

var _ antigaming.ActivityStore = (*ActivityStore)(nil)

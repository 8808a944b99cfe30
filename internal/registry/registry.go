// Package registry は稼働中のウィットネスジェネレータの死活情報を
// Redis に登録します。運用 API がクラスタの稼働状況を一覧するために
// 使うだけで、スケジューリング判断には関与しません。
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

const instanceKeyPrefix = "instance:"

// Instance は一つのジェネレータプロセスの死活情報です。
type Instance struct {
	InstanceID string    `json:"instanceId"`
	Hostname   string    `json:"hostname"`
	StartedAt  time.Time `json:"startedAt"`
	LastSeen   time.Time `json:"lastSeen"`
}

// Registry はハートビートの送信とインスタンス一覧を提供します。
type Registry struct {
	rdb        *redis.Client
	instanceID string
	ttl        time.Duration
	startedAt  time.Time
	logger     *log.Logger
}

// New は Registry を作成します。ttl はハートビートの有効期限で、
// その 1/3 の間隔で更新されます。
func New(rdb *redis.Client, instanceID string, ttl time.Duration, logger *log.Logger) *Registry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Registry{
		rdb:        rdb,
		instanceID: instanceID,
		ttl:        ttl,
		startedAt:  time.Now().UTC(),
		logger:     logger,
	}
}

// Run は ctx が取り消されるまでハートビートを送り続け、停止時に
// 自分の登録を消します。
func (r *Registry) Run(ctx context.Context) error {
	if err := r.announce(ctx); err != nil {
		r.logger.Printf("registry: initial heartbeat failed: %v", err)
	}

	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			cleanup, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := r.rdb.Del(cleanup, r.key()).Err(); err != nil {
				r.logger.Printf("registry: deregister failed: %v", err)
			}
			return nil
		case <-ticker.C:
			if err := r.announce(ctx); err != nil {
				r.logger.Printf("registry: heartbeat failed: %v", err)
			}
		}
	}
}

func (r *Registry) key() string {
	return instanceKeyPrefix + r.instanceID
}

func (r *Registry) announce(ctx context.Context) error {
	hostname, _ := os.Hostname()
	payload, err := json.Marshal(Instance{
		InstanceID: r.instanceID,
		Hostname:   hostname,
		StartedAt:  r.startedAt,
		LastSeen:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.key(), payload, r.ttl).Err()
}

// Instances は現在生きているインスタンスの一覧を返します。
func (r *Registry) Instances(ctx context.Context) ([]Instance, error) {
	var instances []Instance
	iter := r.rdb.Scan(ctx, 0, instanceKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", iter.Val(), err)
		}
		var inst Instance
		if err := json.Unmarshal(data, &inst); err != nil {
			continue
		}
		instances = append(instances, inst)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return instances, nil
}

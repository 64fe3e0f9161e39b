package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ilog "cdpmock/internal/logger"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Entry 键值表的一行。Value 为 nil 表示键已被删除，版本号单调递增
type Entry struct {
	Key       string  `gorm:"column:name;primaryKey;size:191"`
	Value     *string `gorm:"type:text"`
	Version   int64   `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

// TableName 不含前缀的表名，前缀由 NamingStrategy 添加
func (Entry) TableName() string { return "kv" }

// Change 一次键值变更通知
type Change struct {
	Key      string
	OldValue []byte // 变更前的值，不存在时为 nil
	NewValue []byte // 变更后的值，删除时为 nil
	Version  int64
}

// Options KV 存储配置
type Options struct {
	Dsn          string
	Prefix       string
	PollInterval time.Duration // 跨进程变更轮询间隔，<=0 时仅有进程内通知
	Logger       ilog.Logger
}

// KV 基于 sqlite 的持久化键值存储，支持按键订阅变更
type KV struct {
	db   *gorm.DB
	log  ilog.Logger
	poll time.Duration

	mu     sync.Mutex
	subs   map[string]map[*subscription]struct{}
	closed bool
	wg     sync.WaitGroup
}

type subscription struct {
	key string
	fn  func(Change)

	mu          sync.Mutex
	lastVersion int64
	lastValue   []byte
	cancel      context.CancelFunc
}

// Open 打开数据库并完成表结构迁移
func Open(opts Options) (*KV, error) {
	l := opts.Logger
	if l == nil {
		l = ilog.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(opts.Dsn), &gorm.Config{
		Logger:         NewGormLogger(l),
		NamingStrategy: schema.NamingStrategy{TablePrefix: opts.Prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	if sqlDB, err := db.DB(); err == nil {
		// sqlite 单写者
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMigrate, err)
	}
	return &KV{
		db:   db,
		log:  l,
		poll: opts.PollInterval,
		subs: make(map[string]map[*subscription]struct{}),
	}, nil
}

// Get 读取键值，返回值、版本号，键不存在时值为 nil
func (s *KV) Get(ctx context.Context, key string) ([]byte, int64, error) {
	if key == "" {
		return nil, 0, ErrEmptyKey
	}
	var e Entry
	err := s.db.WithContext(ctx).Where("name = ?", key).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get %s: %w", key, err)
	}
	if e.Value == nil {
		return nil, e.Version, nil
	}
	return []byte(*e.Value), e.Version, nil
}

// Set 写入键值并通知订阅者
func (s *KV) Set(ctx context.Context, key string, value []byte) error {
	var v *string
	if value != nil {
		str := string(value)
		v = &str
	}
	return s.put(ctx, key, v)
}

// Delete 删除键并通知订阅者，保留行以延续版本号
func (s *KV) Delete(ctx context.Context, key string) error {
	return s.put(ctx, key, nil)
}

func (s *KV) put(ctx context.Context, key string, value *string) error {
	if key == "" {
		return ErrEmptyKey
	}
	var change Change
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur Entry
		err := tx.Where("name = ?", key).Take(&cur).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			cur = Entry{Key: key}
		case err != nil:
			return err
		}
		if cur.Value != nil {
			change.OldValue = []byte(*cur.Value)
		}
		next := Entry{Key: key, Value: value, Version: cur.Version + 1, UpdatedAt: time.Now()}
		if err := tx.Save(&next).Error; err != nil {
			return err
		}
		change.Key = key
		change.Version = next.Version
		if value != nil {
			change.NewValue = []byte(*value)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	s.log.Debug("键值已更新", "key", key, "version", change.Version, "deleted", value == nil)
	s.notify(change)
	return nil
}

// Watch 订阅指定键的变更，返回取消函数。
// 进程内写入立即通知；配置了轮询间隔时，其他进程写入的变更由轮询发现
func (s *KV) Watch(ctx context.Context, key string, fn func(Change)) (func(), error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	value, version, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	wctx, cancel := context.WithCancel(ctx)
	sub := &subscription{key: key, fn: fn, lastVersion: version, lastValue: value, cancel: cancel}
	if s.subs[key] == nil {
		s.subs[key] = make(map[*subscription]struct{})
	}
	s.subs[key][sub] = struct{}{}
	if s.poll > 0 {
		s.wg.Add(1)
		go s.pollLoop(wctx, sub)
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			s.mu.Lock()
			delete(s.subs[key], sub)
			s.mu.Unlock()
		})
	}, nil
}

// pollLoop 定期检查版本号以发现跨进程写入
func (s *KV) pollLoop(ctx context.Context, sub *subscription) {
	defer s.wg.Done()
	t := time.NewTicker(s.poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			value, version, err := s.Get(ctx, sub.key)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Err(err, "轮询键值变更失败", "key", sub.key)
				}
				continue
			}
			sub.deliver(Change{Key: sub.key, NewValue: value, Version: version})
		}
	}
}

func (s *KV) notify(c Change) {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs[c.Key]))
	for sub := range s.subs[c.Key] {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.deliver(c)
	}
}

// deliver 按版本号去重，同一版本只通知一次
func (sub *subscription) deliver(c Change) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if c.Version <= sub.lastVersion {
		return
	}
	if c.OldValue == nil {
		c.OldValue = sub.lastValue
	}
	sub.lastVersion = c.Version
	sub.lastValue = c.NewValue
	sub.fn(c)
}

// Close 停止所有订阅并关闭数据库
func (s *KV) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, set := range s.subs {
		for sub := range set {
			sub.cancel()
		}
	}
	s.subs = make(map[string]map[*subscription]struct{})
	s.mu.Unlock()
	s.wg.Wait()

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

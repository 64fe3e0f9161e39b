package rules

import (
	"context"
	"sync"
	"sync/atomic"

	"cdpmock/internal/logger"
	"cdpmock/internal/storage"
	"cdpmock/pkg/rulespec"
)

// Backend 规则持久化后端
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, int64, error)
	Watch(ctx context.Context, key string, fn func(storage.Change)) (func(), error)
}

type snapshot struct {
	rules   rulespec.RuleSet
	version int64
}

// Store 进程内规则快照，加载完成前为空集合。
// 快照整体替换，读取方不得修改返回的切片
type Store struct {
	backend Backend
	log     logger.Logger

	cur    atomic.Pointer[snapshot]
	loaded chan struct{}
	once   sync.Once

	mu   sync.Mutex
	stop func()
}

// NewStore 创建规则快照
func NewStore(b Backend, l logger.Logger) *Store {
	if l == nil {
		l = logger.NewNop()
	}
	s := &Store{backend: b, log: l, loaded: make(chan struct{})}
	s.cur.Store(&snapshot{rules: rulespec.RuleSet{}})
	return s
}

// Rules 返回当前快照
func (s *Store) Rules() rulespec.RuleSet {
	return s.cur.Load().rules
}

// Loaded 首次加载完成（无论成功与否）后关闭
func (s *Store) Loaded() <-chan struct{} {
	return s.loaded
}

// Start 异步订阅变更并加载持久化的规则
func (s *Store) Start(ctx context.Context) {
	go func() {
		defer s.markLoaded()

		stop, err := s.backend.Watch(ctx, rulespec.StorageKey, func(c storage.Change) {
			s.apply(c.NewValue, c.Version, "change")
		})
		if err != nil {
			s.log.Err(err, "订阅规则变更失败")
		} else {
			s.mu.Lock()
			s.stop = stop
			s.mu.Unlock()
		}

		data, version, err := s.backend.Get(ctx, rulespec.StorageKey)
		if err != nil {
			s.log.Err(err, "加载规则失败，保持空规则集")
			return
		}
		s.apply(data, version, "load")
	}()
}

// Stop 取消变更订阅
func (s *Store) Stop() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Replace 直接替换快照
func (s *Store) Replace(rs rulespec.RuleSet) {
	if rs == nil {
		rs = rulespec.RuleSet{}
	}
	for {
		old := s.cur.Load()
		if s.cur.CompareAndSwap(old, &snapshot{rules: rs, version: old.version}) {
			return
		}
	}
}

// apply 解码并替换快照，旧版本的数据不会覆盖新版本
func (s *Store) apply(data []byte, version int64, source string) {
	rs, err := rulespec.Decode(data)
	if err != nil {
		s.log.Err(err, "规则解码失败，使用空规则集", "version", version, "source", source)
		rs = rulespec.RuleSet{}
	}
	next := &snapshot{rules: rs, version: version}
	for {
		old := s.cur.Load()
		if old.version > version {
			s.log.Debug("忽略过期的规则版本", "version", version, "current", old.version)
			return
		}
		if s.cur.CompareAndSwap(old, next) {
			break
		}
	}
	s.log.Info("规则已更新", "count", len(rs), "version", version, "source", source)
}

func (s *Store) markLoaded() {
	s.once.Do(func() { close(s.loaded) })
}

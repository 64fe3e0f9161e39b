package service

import (
	"context"
	"fmt"
	"time"

	"cdpmock/internal/cdp"
	"cdpmock/internal/config"
	"cdpmock/internal/intercept"
	"cdpmock/internal/logger"
	"cdpmock/internal/rules"
	"cdpmock/internal/session"
	"cdpmock/internal/storage"
	"cdpmock/pkg/model"
	"cdpmock/pkg/rulespec"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

const (
	eventBuffer    = 256
	commandTimeout = 10 * time.Second
)

// Service 会话、规则存储与拦截管线的组合
type Service struct {
	cfg      *config.Config
	log      logger.Logger
	kv       *storage.KV
	store    *rules.Store
	sessions *session.Manager
	fetcher  intercept.Fetcher

	ctx    context.Context
	cancel context.CancelFunc
}

// Option 可选配置
type Option func(*Service)

// WithFetcher 替换重发请求使用的客户端
func WithFetcher(f intercept.Fetcher) Option {
	return func(s *Service) { s.fetcher = f }
}

// New 打开规则存储并开始加载规则
func New(cfg *config.Config, l logger.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if l == nil {
		l = logger.NewNop()
	}
	kv, err := storage.Open(storage.Options{
		Dsn:          cfg.Sqlite.Dsn,
		Prefix:       cfg.Sqlite.Prefix,
		PollInterval: time.Duration(cfg.Intercept.RulesPollMS) * time.Millisecond,
		Logger:       l,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:      cfg,
		log:      l,
		kv:       kv,
		store:    rules.NewStore(kv, l),
		sessions: session.NewManager(l),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.store.Start(ctx)
	return s, nil
}

// RulesLoaded 首次规则加载完成后关闭
func (s *Service) RulesLoaded() <-chan struct{} { return s.store.Loaded() }

// StartSession 启动会话，未设置的字段使用全局配置
func (s *Service) StartSession(cfg model.SessionConfig) (model.SessionID, error) {
	ic := s.cfg.Intercept
	if cfg.DevToolsURL == "" {
		cfg.DevToolsURL = ic.DevToolsURL
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = ic.Concurrency
	}
	if cfg.PendingCapacity == 0 {
		cfg.PendingCapacity = ic.PendingCapacity
	}
	if cfg.FetchTimeoutMS == 0 {
		cfg.FetchTimeoutMS = ic.FetchTimeoutMS
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = ic.MaxBodyBytes
	}

	id := model.SessionID(uuid.NewString())
	l := s.log.With("sessionID", string(id))
	events := make(chan model.Event, eventBuffer)

	h := intercept.New(intercept.Config{
		Rules:        s.store,
		Fetcher:      s.fetcher,
		Logger:       l,
		Session:      string(id),
		FetchTimeout: time.Duration(cfg.FetchTimeoutMS) * time.Millisecond,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	mgr := cdp.New(h, cdp.Options{
		DevToolsURL:      cfg.DevToolsURL,
		Session:          id,
		Concurrency:      cfg.Concurrency,
		PendingCapacity:  cfg.PendingCapacity,
		ProcessTimeoutMS: ic.ProcessTimeoutMS,
		Events:           events,
		Logger:           l,
	})
	s.sessions.Add(session.New(id, cfg, mgr, events))
	return id, nil
}

// StopSession 停止会话
func (s *Service) StopSession(id model.SessionID) error {
	sess, ok := s.sessions.Remove(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess.Close()
}

// AttachTarget 附加目标，target 为空时选择第一个页面
func (s *Service) AttachTarget(id model.SessionID, target model.TargetID) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
	defer cancel()
	_, err = sess.CDP.AttachTarget(ctx, target)
	return err
}

// DetachTarget 分离目标
func (s *Service) DetachTarget(id model.SessionID, target model.TargetID) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	return sess.CDP.DetachTarget(target)
}

// ListTargets 列出目标
func (s *Service) ListTargets(id model.SessionID) ([]model.TargetInfo, error) {
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
	defer cancel()
	return sess.CDP.ListTargets(ctx)
}

// EnableInterception 启用拦截
func (s *Service) EnableInterception(id model.SessionID) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
	defer cancel()
	return sess.CDP.Enable(ctx)
}

// DisableInterception 禁用拦截
func (s *Service) DisableInterception(id model.SessionID) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
	defer cancel()
	return sess.CDP.Disable(ctx)
}

// SaveRules 校验并持久化规则集，nil 表示清空。所有会话通过订阅获得新规则
func (s *Service) SaveRules(rs rulespec.RuleSet) error {
	ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
	defer cancel()
	if rs == nil {
		return s.kv.Delete(ctx, rulespec.StorageKey)
	}
	if err := rulespec.Validate(rs); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRules, err)
	}
	data, err := rulespec.Encode(rs)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, rulespec.StorageKey, data)
}

// GetRules 读取持久化的规则集
func (s *Service) GetRules() (rulespec.RuleSet, error) {
	ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
	defer cancel()
	data, _, err := s.kv.Get(ctx, rulespec.StorageKey)
	if err != nil {
		return nil, err
	}
	return rulespec.Decode(data)
}

// GetRuleStats 获取规则匹配统计
func (s *Service) GetRuleStats(id model.SessionID) (model.EngineStats, error) {
	sess, err := s.get(id)
	if err != nil {
		return model.EngineStats{}, err
	}
	return sess.CDP.Handler().Engine().Stats(), nil
}

// SubscribeEvents 订阅会话事件
func (s *Service) SubscribeEvents(id model.SessionID) (<-chan model.Event, error) {
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return sess.Events, nil
}

// Close 停止全部会话并关闭存储
func (s *Service) Close() error {
	var result error
	for _, sess := range s.sessions.List() {
		s.sessions.Remove(sess.ID)
		if err := sess.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close session %s: %w", sess.ID, err))
		}
	}
	s.store.Stop()
	s.cancel()
	if err := s.kv.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

func (s *Service) get(id model.SessionID) (*session.Session, error) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

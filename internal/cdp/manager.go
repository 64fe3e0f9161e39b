package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cdpmock/internal/intercept"
	"cdpmock/internal/logger"
	"cdpmock/pkg/model"

	"github.com/hashicorp/go-multierror"
	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/rpcc"
)

var (
	ErrNoTarget    = errors.New("cdp: no matching target")
	ErrNotAttached = errors.New("cdp: no target attached")
)

// Options 管理器配置
type Options struct {
	DevToolsURL      string
	Session          model.SessionID
	Concurrency      int // <=0 时每个事件单独起协程
	PendingCapacity  int
	ProcessTimeoutMS int
	Events           chan<- model.Event
	Logger           logger.Logger
}

// targetSession 单个已附加目标的连接
type targetSession struct {
	id     model.TargetID
	conn   *rpcc.Conn
	client *cdp.Client
	fetch  cdp.Fetch
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	streamCancel context.CancelFunc // 拦截启用期间有效
}

func (ts *targetSession) setStream(cancel context.CancelFunc) {
	ts.mu.Lock()
	ts.streamCancel = cancel
	ts.mu.Unlock()
}

// stopStream 关闭事件流，返回之前是否处于启用状态
func (ts *targetSession) stopStream() bool {
	ts.mu.Lock()
	cancel := ts.streamCancel
	ts.streamCancel = nil
	ts.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return cancel != nil
}

// Manager 管理浏览器目标的附加与请求拦截
type Manager struct {
	devtoolsURL      string
	session          model.SessionID
	handler          *intercept.Handler
	events           chan<- model.Event
	log              logger.Logger
	concurrency      int
	pendingCapacity  int
	processTimeoutMS int

	targetsMu sync.Mutex
	targets   map[model.TargetID]*targetSession

	enabled atomic.Bool
	poolMu  sync.Mutex
	pool    *workerPool
}

// New 创建并返回一个管理器
func New(h *intercept.Handler, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if h == nil {
		h = intercept.New(intercept.Config{Logger: opts.Logger})
	}
	return &Manager{
		devtoolsURL:      opts.DevToolsURL,
		session:          opts.Session,
		handler:          h,
		events:           opts.Events,
		log:              opts.Logger,
		concurrency:      opts.Concurrency,
		pendingCapacity:  opts.PendingCapacity,
		processTimeoutMS: opts.ProcessTimeoutMS,
		targets:          make(map[model.TargetID]*targetSession),
	}
}

// ListTargets 列出浏览器中的可附加目标
func (m *Manager) ListTargets(ctx context.Context) ([]model.TargetInfo, error) {
	targets, err := devtool.New(m.devtoolsURL).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("cdp: list targets: %w", err)
	}
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()

	out := make([]model.TargetInfo, 0, len(targets))
	for _, t := range targets {
		_, attached := m.targets[model.TargetID(t.ID)]
		out = append(out, model.TargetInfo{
			ID:        model.TargetID(t.ID),
			Type:      string(t.Type),
			URL:       t.URL,
			Title:     t.Title,
			IsCurrent: attached,
			IsUser:    t.Type == devtool.Page,
		})
	}
	return out, nil
}

// AttachTarget 附加到指定目标，target 为空时选择第一个页面
func (m *Manager) AttachTarget(ctx context.Context, target model.TargetID) (model.TargetID, error) {
	targets, err := devtool.New(m.devtoolsURL).List(ctx)
	if err != nil {
		return "", fmt.Errorf("cdp: list targets: %w", err)
	}
	sel := selectTarget(targets, target)
	if sel == nil {
		return "", fmt.Errorf("%w: %q", ErrNoTarget, target)
	}
	id := model.TargetID(sel.ID)

	m.targetsMu.Lock()
	if _, ok := m.targets[id]; ok {
		m.targetsMu.Unlock()
		return id, nil
	}
	m.targetsMu.Unlock()

	conn, err := rpcc.DialContext(ctx, sel.WebSocketDebuggerURL)
	if err != nil {
		return "", fmt.Errorf("cdp: dial %s: %w", sel.WebSocketDebuggerURL, err)
	}
	client := cdp.NewClient(conn)
	tctx, cancel := context.WithCancel(context.Background())
	ts := &targetSession{id: id, conn: conn, client: client, fetch: client.Fetch, ctx: tctx, cancel: cancel}

	m.targetsMu.Lock()
	if _, ok := m.targets[id]; ok {
		m.targetsMu.Unlock()
		m.closeTargetSession(ts)
		return id, nil
	}
	m.targets[id] = ts
	m.targetsMu.Unlock()
	m.log.Info("已附加目标", "target", string(id), "url", sel.URL)

	if m.isEnabled() {
		if err := m.enableTarget(ctx, ts); err != nil {
			m.DetachTarget(id)
			return "", err
		}
	}
	return id, nil
}

// selectTarget 按 ID 精确选择，ID 为空时返回第一个页面
func selectTarget(targets []*devtool.Target, id model.TargetID) *devtool.Target {
	for _, t := range targets {
		if id == "" {
			if t.Type == devtool.Page {
				return t
			}
			continue
		}
		if model.TargetID(t.ID) == id {
			return t
		}
	}
	return nil
}

// DetachTarget 断开指定目标
func (m *Manager) DetachTarget(id model.TargetID) error {
	m.targetsMu.Lock()
	ts, ok := m.targets[id]
	delete(m.targets, id)
	m.targetsMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotAttached, id)
	}
	m.log.Info("断开目标", "target", string(id))
	return m.closeTargetSession(ts)
}

// Detach 断开全部目标并清空在途登记
func (m *Manager) Detach() error {
	m.targetsMu.Lock()
	all := m.targets
	m.targets = make(map[model.TargetID]*targetSession)
	m.targetsMu.Unlock()

	var result error
	for _, ts := range all {
		if err := m.closeTargetSession(ts); err != nil {
			result = multierror.Append(result, err)
		}
	}
	m.handler.Reset()
	return result
}

func (m *Manager) closeTargetSession(ts *targetSession) error {
	ts.stopStream()
	ts.cancel()
	if ts.conn != nil {
		return ts.conn.Close()
	}
	return nil
}

// Enable 在全部已附加目标上启用拦截
func (m *Manager) Enable(ctx context.Context) error {
	m.targetsMu.Lock()
	n := len(m.targets)
	m.targetsMu.Unlock()
	if n == 0 {
		return ErrNotAttached
	}
	if m.enabled.Swap(true) {
		return nil
	}

	m.poolMu.Lock()
	if m.concurrency > 0 && m.pool == nil {
		m.pool = newWorkerPool(m.concurrency, m.pendingCapacity)
	}
	m.poolMu.Unlock()

	var (
		result error
		ok     int
	)
	for _, ts := range m.snapshotTargets() {
		if err := m.enableTarget(ctx, ts); err != nil {
			result = multierror.Append(result, fmt.Errorf("target %s: %w", ts.id, err))
			continue
		}
		ok++
	}
	if ok == 0 {
		// 没有任何目标启用成功，回到未启用状态以便重试
		m.enabled.Store(false)
		m.stopPool()
		return result
	}
	m.log.Info("拦截已启用", "targets", ok, "concurrency", m.concurrency)
	return result
}

func (m *Manager) stopPool() {
	m.poolMu.Lock()
	pool := m.pool
	m.pool = nil
	m.poolMu.Unlock()
	if pool != nil {
		pool.stop()
	}
}

// Disable 停止拦截，浏览器会放行之后的请求
func (m *Manager) Disable(ctx context.Context) error {
	if !m.enabled.Swap(false) {
		return nil
	}
	var result error
	for _, ts := range m.snapshotTargets() {
		if err := ts.fetch.Disable(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("cdp: disable fetch on %s: %w", ts.id, err))
		}
		ts.stopStream()
	}

	m.stopPool()
	m.handler.Reset()
	m.log.Info("拦截已禁用")
	return result
}

// Close 禁用拦截并断开全部目标
func (m *Manager) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var result error
	if err := m.Disable(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := m.Detach(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

// Handler 返回拦截处理器
func (m *Manager) Handler() *intercept.Handler { return m.handler }

func (m *Manager) isEnabled() bool { return m.enabled.Load() }

func (m *Manager) snapshotTargets() []*targetSession {
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	out := make([]*targetSession, 0, len(m.targets))
	for _, ts := range m.targets {
		out = append(out, ts)
	}
	return out
}

// enableTarget 先订阅事件流再启用 Network 与 Fetch，避免丢失首批事件
func (m *Manager) enableTarget(ctx context.Context, ts *targetSession) error {
	sctx, scancel := context.WithCancel(ts.ctx)

	paused, err := ts.client.Fetch.RequestPaused(sctx)
	if err != nil {
		scancel()
		return fmt.Errorf("cdp: subscribe requestPaused: %w", err)
	}
	finished, err := ts.client.Network.LoadingFinished(sctx)
	if err != nil {
		scancel()
		return fmt.Errorf("cdp: subscribe loadingFinished: %w", err)
	}
	failed, err := ts.client.Network.LoadingFailed(sctx)
	if err != nil {
		scancel()
		return fmt.Errorf("cdp: subscribe loadingFailed: %w", err)
	}

	if err := ts.client.Network.Enable(ctx, nil); err != nil {
		scancel()
		return fmt.Errorf("cdp: enable network: %w", err)
	}
	p := "*"
	patterns := []fetch.RequestPattern{{URLPattern: &p, RequestStage: fetch.RequestStageRequest}}
	if err := ts.client.Fetch.Enable(ctx, &fetch.EnableArgs{Patterns: patterns}); err != nil {
		scancel()
		return fmt.Errorf("cdp: enable fetch: %w", err)
	}
	ts.setStream(scancel)

	go m.consume(ts, paused)
	go m.consumeFinished(ts, finished)
	go m.consumeFailed(ts, failed)
	return nil
}

// sendEvent 安全发送事件到通道，自动添加时间戳
func (m *Manager) sendEvent(evt model.Event) {
	if m.events == nil {
		return
	}
	evt.Session = m.session
	evt.Timestamp = time.Now().UnixMilli()
	select {
	case m.events <- evt:
	default:
	}
}

package cdp

import (
	"context"
	"time"

	adapter "cdpmock/internal/adapter/cdp"
	"cdpmock/internal/intercept"
	"cdpmock/pkg/model"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
)

// handle 处理一次暂停的请求：未命中或失败时放行，命中时以改写后的响应完成请求
func (m *Manager) handle(ts *targetSession, ev *fetch.RequestPausedReply) {
	start := time.Now()
	req := adapter.ToNeutralRequest(ev)
	d := m.handler.Intercept(ts.ctx, req)

	ctx, cancel := context.WithTimeout(ts.ctx, m.processTimeout())
	defer cancel()

	switch d.Outcome {
	case intercept.Substituted:
		if err := ts.fetch.FulfillRequest(ctx, adapter.ToFulfillArgs(ev, d.Substitution)); err != nil {
			m.log.Err(err, "替换响应失败", "target", string(ts.id), "requestID", req.ID)
			m.handler.Release(d.Handle)
			m.sendEvent(model.Event{Type: model.EventFailed, Target: ts.id, RequestID: req.ID, URL: req.URL, Method: req.Method, Rule: d.Rule.Key(), Error: err.Error()})
			return
		}
		m.sendEvent(model.Event{Type: model.EventSubstituted, Target: ts.id, RequestID: req.ID, URL: req.URL, Method: req.Method, Rule: d.Rule.Key(), DataURL: d.Substitution.DataURL()})
		m.log.Info("响应已替换", "target", string(ts.id), "rule", d.Rule.Key(), "url", req.URL, "duration", time.Since(start).String())
	case intercept.Failed:
		m.continueRequest(ctx, ts, ev)
		m.sendEvent(model.Event{Type: model.EventFailed, Target: ts.id, RequestID: req.ID, URL: req.URL, Method: req.Method, Rule: d.Rule.Key(), Error: d.Err.Error()})
	default:
		m.continueRequest(ctx, ts, ev)
	}
}

func (m *Manager) processTimeout() time.Duration {
	to := m.processTimeoutMS
	if to <= 0 {
		to = 3000
	}
	return time.Duration(to) * time.Millisecond
}

func (m *Manager) continueRequest(ctx context.Context, ts *targetSession, ev *fetch.RequestPausedReply) {
	if err := ts.fetch.ContinueRequest(ctx, &fetch.ContinueRequestArgs{RequestID: ev.RequestID}); err != nil {
		m.log.Err(err, "放行请求失败", "target", string(ts.id), "requestID", string(ev.RequestID))
	}
}

// dispatchPaused 根据并发配置调度单次拦截事件处理
func (m *Manager) dispatchPaused(ts *targetSession, ev *fetch.RequestPausedReply) {
	m.poolMu.Lock()
	pool := m.pool
	m.poolMu.Unlock()

	if pool == nil {
		go m.handle(ts, ev)
		return
	}
	if !pool.submit(func() { m.handle(ts, ev) }) {
		m.degradeAndContinue(ts, ev, "并发队列已满")
	}
}

// consume 持续接收拦截事件并按并发限制分发处理
func (m *Manager) consume(ts *targetSession, rp fetch.RequestPausedClient) {
	defer rp.Close()
	m.log.Info("开始消费拦截事件流", "target", string(ts.id))
	for {
		ev, err := rp.Recv()
		if err != nil {
			m.handleTargetStreamClosed(ts, err)
			return
		}
		m.dispatchPaused(ts, ev)
	}
}

// consumeFinished 请求完成后释放已交付的在途条目
func (m *Manager) consumeFinished(ts *targetSession, c network.LoadingFinishedClient) {
	defer c.Close()
	for {
		ev, err := c.Recv()
		if err != nil {
			return
		}
		m.handler.OnCompleted(string(ev.RequestID))
	}
}

// consumeFailed 请求失败后释放已交付的在途条目
func (m *Manager) consumeFailed(ts *targetSession, c network.LoadingFailedClient) {
	defer c.Close()
	for {
		ev, err := c.Recv()
		if err != nil {
			return
		}
		m.log.Debug("请求加载失败", "target", string(ts.id), "requestID", string(ev.RequestID), "error", ev.ErrorText)
		m.handler.OnFailed(string(ev.RequestID))
	}
}

// handleTargetStreamClosed 处理单个目标的拦截流终止
func (m *Manager) handleTargetStreamClosed(ts *targetSession, err error) {
	if !m.isEnabled() || ts.ctx.Err() != nil {
		m.log.Debug("拦截事件流已关闭", "target", string(ts.id))
		return
	}

	m.log.Warn("拦截流被中断，自动移除目标", "target", string(ts.id), "error", err.Error())

	m.targetsMu.Lock()
	cur, ok := m.targets[ts.id]
	if ok && cur == ts {
		delete(m.targets, ts.id)
	}
	m.targetsMu.Unlock()
	if ok && cur == ts {
		m.closeTargetSession(ts)
	}
}

// degradeAndContinue 统一的降级处理：直接放行请求
func (m *Manager) degradeAndContinue(ts *targetSession, ev *fetch.RequestPausedReply, reason string) {
	m.log.Warn("执行降级策略：直接放行", "target", string(ts.id), "reason", reason, "requestID", string(ev.RequestID))
	ctx, cancel := context.WithTimeout(ts.ctx, 1*time.Second)
	defer cancel()
	m.continueRequest(ctx, ts, ev)
	m.sendEvent(model.Event{Type: model.EventDegraded, Target: ts.id, RequestID: adapter.RequestKey(ev), URL: ev.Request.URL, Method: ev.Request.Method, Error: reason})
}

package intercept

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cdpmock/internal/ctxkeys"
	"cdpmock/internal/inflight"
	"cdpmock/internal/jsonpatch"
	"cdpmock/internal/logger"
	"cdpmock/internal/rules"
	"cdpmock/pkg/rulespec"
	"cdpmock/pkg/traffic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/prometheus/client_golang/prometheus"
)

// Fetcher 发出重发请求的客户端
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// RuleSource 提供当前规则快照
type RuleSource interface {
	Rules() rulespec.RuleSet
}

// Outcome 单次拦截的终态
type Outcome int

const (
	Passthrough Outcome = iota // 未命中，原请求继续
	Substituted                // 已用改写后的响应替换
	Failed                     // 重发或读取失败，原请求继续
)

func (o Outcome) String() string {
	switch o {
	case Passthrough:
		return "passthrough"
	case Substituted:
		return "substituted"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Decision 拦截结果。仅 Substituted 时 Substitution 非空
type Decision struct {
	Outcome      Outcome
	Rule         *rulespec.Rule
	Substitution *traffic.Substitution
	Handle       *inflight.Handle
	Err          error
}

// Config 配置选项
type Config struct {
	Rules        RuleSource
	Engine       *rules.Engine
	Registry     *inflight.Registry
	Fetcher      Fetcher
	Logger       logger.Logger
	Session      string // 指标标签
	FetchTimeout time.Duration
	MaxBodyBytes int64 // <=0 不限制
}

// Handler 拦截处理器：匹配规则、重发请求、改写响应
type Handler struct {
	rules        RuleSource
	engine       *rules.Engine
	registry     *inflight.Registry
	fetcher      Fetcher
	log          logger.Logger
	fetchTimeout time.Duration
	maxBodyBytes int64
	metrics      *Metrics
	inflight     prometheus.Gauge
}

// New 创建拦截处理器
func New(cfg Config) *Handler {
	h := &Handler{
		rules:        cfg.Rules,
		engine:       cfg.Engine,
		registry:     cfg.Registry,
		fetcher:      cfg.Fetcher,
		log:          cfg.Logger,
		fetchTimeout: cfg.FetchTimeout,
		maxBodyBytes: cfg.MaxBodyBytes,
		metrics:      getMetrics(),
	}
	h.inflight = h.metrics.inflight.WithLabelValues(cfg.Session)
	if h.log == nil {
		h.log = logger.NewNop()
	}
	if h.engine == nil {
		h.engine = rules.NewEngine(h.log)
	}
	if h.registry == nil {
		h.registry = inflight.NewRegistry()
	}
	if h.fetcher == nil {
		h.fetcher = cleanhttp.DefaultPooledClient()
	}
	return h
}

// Registry 返回在途请求登记表
func (h *Handler) Registry() *inflight.Registry { return h.registry }

// Engine 返回规则匹配引擎
func (h *Handler) Engine() *rules.Engine { return h.engine }

// Intercept 处理一次即将发出的请求
func (h *Handler) Intercept(ctx context.Context, req *traffic.Request) Decision {
	traceID := uuid.NewString()
	ctx = context.WithValue(ctx, ctxkeys.TraceIDKey{}, traceID)
	l := h.log.With("traceId", traceID, "requestID", req.ID)

	var rs rulespec.RuleSet
	if h.rules != nil {
		rs = h.rules.Rules()
	}
	rule, ok := h.engine.Match(rs, req.URL)
	if !ok {
		h.metrics.requests.WithLabelValues(Passthrough.String(), "").Inc()
		return Decision{Outcome: Passthrough}
	}
	l.Debug("命中改写规则", "rule", rule.Key(), "url", req.URL, "method", req.Method, "mode", string(rule.ModifyType))

	handle := h.registry.Register(ctx, req.ID)
	h.updateInflight()

	fail := func(err error) Decision {
		if cause := handle.Cause(); cause != nil && !errors.Is(err, cause) {
			err = fmt.Errorf("%w: %w", err, cause)
		}
		l.Err(err, "拦截失败，放行原请求", "url", req.URL)
		h.Release(handle)
		h.metrics.requests.WithLabelValues(Failed.String(), string(rule.ModifyType)).Inc()
		return Decision{Outcome: Failed, Rule: rule, Handle: handle, Err: err}
	}

	start := time.Now()
	body, err := h.fetch(handle, req)
	if err == nil && handle.Cancelled() {
		err = handle.Cause()
	}
	if err != nil {
		h.metrics.fetchDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return fail(err)
	}
	h.metrics.fetchDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	sub := traffic.NewJSONSubstitution(h.rewrite(rule, body, l))
	// 改写期间可能已有同 ID 的新登记，交付前按句柄身份再确认一次
	if !h.registry.MarkDelivered(handle) {
		cause := handle.Cause()
		if cause == nil {
			cause = inflight.ErrSuperseded
		}
		return fail(cause)
	}
	h.metrics.requests.WithLabelValues(Substituted.String(), string(rule.ModifyType)).Inc()
	l.Debug("响应已改写", "bytes", len(sub.Body), "duration", time.Since(start).String())
	return Decision{Outcome: Substituted, Rule: rule, Substitution: sub, Handle: handle}
}

// OnCompleted 宿主报告请求完成
func (h *Handler) OnCompleted(id string) {
	if h.registry.Complete(id) {
		h.updateInflight()
	}
}

// OnFailed 宿主报告请求失败
func (h *Handler) OnFailed(id string) {
	h.OnCompleted(id)
}

// Release 释放句柄，仅当其仍为当前条目时生效
func (h *Handler) Release(handle *inflight.Handle) {
	h.registry.ReleaseHandle(handle)
	h.updateInflight()
}

// Reset 取消并清空全部在途请求，停用拦截或断开目标时调用
func (h *Handler) Reset() {
	h.registry.Close()
	h.updateInflight()
}

func (h *Handler) updateInflight() {
	h.inflight.Set(float64(h.registry.Len()))
}

// fetch 以原始方法、请求头和请求体重发请求并读取完整响应体
func (h *Handler) fetch(handle *inflight.Handle, req *traffic.Request) (string, error) {
	ctx := handle.Context()
	if h.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.fetchTimeout)
		defer cancel()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.HasBody() {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBuildRequest, err)
	}
	for k, v := range req.Headers {
		if skipHeader(k) {
			continue
		}
		hreq.Header.Set(k, v)
	}

	resp, err := h.fetcher.Do(hreq)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFetch, err)
	}
	defer resp.Body.Close()

	var r io.Reader = resp.Body
	if h.maxBodyBytes > 0 {
		r = io.LimitReader(resp.Body, h.maxBodyBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrReadBody, err)
	}
	if h.maxBodyBytes > 0 && int64(len(data)) > h.maxBodyBytes {
		return "", fmt.Errorf("%w: limit %d", ErrBodyTooLarge, h.maxBodyBytes)
	}
	return string(data), nil
}

// rewrite 按规则的改写方式生成新的响应体
func (h *Handler) rewrite(rule *rulespec.Rule, body string, l logger.Logger) string {
	switch rule.ModifyType {
	case rulespec.ModifyStatic:
		return rule.GetStaticResponse()
	case rulespec.ModifyDynamic:
		out, err := jsonpatch.Patch(body, rule.GetFieldPath(), rule.NewValue)
		if err != nil {
			l.Warn("JSON 字段修改失败，返回原响应体", "rule", rule.Key(), "fieldPath", rule.GetFieldPath(), "error", err.Error())
		}
		return out
	default:
		l.Warn("未知的改写方式，返回原响应体", "rule", rule.Key(), "modifyType", string(rule.ModifyType))
		return body
	}
}

// skipHeader 由传输层管理的请求头不转发。去掉 Accept-Encoding 以便客户端透明解压
func skipHeader(name string) bool {
	switch strings.ToLower(name) {
	case "host", "connection", "keep-alive", "proxy-connection", "transfer-encoding",
		"upgrade", "te", "trailer", "content-length", "accept-encoding":
		return true
	}
	return false
}

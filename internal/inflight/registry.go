// Package inflight 跟踪每个请求标识当前正在执行的重发请求。
//
// 同一标识同时最多存在一个条目：重新登记时先同步取消旧条目。
// 宿主的完成/失败通知只释放已交付响应的条目，避免迟到的通知释放新登记的条目。
package inflight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrSuperseded 条目被同一标识的新登记取代
	ErrSuperseded = errors.New("in-flight request superseded")
	// ErrReleased 条目已被释放
	ErrReleased = errors.New("in-flight request released")
)

// Handle 单个在途请求的取消句柄
type Handle struct {
	id        string
	seq       uint64
	ctx       context.Context
	cancel    context.CancelCauseFunc
	delivered atomic.Bool
}

// ID 请求标识
func (h *Handle) ID() string { return h.id }

// Seq 登记序号，全局递增
func (h *Handle) Seq() uint64 { return h.seq }

// Context 绑定到重发请求的上下文
func (h *Handle) Context() context.Context { return h.ctx }

// Cancelled 是否已被取消
func (h *Handle) Cancelled() bool { return h.ctx.Err() != nil }

// Cause 取消原因，未取消时为 nil
func (h *Handle) Cause() error { return context.Cause(h.ctx) }

// Delivered 响应是否已交付宿主
func (h *Handle) Delivered() bool { return h.delivered.Load() }

// Registry 在途请求登记表
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Handle
	seq     uint64
}

// NewRegistry 创建登记表
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Handle)}
}

// Register 为 id 登记新句柄，已有条目先取消并丢弃
func (r *Registry) Register(parent context.Context, id string) *Handle {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.entries[id]; ok {
		old.cancel(ErrSuperseded)
	}
	r.seq++
	h := &Handle{id: id, seq: r.seq, ctx: ctx, cancel: cancel}
	r.entries[id] = h
	return h
}

// Release 移除并取消 id 对应的条目，不存在时无操作
func (r *Registry) Release(id string) {
	r.mu.Lock()
	h, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if ok {
		h.cancel(ErrReleased)
	}
}

// ReleaseHandle 仅当 h 仍是 id 的当前条目时移除，返回是否移除。h 本身总会被取消
func (r *Registry) ReleaseHandle(h *Handle) bool {
	if h == nil {
		return false
	}
	r.mu.Lock()
	cur, ok := r.entries[h.id]
	removed := ok && cur == h
	if removed {
		delete(r.entries, h.id)
	}
	r.mu.Unlock()
	h.cancel(ErrReleased)
	return removed
}

// MarkDelivered 仅当 h 仍是当前条目且未被取消时标记为已交付，返回是否标记成功
func (r *Registry) MarkDelivered(h *Handle) bool {
	if h == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[h.id] != h || h.Cancelled() {
		return false
	}
	h.delivered.Store(true)
	return true
}

// Complete 处理宿主的完成/失败通知：仅释放已交付的当前条目
func (r *Registry) Complete(id string) bool {
	r.mu.Lock()
	h, ok := r.entries[id]
	if !ok || !h.Delivered() {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, id)
	r.mu.Unlock()
	h.cancel(ErrReleased)
	return true
}

// Get 返回 id 的当前条目
func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.entries[id]
	return h, ok
}

// Len 当前条目数
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close 取消并清空全部条目
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*Handle)
	r.mu.Unlock()
	for _, h := range entries {
		h.cancel(ErrReleased)
	}
}

package ctxkeys

// TraceIDKey 上下文中追踪 ID 的键
type TraceIDKey struct{}

package model

type SessionID string
type TargetID string

type SessionConfig struct {
	DevToolsURL     string `json:"devToolsURL"`
	Concurrency     int    `json:"concurrency"`
	PendingCapacity int    `json:"pendingCapacity"`
	FetchTimeoutMS  int    `json:"fetchTimeoutMS"`
	MaxBodyBytes    int64  `json:"maxBodyBytes"`
}

// 规则相关类型见 pkg/rulespec

type EngineStats struct {
	Total   int64            `json:"total"`
	Matched int64            `json:"matched"`
	ByRule  map[string]int64 `json:"byRule"`
}

// 事件类型
const (
	EventSubstituted = "substituted"
	EventFailed      = "failed"
	EventDegraded    = "degraded"
)

type Event struct {
	Type      string    `json:"type"`
	Session   SessionID `json:"session"`
	Target    TargetID  `json:"target"`
	RequestID string    `json:"requestID"`
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	Rule      string    `json:"rule,omitempty"`
	DataURL   string    `json:"dataURL,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

type TargetInfo struct {
	ID        TargetID `json:"id"`
	Type      string   `json:"type"`
	URL       string   `json:"url"`
	Title     string   `json:"title"`
	IsCurrent bool     `json:"isCurrent"`
	IsUser    bool     `json:"isUser"`
}

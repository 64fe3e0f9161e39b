package session

import (
	"cdpmock/internal/cdp"
	"cdpmock/pkg/model"
)

// Session 一次拦截会话：一个浏览器连接及其事件通道
type Session struct {
	ID     model.SessionID
	Config model.SessionConfig
	CDP    *cdp.Manager
	Events chan model.Event
}

// New 创建会话
func New(id model.SessionID, cfg model.SessionConfig, mgr *cdp.Manager, events chan model.Event) *Session {
	return &Session{ID: id, Config: cfg, CDP: mgr, Events: events}
}

// Close 停止拦截并断开全部目标。事件通道不关闭，处理中的请求仍可能写入
func (s *Session) Close() error {
	if s.CDP == nil {
		return nil
	}
	return s.CDP.Close()
}

package api

import (
	"cdpmock/internal/config"
	"cdpmock/internal/logger"
	"cdpmock/internal/service"
	"cdpmock/pkg/model"
	"cdpmock/pkg/rulespec"
)

// Service 服务接口
type Service interface {
	// StartSession 启动会话
	StartSession(cfg model.SessionConfig) (model.SessionID, error)

	// StopSession 停止会话
	StopSession(id model.SessionID) error

	// AttachTarget 附加目标，target 为空时选择第一个页面
	AttachTarget(id model.SessionID, target model.TargetID) error

	// DetachTarget 分离目标
	DetachTarget(id model.SessionID, target model.TargetID) error

	// ListTargets 列出目标
	ListTargets(id model.SessionID) ([]model.TargetInfo, error)

	// EnableInterception 启用拦截
	EnableInterception(id model.SessionID) error

	// DisableInterception 禁用拦截
	DisableInterception(id model.SessionID) error

	// SaveRules 持久化规则集，nil 表示清空
	SaveRules(rs rulespec.RuleSet) error

	// GetRules 读取持久化的规则集
	GetRules() (rulespec.RuleSet, error)

	// GetRuleStats 获取规则统计信息
	GetRuleStats(id model.SessionID) (model.EngineStats, error)

	// SubscribeEvents 订阅事件
	SubscribeEvents(id model.SessionID) (<-chan model.Event, error)

	// RulesLoaded 首次规则加载完成后关闭
	RulesLoaded() <-chan struct{}

	// Close 停止全部会话并释放资源
	Close() error
}

var _ Service = (*service.Service)(nil)

// NewService 创建并返回服务接口实现
func NewService(cfg *config.Config, l logger.Logger) (Service, error) {
	s, err := service.New(cfg, l)
	if err != nil {
		return nil, err
	}
	return s, nil
}

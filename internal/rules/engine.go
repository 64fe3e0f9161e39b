package rules

import (
	"regexp"
	"sync"
	"sync/atomic"

	"cdpmock/internal/logger"
	"cdpmock/pkg/model"
	"cdpmock/pkg/rulespec"

	lru "github.com/hashicorp/golang-lru/v2"
)

const regexCacheSize = 512

type compiled struct {
	re  *regexp.Regexp
	err error
}

// Engine 规则匹配引擎，按顺序返回首个命中的规则
type Engine struct {
	log   logger.Logger
	cache *lru.Cache[string, compiled]

	total   atomic.Int64
	matched atomic.Int64
	mu      sync.Mutex
	byRule  map[string]int64
}

// NewEngine 创建匹配引擎
func NewEngine(l logger.Logger) *Engine {
	if l == nil {
		l = logger.NewNop()
	}
	cache, _ := lru.New[string, compiled](regexCacheSize)
	return &Engine{log: l, cache: cache, byRule: make(map[string]int64)}
}

// Match 返回首个已启用、类型为 modify 且 from 匹配 URL 的规则
func (e *Engine) Match(rs rulespec.RuleSet, url string) (*rulespec.Rule, bool) {
	e.total.Add(1)
	for i := range rs {
		r := &rs[i]
		if r.Type != rulespec.RuleTypeModify || !r.IsEnabled() {
			continue
		}
		if !e.matchRegex(url, r.From) {
			continue
		}
		e.matched.Add(1)
		e.mu.Lock()
		e.byRule[r.Key()]++
		e.mu.Unlock()
		out := *r
		return &out, true
	}
	return nil, false
}

// Stats 返回匹配统计
func (e *Engine) Stats() model.EngineStats {
	e.mu.Lock()
	by := make(map[string]int64, len(e.byRule))
	for k, v := range e.byRule {
		by[k] = v
	}
	e.mu.Unlock()
	return model.EngineStats{Total: e.total.Load(), Matched: e.matched.Load(), ByRule: by}
}

// matchRegex 编译失败的表达式永不匹配
func (e *Engine) matchRegex(s, pattern string) bool {
	re, err := e.compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

func (e *Engine) compile(pattern string) (*regexp.Regexp, error) {
	if e.cache != nil {
		if c, ok := e.cache.Get(pattern); ok {
			return c.re, c.err
		}
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		e.log.Debug("规则表达式无效，跳过", "pattern", pattern, "error", err.Error())
	}
	if e.cache != nil {
		e.cache.Add(pattern, compiled{re: re, err: err})
	}
	return re, err
}

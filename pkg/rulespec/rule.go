package rulespec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/hashicorp/go-multierror"
)

// StorageKey 规则列表在持久化存储中的键名
const StorageKey = "rules"

// RuleType 规则类型
type RuleType string

const (
	RuleTypeModify RuleType = "modify"
)

// ModifyType 响应改写方式
type ModifyType string

const (
	ModifyStatic  ModifyType = "static"  // 整体替换响应体
	ModifyDynamic ModifyType = "dynamic" // 修改 JSON 中的单个字段
)

// Known 是否为已知的改写方式
func (m ModifyType) Known() bool {
	return m == ModifyStatic || m == ModifyDynamic
}

// Rule 用户定义的改写规则
type Rule struct {
	ID             string     `json:"id,omitempty"`
	Name           string     `json:"name,omitempty"`
	Enabled        *bool      `json:"enabled,omitempty"`
	Type           RuleType   `json:"type"`
	From           string     `json:"from"`
	ModifyType     ModifyType `json:"modifyType"`
	StaticResponse *string    `json:"staticResponse,omitempty"`
	FieldPath      *string    `json:"fieldPath,omitempty"`
	NewValue       any        `json:"newValue,omitempty"`
}

// RuleSet 有序规则集合，按顺序首个命中生效
type RuleSet []Rule

// IsEnabled 未设置 enabled 时视为启用
func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Key 统计用的规则标识
func (r *Rule) Key() string {
	if r.ID != "" {
		return r.ID
	}
	return r.From
}

// GetStaticResponse 返回静态响应，未设置时为空串
func (r *Rule) GetStaticResponse() string {
	if r.StaticResponse == nil {
		return ""
	}
	return *r.StaticResponse
}

// GetFieldPath 返回字段路径，未设置时为空串
func (r *Rule) GetFieldPath() string {
	if r.FieldPath == nil {
		return ""
	}
	return *r.FieldPath
}

// Decode 解析持久化的规则列表，null 或空内容得到空列表
func Decode(data []byte) (RuleSet, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return RuleSet{}, nil
	}
	var rs RuleSet
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	if rs == nil {
		rs = RuleSet{}
	}
	return rs, nil
}

// Encode 序列化规则列表
func Encode(rs RuleSet) ([]byte, error) {
	if rs == nil {
		rs = RuleSet{}
	}
	return json.Marshal(rs)
}

var (
	ErrEmptyFrom       = errors.New("from is empty")
	ErrBadPattern      = errors.New("from is not a valid regular expression")
	ErrMissingStatic   = errors.New("static rule without staticResponse")
	ErrMissingPath     = errors.New("dynamic rule without fieldPath")
	ErrUnknownModify   = errors.New("unknown modifyType")
	ErrUnknownRuleType = errors.New("unknown rule type")
)

// Validate 校验规则集合并汇总所有问题。拦截路径不依赖此校验，非法规则在匹配时直接跳过
func Validate(rs RuleSet) error {
	var result *multierror.Error
	for i := range rs {
		r := &rs[i]
		wrap := func(err error) {
			result = multierror.Append(result, fmt.Errorf("rule %d (%s): %w", i, r.Key(), err))
		}
		if r.Type != RuleTypeModify {
			wrap(ErrUnknownRuleType)
		}
		if r.From == "" {
			wrap(ErrEmptyFrom)
		} else if _, err := regexp.Compile(r.From); err != nil {
			wrap(fmt.Errorf("%w: %v", ErrBadPattern, err))
		}
		if !r.ModifyType.Known() {
			wrap(fmt.Errorf("%w: %q", ErrUnknownModify, r.ModifyType))
			continue
		}
		if r.ModifyType == ModifyStatic && r.StaticResponse == nil {
			wrap(ErrMissingStatic)
		}
		if r.ModifyType == ModifyDynamic && r.GetFieldPath() == "" {
			wrap(ErrMissingPath)
		}
	}
	return result.ErrorOrNil()
}

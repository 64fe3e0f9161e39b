package rules

import (
	"testing"

	"cdpmock/pkg/rulespec"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func modify(id, from string) rulespec.Rule {
	return rulespec.Rule{ID: id, Type: rulespec.RuleTypeModify, From: from, ModifyType: rulespec.ModifyStatic}
}

func TestMatchFirstWins(t *testing.T) {
	e := NewEngine(nil)
	rs := rulespec.RuleSet{
		modify("a", `^https://api\.x\.com/`),
		modify("b", `/user$`),
	}
	r, ok := e.Match(rs, "https://api.x.com/user")
	require.True(t, ok)
	assert.Equal(t, "a", r.ID)

	r, ok = e.Match(rs, "https://other.com/user")
	require.True(t, ok)
	assert.Equal(t, "b", r.ID)
}

func TestMatchNoRules(t *testing.T) {
	e := NewEngine(nil)
	_, ok := e.Match(nil, "https://a.test/")
	assert.False(t, ok)
}

func TestMatchSkipsNonModifyAndDisabled(t *testing.T) {
	off := false
	disabled := modify("off", ".*")
	disabled.Enabled = &off
	redirect := modify("redirect", ".*")
	redirect.Type = "redirect"

	e := NewEngine(nil)
	r, ok := e.Match(rulespec.RuleSet{disabled, redirect, modify("on", "a")}, "https://a.test/")
	require.True(t, ok)
	assert.Equal(t, "on", r.ID)
}

func TestMalformedPatternFailsClosed(t *testing.T) {
	e := NewEngine(nil)
	rs := rulespec.RuleSet{modify("bad", `(`), modify("lookahead", `^(?=x)`)}
	for i := 0; i < 2; i++ {
		_, ok := e.Match(rs, "x(")
		assert.False(t, ok)
	}
}

// RE2 不支持环视与反向引用，这类模式永不匹配，后续规则照常参与匹配
func TestUnsupportedSyntaxFallsThrough(t *testing.T) {
	e := NewEngine(nil)
	rs := rulespec.RuleSet{
		modify("lookbehind", `(?<=/api)/user`),
		modify("backref", `/(\w+)/\1`),
		modify("plain", `/api/user`),
	}
	r, ok := e.Match(rs, "https://a.test/api/user/api/user")
	require.True(t, ok)
	assert.Equal(t, "plain", r.ID)
}

func TestMatchReturnsCopy(t *testing.T) {
	e := NewEngine(nil)
	rs := rulespec.RuleSet{modify("a", "x")}
	r, ok := e.Match(rs, "x")
	require.True(t, ok)
	r.From = "changed"
	assert.Equal(t, "x", rs[0].From)
}

func TestStats(t *testing.T) {
	e := NewEngine(nil)
	rs := rulespec.RuleSet{modify("a", "^a"), {Type: rulespec.RuleTypeModify, From: "^b"}}
	e.Match(rs, "a1")
	e.Match(rs, "a2")
	e.Match(rs, "b1")
	e.Match(rs, "c1")

	st := e.Stats()
	assert.Equal(t, int64(4), st.Total)
	assert.Equal(t, int64(3), st.Matched)
	assert.Equal(t, int64(2), st.ByRule["a"])
	assert.Equal(t, int64(1), st.ByRule["^b"])
}

package service

import (
	"path/filepath"
	"testing"
	"time"

	"cdpmock/internal/cdp"
	"cdpmock/internal/config"
	"cdpmock/pkg/model"
	"cdpmock/pkg/rulespec"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Sqlite.Dsn = filepath.Join(t.TempDir(), "cdpmock.db")
	cfg.Intercept.RulesPollMS = 0
	cfg.Intercept.DevToolsURL = "http://127.0.0.1:1"

	s, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	select {
	case <-s.RulesLoaded():
	case <-time.After(5 * time.Second):
		t.Fatal("rules not loaded")
	}
	return s
}

func staticRule(from string) rulespec.Rule {
	body := `{"ok":true}`
	return rulespec.Rule{ID: "r1", Type: rulespec.RuleTypeModify, From: from, ModifyType: rulespec.ModifyStatic, StaticResponse: &body}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestService(t)

	id, err := s.StartSession(model.SessionConfig{})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	events, err := s.SubscribeEvents(id)
	require.NoError(t, err)
	assert.NotNil(t, events)

	stats, err := s.GetRuleStats(id)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)

	assert.ErrorIs(t, s.EnableInterception(id), cdp.ErrNotAttached)
	assert.NoError(t, s.DisableInterception(id))
	assert.ErrorIs(t, s.DetachTarget(id, "missing"), cdp.ErrNotAttached)

	require.NoError(t, s.StopSession(id))
	assert.ErrorIs(t, s.StopSession(id), ErrSessionNotFound)
}

func TestUnknownSession(t *testing.T) {
	s := newTestService(t)

	assert.ErrorIs(t, s.AttachTarget("nope", ""), ErrSessionNotFound)
	assert.ErrorIs(t, s.EnableInterception("nope"), ErrSessionNotFound)
	_, err := s.ListTargets("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = s.GetRuleStats("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = s.SubscribeEvents("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSaveAndGetRules(t *testing.T) {
	s := newTestService(t)

	rs, err := s.GetRules()
	require.NoError(t, err)
	assert.Empty(t, rs)

	require.NoError(t, s.SaveRules(rulespec.RuleSet{staticRule("/api/user")}))
	rs, err = s.GetRules()
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, "/api/user", rs[0].From)

	// 订阅方收到新规则
	assert.Eventually(t, func() bool { return len(s.store.Rules()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.SaveRules(nil))
	rs, err = s.GetRules()
	require.NoError(t, err)
	assert.Empty(t, rs)
	assert.Eventually(t, func() bool { return len(s.store.Rules()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSaveRulesRejectsInvalid(t *testing.T) {
	s := newTestService(t)

	err := s.SaveRules(rulespec.RuleSet{staticRule("(")})
	assert.ErrorIs(t, err, ErrInvalidRules)
	assert.ErrorIs(t, err, rulespec.ErrBadPattern)

	rs, err := s.GetRules()
	require.NoError(t, err)
	assert.Empty(t, rs)
}

func TestListTargetsUnreachable(t *testing.T) {
	s := newTestService(t)
	id, err := s.StartSession(model.SessionConfig{})
	require.NoError(t, err)

	_, err = s.ListTargets(id)
	assert.Error(t, err)
}

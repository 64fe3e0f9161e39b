package api

import (
	"path/filepath"
	"testing"
	"time"

	"cdpmock/internal/config"
	"cdpmock/pkg/model"
	"cdpmock/pkg/rulespec"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewService(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Sqlite.Dsn = filepath.Join(t.TempDir(), "api.db")
	cfg.Intercept.RulesPollMS = 0

	svc, err := NewService(cfg, nil)
	require.NoError(t, err)
	defer svc.Close()

	select {
	case <-svc.RulesLoaded():
	case <-time.After(5 * time.Second):
		t.Fatal("rules not loaded")
	}

	body := `{"ok":true}`
	rs := rulespec.RuleSet{{Type: rulespec.RuleTypeModify, From: "/api", ModifyType: rulespec.ModifyStatic, StaticResponse: &body}}
	require.NoError(t, svc.SaveRules(rs))
	got, err := svc.GetRules()
	require.NoError(t, err)
	assert.Len(t, got, 1)

	id, err := svc.StartSession(model.SessionConfig{})
	require.NoError(t, err)
	stats, err := svc.GetRuleStats(id)
	require.NoError(t, err)
	assert.Zero(t, stats.Matched)
	require.NoError(t, svc.StopSession(id))
}

func TestNewServiceBadDsn(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Sqlite.Dsn = filepath.Join(t.TempDir(), "missing", "dir", "api.db")

	_, err := NewService(cfg, nil)
	assert.Error(t, err)
}

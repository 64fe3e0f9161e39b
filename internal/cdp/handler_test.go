package cdp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"cdpmock/internal/intercept"
	"cdpmock/pkg/model"
	"cdpmock/pkg/rulespec"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFetch 仅实现放行与替换两个命令
type fakeFetch struct {
	cdp.Fetch

	mu         sync.Mutex
	continued  []fetch.RequestID
	fulfilled  []*fetch.FulfillRequestArgs
	fulfillErr error

	subscribes   int
	subscribeErr error
}

func (f *fakeFetch) ContinueRequest(_ context.Context, args *fetch.ContinueRequestArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continued = append(f.continued, args.RequestID)
	return nil
}

func (f *fakeFetch) RequestPaused(context.Context) (fetch.RequestPausedClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	return nil, f.subscribeErr
}

func (f *fakeFetch) FulfillRequest(_ context.Context, args *fetch.FulfillRequestArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fulfillErr != nil {
		return f.fulfillErr
	}
	f.fulfilled = append(f.fulfilled, args)
	return nil
}

type ruleList rulespec.RuleSet

func (r ruleList) Rules() rulespec.RuleSet { return rulespec.RuleSet(r) }

func strPtr(s string) *string { return &s }

func newTestManager(t *testing.T, rs rulespec.RuleSet, events chan model.Event) (*Manager, *targetSession, *fakeFetch) {
	t.Helper()
	h := intercept.New(intercept.Config{Rules: ruleList(rs)})
	m := New(h, Options{Session: "s1", Events: events})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ff := &fakeFetch{}
	ts := &targetSession{id: "t1", fetch: ff, ctx: ctx, cancel: cancel}
	return m, ts, ff
}

func paused(id, networkID, url string) *fetch.RequestPausedReply {
	nid := network.RequestID(networkID)
	return &fetch.RequestPausedReply{
		RequestID: fetch.RequestID(id),
		NetworkID: &nid,
		Request:   network.Request{URL: url, Method: "GET", Headers: network.Headers(`{}`)},
	}
}

func jsonServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHandlePassthroughContinues(t *testing.T) {
	m, ts, ff := newTestManager(t, nil, nil)
	m.handle(ts, paused("f1", "n1", "https://example.com/"))

	assert.Equal(t, []fetch.RequestID{"f1"}, ff.continued)
	assert.Empty(t, ff.fulfilled)
}

func TestHandleSubstitutesAndReleasesOnCompletion(t *testing.T) {
	srv := jsonServer(t, `{"profile":{"age":30,"name":"A"}}`)
	rule := rulespec.Rule{ID: "age", Type: rulespec.RuleTypeModify, From: "/profile", ModifyType: rulespec.ModifyDynamic, FieldPath: strPtr("profile.age"), NewValue: 42}
	events := make(chan model.Event, 4)
	m, ts, ff := newTestManager(t, rulespec.RuleSet{rule}, events)

	m.handle(ts, paused("f1", "n1", srv.URL+"/profile"))

	require.Len(t, ff.fulfilled, 1)
	args := ff.fulfilled[0]
	assert.Equal(t, fetch.RequestID("f1"), args.RequestID)
	assert.Equal(t, 200, args.ResponseCode)
	assert.JSONEq(t, `{"profile":{"age":42,"name":"A"}}`, string(args.Body))
	assert.Empty(t, ff.continued)
	assert.Equal(t, 1, m.Handler().Registry().Len())

	evt := <-events
	assert.Equal(t, model.EventSubstituted, evt.Type)
	assert.Equal(t, model.SessionID("s1"), evt.Session)
	assert.Equal(t, model.TargetID("t1"), evt.Target)
	assert.Equal(t, "n1", evt.RequestID)
	assert.Equal(t, "age", evt.Rule)

	m.handler.OnCompleted("n1")
	assert.Zero(t, m.Handler().Registry().Len())
}

func TestHandleFetchFailureContinues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	rule := rulespec.Rule{ID: "s", Type: rulespec.RuleTypeModify, From: ".*", ModifyType: rulespec.ModifyStatic, StaticResponse: strPtr(`{}`)}
	events := make(chan model.Event, 4)
	m, ts, ff := newTestManager(t, rulespec.RuleSet{rule}, events)

	m.handle(ts, paused("f1", "n1", url))

	assert.Equal(t, []fetch.RequestID{"f1"}, ff.continued)
	assert.Empty(t, ff.fulfilled)
	assert.Zero(t, m.Handler().Registry().Len())
	evt := <-events
	assert.Equal(t, model.EventFailed, evt.Type)
	assert.NotEmpty(t, evt.Error)
}

func TestHandleFulfillErrorReleases(t *testing.T) {
	srv := jsonServer(t, `{}`)
	rule := rulespec.Rule{ID: "s", Type: rulespec.RuleTypeModify, From: ".*", ModifyType: rulespec.ModifyStatic, StaticResponse: strPtr(`{"ok":true}`)}
	m, ts, ff := newTestManager(t, rulespec.RuleSet{rule}, nil)
	ff.fulfillErr = errors.New("target closed")

	m.handle(ts, paused("f1", "n1", srv.URL))
	assert.Zero(t, m.Handler().Registry().Len())
}

func TestDispatchDegradesWhenQueueFull(t *testing.T) {
	events := make(chan model.Event, 4)
	m, ts, ff := newTestManager(t, nil, events)

	block := make(chan struct{})
	m.pool = newWorkerPool(1, 0)
	t.Cleanup(func() { close(block); m.pool.stop() })
	started := make(chan struct{})
	require.True(t, m.pool.submit(func() { close(started); <-block }))
	<-started

	m.dispatchPaused(ts, paused("f2", "n2", "https://example.com/"))

	assert.Equal(t, []fetch.RequestID{"f2"}, ff.continued)
	evt := <-events
	assert.Equal(t, model.EventDegraded, evt.Type)
	assert.Equal(t, "n2", evt.RequestID)
}

func TestDispatchWithoutPool(t *testing.T) {
	m, ts, ff := newTestManager(t, nil, nil)
	m.dispatchPaused(ts, paused("f1", "n1", "https://example.com/"))

	assert.Eventually(t, func() bool {
		ff.mu.Lock()
		defer ff.mu.Unlock()
		return len(ff.continued) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEnableWithoutTargets(t *testing.T) {
	m := New(nil, Options{})
	assert.ErrorIs(t, m.Enable(context.Background()), ErrNotAttached)
	assert.NoError(t, m.Disable(context.Background()))
}

func TestDetachUnknownTarget(t *testing.T) {
	m := New(nil, Options{})
	assert.ErrorIs(t, m.DetachTarget("nope"), ErrNotAttached)
	assert.NoError(t, m.Detach())
}

func TestSelectTarget(t *testing.T) {
	targets := []*devtool.Target{
		{ID: "w1", Type: devtool.Type("service_worker")},
		{ID: "p1", Type: devtool.Page},
		{ID: "p2", Type: devtool.Page},
	}
	assert.Equal(t, "p1", selectTarget(targets, "").ID)
	assert.Equal(t, "p2", selectTarget(targets, "p2").ID)
	assert.Nil(t, selectTarget(targets, "missing"))
}

func TestEnableFailureAllowsRetry(t *testing.T) {
	m, ts, ff := newTestManager(t, nil, nil)
	m.concurrency = 2
	ff.subscribeErr = errors.New("websocket closed")
	ts.client = &cdp.Client{Fetch: ff}
	m.targets[ts.id] = ts

	assert.Error(t, m.Enable(context.Background()))
	assert.False(t, m.isEnabled())
	assert.Nil(t, m.pool)

	assert.Error(t, m.Enable(context.Background()))
	assert.Equal(t, 2, ff.subscribes)
	assert.False(t, m.isEnabled())
}

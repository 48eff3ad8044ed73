package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgo/quotamesh/pkg/quotamesh/config"
	"github.com/forgo/quotamesh/pkg/quotamesh/model"
	"github.com/forgo/quotamesh/pkg/quotamesh/reactor"
	"github.com/forgo/quotamesh/pkg/quotamesh/recorder"
	"github.com/forgo/quotamesh/pkg/quotamesh/registry"
	"github.com/forgo/quotamesh/pkg/quotamesh/transport"
	"github.com/forgo/quotamesh/pkg/quotamesh/transport/fakeserver"
	"github.com/forgo/quotamesh/pkg/quotamesh/transport/resolver"
)

func newLocalManager(t *testing.T, rules []model.RateLimitRule) *QuotaManager {
	t.Helper()

	reg := registry.New()
	if rules != nil {
		reg.SetRules("ns", "svc", rules)
	}

	r := reactor.New()
	go r.Run()
	t.Cleanup(func() {
		r.Stop()
		r.Wait()
	})

	cfg := &config.Config{Enable: true, Mode: config.ModeLocal, MessageTimeout: time.Second}
	return New(r, reg, nil, nil, nil, cfg, recorder.NoopSink{}, nil)
}

func localRule() model.RateLimitRule {
	return model.RateLimitRule{
		Namespace: "ns",
		Service:   "svc",
		RuleID:    "r1",
		Revision:  "v1",
		Type:      model.RuleTypeLocal,
		Action:    model.ActionReject,
		Amounts:   []model.Amount{{MaxAmount: 3, ValidDuration: 1000}},
		Failover:  model.FailoverLocal,
	}
}

func TestGetQuotaAdmitsUpToMaxAmountThenLimits(t *testing.T) {
	m := newLocalManager(t, []model.RateLimitRule{localRule()})

	ok, limited := 0, 0
	for i := 0; i < 5; i++ {
		resp, err := m.GetQuota(context.Background(), model.QuotaRequest{
			Namespace: "ns", Service: "svc", Acquire: 1, Timeout: 100 * time.Millisecond,
		})
		require.NoError(t, err)
		if resp.Code == model.QuotaResultOk {
			ok++
		} else {
			limited++
		}
	}
	require.Equal(t, 3, ok)
	require.Equal(t, 2, limited)
}

func TestGetQuotaWithNoMatchingRuleFailsOpen(t *testing.T) {
	m := newLocalManager(t, nil)

	resp, err := m.GetQuota(context.Background(), model.QuotaRequest{
		Namespace: "ns", Service: "svc", Acquire: 1, Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Equal(t, model.QuotaResultOk, resp.Code)
}

func TestGetQuotaDisabledManagerAlwaysAdmits(t *testing.T) {
	reg := registry.New()
	reg.SetRules("ns", "svc", []model.RateLimitRule{localRule()})

	r := reactor.New()
	go r.Run()
	t.Cleanup(func() {
		r.Stop()
		r.Wait()
	})

	cfg := &config.Config{Enable: false, Mode: config.ModeLocal, MessageTimeout: time.Second}
	m := New(r, reg, nil, nil, nil, cfg, recorder.NoopSink{}, nil)

	for i := 0; i < 10; i++ {
		resp, err := m.GetQuota(context.Background(), model.QuotaRequest{
			Namespace: "ns", Service: "svc", Acquire: 1, Timeout: 100 * time.Millisecond,
		})
		require.NoError(t, err)
		require.Equal(t, model.QuotaResultOk, resp.Code)
	}
}

func TestGetQuotaGlobalModeSyncsLabelledWindowAgainstFakeServer(t *testing.T) {
	reg := registry.New()
	rule := model.RateLimitRule{
		Namespace: "ns",
		Service:   "svc",
		RuleID:    "global-r1",
		Revision:  "v1",
		Type:      model.RuleTypeGlobal,
		Action:    model.ActionReject,
		LabelMatchers: []model.Matcher{
			{Key: "method", Type: model.MatchExact, Value: "POST"},
		},
		Amounts:  []model.Amount{{MaxAmount: 50, ValidDuration: 1000}},
		Report:   model.ReportConfig{IntervalMs: 100},
		Failover: model.FailoverLocal,
	}
	reg.SetRules("ns", "svc", []model.RateLimitRule{rule})

	r := reactor.New()
	go r.Run()
	t.Cleanup(func() {
		r.Stop()
		r.Wait()
	})

	res := resolver.New()
	res.SetInstances("cluster-ns", "quota-server", []transport.Instance{
		{ID: "quota-1", Host: "127.0.0.1", Port: 9000, Healthy: true},
	})
	server := fakeserver.New()

	cfg := &config.Config{
		Enable:           true,
		Mode:             config.ModeGlobal,
		ClusterNamespace: "cluster-ns",
		ClusterService:   "quota-server",
		MessageTimeout:   time.Second,
	}
	m := New(r, reg, res, server, nil, cfg, recorder.NoopSink{}, nil)

	req := model.QuotaRequest{
		Namespace: "ns", Service: "svc",
		Labels:  map[string]string{"method": "POST"},
		Acquire: 1,
		Timeout: 2 * time.Second,
	}
	resp, err := m.GetQuota(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, model.QuotaResultOk, resp.Code)

	// The labelled init must round-trip: once it has, the window leaves
	// degraded mode and decisions run against the remote residual.
	require.Eventually(t, func() bool {
		got, err := m.GetQuota(context.Background(), req)
		return err == nil && !got.Info.IsDegrade
	}, 3*time.Second, 20*time.Millisecond, "window should sync against the fake server and leave degrade mode")
}

func TestGetQuotaReusesWindowAcrossCalls(t *testing.T) {
	m := newLocalManager(t, []model.RateLimitRule{localRule()})

	req := model.QuotaRequest{Namespace: "ns", Service: "svc", Acquire: 1, Timeout: 100 * time.Millisecond}
	_, err := m.GetQuota(context.Background(), req)
	require.NoError(t, err)

	key := canonicalWindowKey(localRule(), nil, nil)
	_, ok := m.table.get(key.String())
	require.True(t, ok, "first GetQuota should have created a window reachable by its canonical key")

	_, err = m.GetQuota(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 1, m.table.order.Len(), "second call for the same labels must reuse the existing window, not create another")
}

func TestInitQuotaWindowWarmsUpWithoutAllocating(t *testing.T) {
	m := newLocalManager(t, []model.RateLimitRule{localRule()})

	err := m.InitQuotaWindow(context.Background(), model.QuotaRequest{
		Namespace: "ns", Service: "svc", Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	key := canonicalWindowKey(localRule(), nil, nil)
	w, ok := m.table.get(key.String())
	require.True(t, ok)

	// The local rule's budget is still fully intact: InitQuotaWindow must
	// not have consumed from it.
	for i := 0; i < 3; i++ {
		resp := w.Allocate(1)
		require.Equal(t, model.QuotaResultOk, resp.Code)
	}
}

func TestInitQuotaWindowWithNoMatchingRuleIsNotAnError(t *testing.T) {
	m := newLocalManager(t, nil)

	err := m.InitQuotaWindow(context.Background(), model.QuotaRequest{
		Namespace: "ns", Service: "svc", Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
}

func TestUpdateCallResultOnUnknownWindowDoesNotPanic(t *testing.T) {
	m := newLocalManager(t, []model.RateLimitRule{localRule()})

	require.NotPanics(t, func() {
		m.UpdateCallResult(model.CallResult{
			Namespace: "ns", Service: "svc", Result: model.LimitCallResultOk,
		})
	})
}

func TestFetchRuleReturnsRawJSON(t *testing.T) {
	m := newLocalManager(t, []model.RateLimitRule{localRule()})

	raw, err := m.FetchRule(context.Background(), "ns", "svc", 100*time.Millisecond)
	require.NoError(t, err)
	require.Contains(t, raw, `"RuleID":"r1"`)
}

func TestFetchRuleWithNoServiceDataReturnsResourceNotFound(t *testing.T) {
	m := newLocalManager(t, nil)

	_, err := m.FetchRule(context.Background(), "ns", "svc", 100*time.Millisecond)
	require.ErrorIs(t, err, model.ErrResourceNotFound)
}

func TestFetchRuleLabelKeysCollectsMatcherKeys(t *testing.T) {
	rule := localRule()
	rule.LabelMatchers = []model.Matcher{{Key: "method", Type: model.MatchExact, Value: "POST"}}
	rule.SubsetMatchers = []model.Matcher{{Key: "zone", Type: model.MatchExact, Value: "us"}}
	m := newLocalManager(t, []model.RateLimitRule{rule})

	keys, err := m.FetchRuleLabelKeys(context.Background(), "ns", "svc")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"method", "zone"}, keys)
}

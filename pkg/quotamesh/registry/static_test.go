package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgo/quotamesh/pkg/quotamesh/model"
)

func TestGetServiceDataNotFoundForUnknownService(t *testing.T) {
	t.Parallel()

	r := New()
	data, err := r.GetServiceData(context.Background(), "ns", "svc", time.Second)
	require.NoError(t, err)
	require.False(t, data.Found)
}

func TestGetServiceDataRoundTripsRuleJSON(t *testing.T) {
	t.Parallel()

	r := New()
	r.SetRules("ns", "svc", []model.RateLimitRule{
		{RuleID: "r1", Namespace: "ns", Service: "svc", Priority: 0},
	})

	data, err := r.GetServiceData(context.Background(), "ns", "svc", time.Second)
	require.NoError(t, err)
	require.True(t, data.Found)
	require.Len(t, data.Rules, 1)
	require.Equal(t, "r1", data.Rules[0].RuleID)
	require.Contains(t, data.Rules[0].JSON, `"RuleID":"r1"`)
}

func TestSetRulesReplacesPreviousRevision(t *testing.T) {
	t.Parallel()

	r := New()
	r.SetRules("ns", "svc", []model.RateLimitRule{{RuleID: "r1", Revision: "v1"}})
	r.SetRules("ns", "svc", []model.RateLimitRule{{RuleID: "r1", Revision: "v2"}})

	data, err := r.GetServiceData(context.Background(), "ns", "svc", time.Second)
	require.NoError(t, err)
	require.Len(t, data.Rules, 1)
	require.Contains(t, data.Rules[0].JSON, `"Revision":"v2"`)
}

func TestGetLabelKeysCollectsAcrossLabelAndSubsetMatchers(t *testing.T) {
	t.Parallel()

	r := New()
	r.SetRules("ns", "svc", []model.RateLimitRule{
		{
			RuleID:         "r1",
			LabelMatchers:  []model.Matcher{{Key: "method"}, {Key: "path"}},
			SubsetMatchers: []model.Matcher{{Key: "zone"}},
		},
		{
			RuleID:        "r2",
			LabelMatchers: []model.Matcher{{Key: "method"}},
		},
	})

	keys, err := r.GetLabelKeys(context.Background(), "ns", "svc")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"method", "path", "zone"}, keys)
}

func TestGetLabelKeysForUnknownServiceIsEmpty(t *testing.T) {
	t.Parallel()

	r := New()
	keys, err := r.GetLabelKeys(context.Background(), "ns", "svc")
	require.NoError(t, err)
	require.Empty(t, keys)
}

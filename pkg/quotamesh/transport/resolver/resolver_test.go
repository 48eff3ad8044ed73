package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgo/quotamesh/pkg/quotamesh/transport"
)

func TestSelectInstanceIsStableForFixedMembership(t *testing.T) {
	t.Parallel()

	r := New()
	r.SetInstances("ns", "svc", []transport.Instance{
		{ID: "a", Host: "10.0.0.1", Port: 9000},
		{ID: "b", Host: "10.0.0.2", Port: 9000},
		{ID: "c", Host: "10.0.0.3", Port: 9000},
	})

	first, err := r.SelectInstance(context.Background(), "ns", "svc", "checkout-api#method=POST")
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		again, err := r.SelectInstance(context.Background(), "ns", "svc", "checkout-api#method=POST")
		require.NoError(t, err)
		require.Equal(t, first.ID, again.ID)
	}
}

func TestSelectInstanceErrorsWithNoInstances(t *testing.T) {
	t.Parallel()

	r := New()
	_, err := r.SelectInstance(context.Background(), "ns", "svc", "key")
	require.Error(t, err)
}

func TestReportCallResultExcludesUnhealthyInstance(t *testing.T) {
	t.Parallel()

	r := New()
	instances := []transport.Instance{
		{ID: "a", Host: "10.0.0.1", Port: 9000},
		{ID: "b", Host: "10.0.0.2", Port: 9000},
	}
	r.SetInstances("ns", "svc", instances)

	r.ReportCallResult(instances[0], false)
	r.ReportCallResult(instances[1], false)

	_, err := r.SelectInstance(context.Background(), "ns", "svc", "key")
	require.Error(t, err, "both instances unhealthy should leave nothing to select")

	r.ReportCallResult(instances[0], true)
	inst, err := r.SelectInstance(context.Background(), "ns", "svc", "key")
	require.NoError(t, err)
	require.Equal(t, "a", inst.ID)
}

func TestUnhealthyInstanceReEntersSelectionAfterRecoveryWindow(t *testing.T) {
	t.Parallel()

	r := New()
	r.RecoveryAfter = 50 * time.Millisecond
	only := transport.Instance{ID: "a", Host: "10.0.0.1", Port: 9000}
	r.SetInstances("ns", "svc", []transport.Instance{only})

	r.ReportCallResult(only, false)
	_, err := r.SelectInstance(context.Background(), "ns", "svc", "key")
	require.Error(t, err, "a freshly failed sole instance should be excluded")

	require.Eventually(t, func() bool {
		inst, err := r.SelectInstance(context.Background(), "ns", "svc", "key")
		return err == nil && inst.ID == "a"
	}, time.Second, 10*time.Millisecond, "the instance should re-enter selection after the recovery window")
}

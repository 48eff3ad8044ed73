package bucket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRejectShapingBucketAlwaysAdmits(t *testing.T) {
	t.Parallel()
	b := NewRejectShapingBucket()
	for i := 0; i < 5; i++ {
		res := b.GetQuota(time.Now().UnixMilli())
		require.True(t, res.Allowed)
	}
}

func TestUniformRateShapingBucketPacesAdmission(t *testing.T) {
	t.Parallel()
	// 20 per 2000ms -> one grant every 100ms.
	b := NewUniformRateShapingBucket(20, 2000)
	start := time.Now().UnixMilli()

	admitted := 0
	rejected := 0
	for i := 0; i < 20; i++ {
		res := b.GetQuota(start)
		if res.Allowed {
			admitted++
		} else {
			rejected++
		}
	}
	// Invariant 7: within [N-1, N+1] admitted for a window of length D;
	// here we burst all 20 at t=0 so fewer are admitted immediately and
	// the rest queue within maxQueueingDuration (1s default covers 10
	// of the 100ms slots).
	require.Greater(t, admitted, 0)
	require.Equal(t, 20, admitted+rejected)
}

func TestUniformRateZeroMaxAmountAdmitsAll(t *testing.T) {
	t.Parallel()
	b := NewUniformRateShapingBucket(0, 1000)
	res := b.GetQuota(time.Now().UnixMilli())
	require.True(t, res.Allowed)
}

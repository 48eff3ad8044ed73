// Package bucket implements the two admission primitives a rate-limit
// window composes: TokenBucket (one calendar window's accounting: local
// usage, remote residual, pending-ack quota) and ShapingBucket (reject
// or uniform-rate admission sitting in front of it).
package bucket

import (
	"sync/atomic"
)

// noSpeedup is returned by RefreshToken when the current consumption
// rate does not warrant an earlier-than-scheduled report.
const noSpeedup int64 = -1

// NoSpeedupHint is the sentinel RefreshToken returns when no earlier
// report is warranted.
const NoSpeedupHint int64 = noSpeedup

// TokenBucket accounts one Amount's budget for one calendar-aligned
// window. All mutating operations are lock-free: concurrent callers use
// atomic fetch-and-add and CAS rather than a mutex, so GetToken scales
// across goroutines hammering the same window.
type TokenBucket struct {
	validDurationMs int64
	localMaxAmount  int64 // per-instance fallback budget

	bucketTime        int64 // atomic: wallClock / validDuration currently loaded
	bucketStat        int64 // atomic: local usage counter, authoritative
	pendingBucketTime int64 // atomic: bucket time pendingBucketStat refers to
	pendingBucketStat int64 // atomic: usage captured for the in-flight report

	quotaNeedSync int64 // atomic: accumulated usage since last report
	limitRequest  int64 // atomic: locally-rejected amount since last report

	remoteTotal int64 // atomic: last known remote budget for this window
	remoteLeft  int64 // atomic: remaining remote budget
}

// NewTokenBucket builds a TokenBucket for one Amount. localMaxAmount is
// the per-instance budget used both for LOCAL rules and as the GLOBAL
// fallback while degraded.
func NewTokenBucket(validDurationMs, localMaxAmount int64) *TokenBucket {
	return &TokenBucket{
		validDurationMs: validDurationMs,
		localMaxAmount:  localMaxAmount,
		remoteTotal:     localMaxAmount,
		remoteLeft:      localMaxAmount,
	}
}

// ValidDurationMs returns the Amount's calendar window length.
func (b *TokenBucket) ValidDurationMs() int64 { return b.validDurationMs }

// BucketTimeFor computes the calendar-aligned window index for a given
// wall-clock time, in the unit GetToken expects as expectBucketTime.
func (b *TokenBucket) BucketTimeFor(nowMs int64) int64 {
	return nowMs / b.validDurationMs
}

// resetForNewBucket resets all per-window counters to a fresh budget.
// Only the CAS winner in GetToken calls this.
func (b *TokenBucket) resetForNewBucket() {
	localMax := atomic.LoadInt64(&b.localMaxAmount)
	atomic.StoreInt64(&b.bucketStat, 0)
	atomic.StoreInt64(&b.pendingBucketStat, 0)
	atomic.StoreInt64(&b.quotaNeedSync, 0)
	atomic.StoreInt64(&b.remoteTotal, localMax)
	atomic.StoreInt64(&b.remoteLeft, localMax)
}

// GetToken attempts to acquire amount against this bucket. expectBucketTime
// is the caller's BucketTimeFor(now); useRemote selects whether the
// remote residual (true) or the local max (false) governs admission.
// Returns whether the acquisition succeeded and the resulting left quota.
func (b *TokenBucket) GetToken(amount, expectBucketTime int64, useRemote bool) (allowed bool, left int64) {
	if cur := atomic.LoadInt64(&b.bucketTime); cur != expectBucketTime {
		if atomic.CompareAndSwapInt64(&b.bucketTime, cur, expectBucketTime) {
			b.resetForNewBucket()
		}
		// Lost the CAS: another goroutine already rolled the bucket over.
	}

	used := atomic.AddInt64(&b.bucketStat, amount)

	if useRemote {
		left = atomic.AddInt64(&b.remoteLeft, -amount)
		if left < 0 {
			atomic.AddInt64(&b.limitRequest, amount)
			return false, left
		}
		atomic.AddInt64(&b.quotaNeedSync, amount)
		return true, left
	}

	left = atomic.LoadInt64(&b.localMaxAmount) - used
	if left < 0 {
		return false, left
	}
	return true, left
}

// ReturnToken undoes a prior successful GetToken, used by the window
// when a later bucket in the same Allocate call rejects the request and
// earlier buckets must be rolled back.
func (b *TokenBucket) ReturnToken(amount int64, useRemote bool) {
	atomic.AddInt64(&b.bucketStat, -amount)
	if useRemote {
		atomic.AddInt64(&b.remoteLeft, amount)
		atomic.AddInt64(&b.quotaNeedSync, -amount)
	}
}

// RefreshToken applies a report response: the server's remaining quota
// (remoteLeftFromServer), the ack'd amount this client reported as used
// (ackQuota), whether the server considers this bucket time expired, and
// the elapsed time within the current window (for the speedup estimate).
// Returns a speedup hint in milliseconds, or NoSpeedupHint.
func (b *TokenBucket) RefreshToken(remoteLeftFromServer, ackQuota, currentBucketTime int64, remoteExpired bool, currentTimeInWindowMs int64) int64 {
	oldTotal := atomic.LoadInt64(&b.remoteTotal)
	atomic.StoreInt64(&b.remoteTotal, remoteLeftFromServer)

	if remoteExpired {
		for {
			total := atomic.LoadInt64(&b.remoteTotal)
			if atomic.CompareAndSwapInt64(&b.remoteLeft, atomic.LoadInt64(&b.remoteLeft), total) {
				break
			}
		}
		b.settlePending(ackQuota, currentBucketTime)
		return noSpeedup
	}

	var newLeft int64
	for {
		oldLeft := atomic.LoadInt64(&b.remoteLeft)
		quotaUsedWhileInFlight := oldTotal - oldLeft - ackQuota
		if quotaUsedWhileInFlight < 0 {
			quotaUsedWhileInFlight = 0
		}
		newLeft = remoteLeftFromServer - quotaUsedWhileInFlight
		if atomic.CompareAndSwapInt64(&b.remoteLeft, oldLeft, newLeft) {
			break
		}
	}

	b.settlePending(ackQuota, currentBucketTime)

	if remoteLeftFromServer > 0 {
		used := atomic.LoadInt64(&b.bucketStat)
		if used > 0 && currentTimeInWindowMs > 0 {
			leftTime := newLeft * currentTimeInWindowMs / used
			if leftTime < 80 {
				return leftTime/2 + 1
			}
		}
	}
	return noSpeedup
}

func (b *TokenBucket) settlePending(ackQuota, currentBucketTime int64) {
	if atomic.LoadInt64(&b.pendingBucketTime) == currentBucketTime {
		atomic.AddInt64(&b.pendingBucketStat, -ackQuota)
	} else {
		atomic.StoreInt64(&b.pendingBucketTime, currentBucketTime)
		atomic.StoreInt64(&b.pendingBucketStat, 0)
	}
}

// PreparePendingQuota snapshots and clears the usage accumulated since
// the last report, for inclusion in the next one.
func (b *TokenBucket) PreparePendingQuota(bucketTime int64) QuotaUsage {
	allocated := atomic.SwapInt64(&b.quotaNeedSync, 0)
	rejected := atomic.SwapInt64(&b.limitRequest, 0)

	if atomic.LoadInt64(&b.pendingBucketTime) == bucketTime {
		atomic.AddInt64(&b.pendingBucketStat, allocated)
	} else {
		atomic.StoreInt64(&b.pendingBucketTime, bucketTime)
		atomic.StoreInt64(&b.pendingBucketStat, allocated)
	}

	return QuotaUsage{Allocated: allocated, Rejected: rejected}
}

// QuotaUsage is the {allocated, rejected} pair produced by
// PreparePendingQuota. Defined here rather than imported from model to
// keep this package free of a dependency on the window/model layer;
// callers that need model.QuotaUsage convert at the boundary.
type QuotaUsage struct {
	Allocated int64
	Rejected  int64
}

// GetGlobalMaxAmount returns the last known remote budget for this
// window, falling back to the local max when no remote sync has
// happened yet.
func (b *TokenBucket) GetGlobalMaxAmount() int64 {
	if t := atomic.LoadInt64(&b.remoteTotal); t > 0 {
		return t
	}
	return b.localMaxAmount
}

// UpdateLocalMaxAmount changes the local fallback budget, e.g. after the
// climb adjuster tunes maxAmount.
func (b *TokenBucket) UpdateLocalMaxAmount(amount int64) {
	atomic.StoreInt64(&b.localMaxAmount, amount)
}

// LocalMaxAmount returns the current local fallback budget.
func (b *TokenBucket) LocalMaxAmount() int64 {
	return atomic.LoadInt64(&b.localMaxAmount)
}

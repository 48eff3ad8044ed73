// Package window implements the per-(rule, label-subset) state machine
// that owns a rule's traffic-shaping bucket and token buckets, tracks
// time-sync state against its connection, and accumulates telemetry
// between CollectRecord calls.
package window

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/forgo/quotamesh/pkg/quotamesh/bucket"
	"github.com/forgo/quotamesh/pkg/quotamesh/model"
)

// State is the window's lifecycle stage.
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateSyncing
	StateExpired
	StateDeleted
)

// Adjuster is the hook a climb adjuster installs on a window to observe
// call results and to have its tuned maxAmount applied back onto the
// governing token bucket. Kept as an interface so window has no import
// cycle with package adjuster.
type Adjuster interface {
	RecordResult(result model.CallResult)
	CollectThresholdChanges() []model.ThresholdChange
	// Stop tears down the adjuster's timers and any metric-service
	// enrollment; must be idempotent.
	Stop()
}

type amountBucket struct {
	amount model.Amount
	bucket *bucket.TokenBucket
}

// Window is one rule-plus-labels quota window: the unit the manager
// creates, the connector synchronises, and the adjuster tunes.
type Window struct {
	key  model.RateLimitWindowKey
	rule model.RateLimitRule

	shaping *bucket.ShapingBucket
	// ascending duration order, per spec 4.4 step 4.
	buckets []amountBucket

	state       atomic.Int32
	isDegrade   atomic.Bool
	isLimited   atomic.Bool
	isDeleted   atomic.Bool
	refCount    atomic.Int32
	lastUseMs   atomic.Int64
	connectionID atomic.Value // string

	timeDiffMs   atomic.Int64 // serverTime - wallClock, set by connector on sync
	lastSyncMs   atomic.Int64

	mu                sync.Mutex
	limitRecords      map[int64]*model.LimitRecordCount // keyed by validDuration ms
	trafficShapingRec model.LimitRecordCount
	counterKeys       map[int64]int64 // validDuration ms -> server counterKey

	initOnce   sync.Once
	initSignal chan struct{}
	initDone   atomic.Bool

	adjuster Adjuster
}

// New builds a Window for rule matched against the labels/subset that
// produced key. localMaxAmounts must be parallel to rule.Amounts and
// supplies each Amount's per-instance fallback budget.
func New(key model.RateLimitWindowKey, rule model.RateLimitRule, localMaxAmounts []int64) *Window {
	w := &Window{
		key:          key,
		rule:         rule,
		limitRecords: make(map[int64]*model.LimitRecordCount),
		counterKeys:  make(map[int64]int64),
		initSignal:   make(chan struct{}),
	}
	w.connectionID.Store("")
	w.refCount.Store(1)
	w.lastUseMs.Store(time.Now().UnixMilli())

	amounts := append([]model.Amount(nil), rule.Amounts...)
	localMaxes := make([]int64, len(amounts))
	for i, a := range amounts {
		localMaxes[i] = a.MaxAmount
		if i < len(localMaxAmounts) {
			localMaxes[i] = localMaxAmounts[i]
		}
	}
	// ascending duration order; each local max moves with its Amount
	for i := 1; i < len(amounts); i++ {
		for j := i; j > 0 && amounts[j].ValidDuration < amounts[j-1].ValidDuration; j-- {
			amounts[j], amounts[j-1] = amounts[j-1], amounts[j]
			localMaxes[j], localMaxes[j-1] = localMaxes[j-1], localMaxes[j]
		}
	}
	for i, a := range amounts {
		w.buckets = append(w.buckets, amountBucket{
			amount: a,
			bucket: bucket.NewTokenBucket(a.ValidDuration, localMaxes[i]),
		})
		w.limitRecords[a.ValidDuration] = &model.LimitRecordCount{MaxAmount: a.MaxAmount}
	}

	switch rule.Action {
	case model.ActionUnirate:
		governing := pickUnirateGoverning(amounts)
		w.shaping = bucket.NewUniformRateShapingBucket(governing.MaxAmount, governing.ValidDuration)
	default:
		w.shaping = bucket.NewRejectShapingBucket()
	}

	if rule.Type == model.RuleTypeLocal {
		w.markInit()
	}

	w.state.Store(int32(StateCreated))
	return w
}

// pickUnirateGoverning selects the Amount with the lowest qps (ties
// broken by longest duration), matching spec 4.3.
func pickUnirateGoverning(amounts []model.Amount) model.Amount {
	best := amounts[0]
	bestQps := float64(best.MaxAmount) / float64(best.ValidDuration)
	for _, a := range amounts[1:] {
		qps := float64(a.MaxAmount) / float64(a.ValidDuration)
		if qps < bestQps || (qps == bestQps && a.ValidDuration > best.ValidDuration) {
			best, bestQps = a, qps
		}
	}
	return best
}

// Key returns the window's identity.
func (w *Window) Key() model.RateLimitWindowKey { return w.key }

// Rule returns the rule this window was built from.
func (w *Window) Rule() model.RateLimitRule { return w.rule }

// SetAdjuster installs a climb adjuster hook, built by the quota manager
// when rule.Adjuster.Enable is set.
func (w *Window) SetAdjuster(a Adjuster) { w.adjuster = a }

// AttachConnection records which connection currently owns this window.
// Switching connections invalidates counterKeys: server-assigned keys
// are not portable across sessions.
func (w *Window) AttachConnection(connID string) {
	w.mu.Lock()
	w.counterKeys = make(map[int64]int64)
	w.mu.Unlock()
	w.connectionID.Store(connID)
	w.state.Store(int32(StateConnecting))
}

// ConnectionID returns the id of the connection currently serving this
// window, or "" if none.
func (w *Window) ConnectionID() string {
	if v := w.connectionID.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// SetCounterKey records the server-assigned counter key for one
// duration, learned from an init response.
func (w *Window) SetCounterKey(validDurationMs, counterKey int64) {
	w.mu.Lock()
	w.counterKeys[validDurationMs] = counterKey
	w.mu.Unlock()
}

// CounterKeys returns a snapshot of the duration->counterKey map.
func (w *Window) CounterKeys() map[int64]int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[int64]int64, len(w.counterKeys))
	for k, v := range w.counterKeys {
		out[k] = v
	}
	return out
}

// Buckets exposes the ordered (amount, bucket) pairs for the connector
// and adjuster to drive reporting and tuning.
func (w *Window) Buckets() []struct {
	Amount model.Amount
	Bucket *bucket.TokenBucket
} {
	out := make([]struct {
		Amount model.Amount
		Bucket *bucket.TokenBucket
	}, len(w.buckets))
	for i, ab := range w.buckets {
		out[i] = struct {
			Amount model.Amount
			Bucket *bucket.TokenBucket
		}{ab.amount, ab.bucket}
	}
	return out
}

// ServerTime returns the connector's best estimate of the quota
// server's current time: wallClock + timeDiff.
func (w *Window) ServerTime() int64 {
	return time.Now().UnixMilli() + w.timeDiffMs.Load()
}

// SetTimeDiff is called by the connector after each TimeAdjust sync.
func (w *Window) SetTimeDiff(diffMs int64) {
	w.timeDiffMs.Store(diffMs)
}

// NoteSync records that a sync (init or report) round-tripped
// successfully, for the remote-validity check in Allocate.
func (w *Window) NoteSync() {
	w.lastSyncMs.Store(w.ServerTime())
	w.markInit()
	w.state.Store(int32(StateSyncing))
}

func (w *Window) markInit() {
	w.initOnce.Do(func() {
		w.initDone.Store(true)
		close(w.initSignal)
	})
}

// WaitRemoteInit blocks until the first successful sync (or immediately
// for LOCAL rules) or timeout elapses. Returning false is informational:
// the data plane still permits Allocate to run against fallback state.
func (w *Window) WaitRemoteInit(timeout time.Duration) bool {
	if w.initDone.Load() {
		return true
	}
	select {
	case <-w.initSignal:
		return true
	case <-time.After(timeout):
		return false
	}
}

// minValidDuration is used as the staleness guard in Allocate: remote
// state is considered valid only if we've synced within this window.
func (w *Window) minValidDuration() time.Duration {
	min := w.buckets[0].amount.ValidDuration
	for _, ab := range w.buckets[1:] {
		if ab.amount.ValidDuration < min {
			min = ab.amount.ValidDuration
		}
	}
	return time.Duration(min) * time.Millisecond
}

// Allocate is the hot path: apply traffic shaping, then attempt every
// token bucket in ascending duration order, rolling back on partial
// failure.
func (w *Window) Allocate(acquire int64) model.QuotaResponse {
	w.lastUseMs.Store(time.Now().UnixMilli())

	nowForShaping := time.Now().UnixMilli()
	shapeRes := w.shaping.GetQuota(nowForShaping)
	if !shapeRes.Allowed {
		w.mu.Lock()
		w.trafficShapingRec.LimitCount++
		w.mu.Unlock()
		return model.QuotaResponse{
			Code: model.QuotaResultLimited,
			Info: model.QuotaResultInfo{IsDegrade: w.isDegrade.Load()},
		}
	}

	now := w.ServerTime()
	remoteValid := w.rule.Type == model.RuleTypeGlobal &&
		time.Duration(now-w.lastSyncMs.Load())*time.Millisecond < w.minValidDuration()
	isDegrade := !remoteValid
	w.isDegrade.Store(isDegrade)

	var acquired []int
	for i, ab := range w.buckets {
		allowed, left := ab.bucket.GetToken(acquire, ab.bucket.BucketTimeFor(now), remoteValid)
		if !allowed {
			for _, j := range acquired {
				w.buckets[j].bucket.ReturnToken(acquire, remoteValid)
			}
			w.mu.Lock()
			w.limitRecords[ab.amount.ValidDuration].LimitCount++
			w.mu.Unlock()

			if isDegrade && w.rule.Failover == model.FailoverPass {
				return model.QuotaResponse{
					Code: model.QuotaResultOk,
					Info: model.QuotaResultInfo{
						LeftQuota: left,
						AllQuota:  ab.amount.MaxAmount,
						Duration:  time.Duration(ab.amount.ValidDuration) * time.Millisecond,
						IsDegrade: true,
					},
				}
			}
			return model.QuotaResponse{
				Code: model.QuotaResultLimited,
				Info: model.QuotaResultInfo{
					LeftQuota: left,
					AllQuota:  ab.amount.MaxAmount,
					Duration:  time.Duration(ab.amount.ValidDuration) * time.Millisecond,
					IsDegrade: isDegrade,
				},
			}
		}
		acquired = append(acquired, i)
	}

	w.mu.Lock()
	for _, ab := range w.buckets {
		w.limitRecords[ab.amount.ValidDuration].PassCount++
	}
	w.mu.Unlock()

	code := model.QuotaResultOk
	if shapeRes.WaitFor > 0 {
		// The uniform-rate bucket queued this request behind an earlier
		// grant slot; the caller is expected to delay by WaitMs.
		code = model.QuotaResultWait
	}
	last := w.buckets[len(w.buckets)-1]
	return model.QuotaResponse{
		Code:   code,
		WaitMs: shapeRes.WaitFor.Milliseconds(),
		Info: model.QuotaResultInfo{
			AllQuota:  last.amount.MaxAmount,
			Duration:  time.Duration(last.amount.ValidDuration) * time.Millisecond,
			IsDegrade: isDegrade,
		},
	}
}

// UpdateCallResult feeds a business-call outcome to this window's
// adjuster, if one is attached.
func (w *Window) UpdateCallResult(result model.CallResult) {
	if w.adjuster != nil {
		w.adjuster.RecordResult(result)
	}
}

// CollectRecord atomically exchanges accumulated per-duration counters
// and the traffic-shaping record for zero and returns them, along with
// any threshold changes logged by the adjuster. any is true iff anything
// was non-zero.
func (w *Window) CollectRecord() (perDuration map[int64]model.LimitRecordCount, shaping model.LimitRecordCount, thresholdChanges []model.ThresholdChange, any bool) {
	w.mu.Lock()
	perDuration = make(map[int64]model.LimitRecordCount, len(w.limitRecords))
	for d, rec := range w.limitRecords {
		perDuration[d] = *rec
		if rec.PassCount != 0 || rec.LimitCount != 0 {
			any = true
		}
		rec.PassCount = 0
		rec.LimitCount = 0
	}
	shaping = w.trafficShapingRec
	if shaping.LimitCount != 0 {
		any = true
	}
	w.trafficShapingRec = model.LimitRecordCount{}
	w.mu.Unlock()

	if w.adjuster != nil {
		thresholdChanges = w.adjuster.CollectThresholdChanges()
		if len(thresholdChanges) > 0 {
			any = true
		}
	}
	return perDuration, shaping, thresholdChanges, any
}

// ExpireTimeoutMs computes the window's idle expiry per spec 3:
// clamp(maxDuration*3, 10s, 60s), with LOCAL rules using the raw max
// duration instead of the 60s ceiling.
func (w *Window) ExpireTimeoutMs() int64 {
	maxDur := w.buckets[0].amount.ValidDuration
	for _, ab := range w.buckets[1:] {
		if ab.amount.ValidDuration > maxDur {
			maxDur = ab.amount.ValidDuration
		}
	}
	if w.rule.Type == model.RuleTypeLocal {
		return maxDur
	}
	timeout := maxDur * 3
	if timeout < 10_000 {
		timeout = 10_000
	}
	if timeout > 60_000 {
		timeout = 60_000
	}
	return timeout
}

// IsExpired reports whether the window has been idle past its expiry
// timeout. Expiry is a soft state: Allocate keeps working in fallback.
func (w *Window) IsExpired(nowMs int64) bool {
	return nowMs-w.lastUseMs.Load() > w.ExpireTimeoutMs()
}

// MakeDeleted marks the window deleted. Idempotent: calling it twice is
// a no-op (invariant 6). The window remains live until its refcount
// reaches zero; callers holding a reference may keep calling Allocate
// against it even after this flag flips, though the manager removes it
// from the lookup table immediately.
func (w *Window) MakeDeleted() {
	if w.isDeleted.CompareAndSwap(false, true) {
		w.state.Store(int32(StateDeleted))
		if w.adjuster != nil {
			w.adjuster.Stop()
		}
	}
}

// IsDeleted reports whether MakeDeleted has been called.
func (w *Window) IsDeleted() bool { return w.isDeleted.Load() }

// AddRef increments the window's reference count. Returns the new count.
func (w *Window) AddRef() int32 { return w.refCount.Add(1) }

// Release decrements the reference count. Returns the new count; zero
// means the window's resources may be reclaimed.
func (w *Window) Release() int32 { return w.refCount.Add(-1) }

// State returns the window's current lifecycle stage.
func (w *Window) State() State { return State(w.state.Load()) }

// IsDegrade reports whether the most recent Allocate ran against local
// fallback state rather than fresh remote quota.
func (w *Window) IsDegrade() bool { return w.isDegrade.Load() }

// SetLimited records that a report response carried a non-positive left
// quota for some counter (spec.md 4.5): the connector calls this rather
// than the window inferring it from Allocate outcomes.
func (w *Window) SetLimited(limited bool) { w.isLimited.Store(limited) }

// IsLimited reports whether the most recent report response indicated
// the remote budget is exhausted.
func (w *Window) IsLimited() bool { return w.isLimited.Load() }

package quota

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/forgo/quotamesh/pkg/quotamesh/adjuster"
	"github.com/forgo/quotamesh/pkg/quotamesh/config"
	"github.com/forgo/quotamesh/pkg/quotamesh/connector"
	"github.com/forgo/quotamesh/pkg/quotamesh/model"
	"github.com/forgo/quotamesh/pkg/quotamesh/reactor"
	"github.com/forgo/quotamesh/pkg/quotamesh/recorder"
	"github.com/forgo/quotamesh/pkg/quotamesh/transport"
	"github.com/forgo/quotamesh/pkg/quotamesh/window"
)

// expireSweepInterval and recordCollectInterval drive the manager's two
// reactor-owned housekeeping tasks: evicting idle windows (spec.md
// section 3) and draining telemetry into the Recorder.
const (
	expireSweepInterval   = 10 * time.Second
	recordCollectInterval = 10 * time.Second
)

// QuotaManager is the rate-limit core's entry point: it resolves an
// application's (namespace, service, labels, subset) against the
// LocalRegistry's rules, owns the table of live windows those rules
// produce, and is the only component applications call directly.
type QuotaManager struct {
	reactor    *reactor.Reactor
	registry   transport.LocalRegistry
	connector  *connector.Connector        // nil when cfg.Mode is "local"
	metricConn *adjuster.MetricConnector   // nil when no metric client is wired
	cfg        *config.Config
	logger     *slog.Logger
	recorder   *recorder.Recorder

	table *windowTable

	// windowInitLock serialises the double-checked create path in
	// ensureWindow so two goroutines racing to create the same window
	// don't both win (spec.md 4.7).
	windowInitLock sync.Mutex
}

// New builds a QuotaManager. r must not have had Run called yet, or must
// already be running; New only ever calls r.AddTimer/r.Submit, both of
// which are safe before or after Run. resolver, streamClient and
// metricClient are ignored in local mode; a nil metricClient leaves
// climb adjusters judging from their local rings only.
func New(r *reactor.Reactor, registry transport.LocalRegistry, resolver transport.ServiceResolver, streamClient transport.StreamClient, metricClient transport.MetricClient, cfg *config.Config, sink recorder.Sink, logger *slog.Logger) *QuotaManager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &QuotaManager{
		reactor:  r,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		recorder: recorder.New(sink),
		table:    newWindowTable(cfg.LRUSize),
	}
	if cfg.Enable && !cfg.IsLocalOnly() {
		m.connector = connector.New(r, resolver, streamClient, cfg.ClusterNamespace, cfg.ClusterService, cfg.MessageTimeout, logger)
		if metricClient != nil {
			m.metricConn = adjuster.NewMetricConnector(r, resolver, metricClient, cfg.ClusterNamespace, config.MetricService, cfg.MessageTimeout, logger)
		}
	}
	r.AddTimer(m.clearExpiredWindows, expireSweepInterval, true)
	r.AddTimer(m.collectRecords, recordCollectInterval, true)
	return m
}

// GetQuota is the hot path: match req against the service's rules, create
// or reuse that rule's window, and allocate. A service with no matching
// rule (or no rule data at all) is treated as unlimited rather than an
// error — a rate limiter that cannot reach its rule source must fail
// open, never closed. model.ErrTimeout is returned only when ctx's
// deadline crosses before Allocate runs; WaitRemoteInit exhausting on its
// own still lets Allocate decide via the rule's degrade/failover policy.
func (m *QuotaManager) GetQuota(ctx context.Context, req model.QuotaRequest) (model.QuotaResponse, error) {
	if !m.cfg.Enable {
		return model.QuotaResponse{Code: model.QuotaResultOk}, nil
	}

	w, _, err := m.ensureWindow(ctx, req.Namespace, req.Service, req.Labels, req.Subset, req.Timeout)
	if err != nil {
		if errors.Is(err, model.ErrResourceNotFound) || errors.Is(err, model.ErrServiceNotFound) {
			return model.QuotaResponse{Code: model.QuotaResultOk}, nil
		}
		return model.QuotaResponse{}, err
	}
	defer w.Release()

	w.WaitRemoteInit(req.Timeout)
	if ctx.Err() != nil {
		return model.QuotaResponse{}, model.ErrTimeout
	}
	return w.Allocate(req.Acquire), nil
}

// InitQuotaWindow eagerly creates and syncs a window ahead of the first
// GetQuota call, so request-path latency doesn't pay for the first
// remote init. Returns nil both when warm-up succeeds and when no rule
// matches; it reports an error only when the registry itself could not
// be reached.
func (m *QuotaManager) InitQuotaWindow(ctx context.Context, req model.QuotaRequest) error {
	if !m.cfg.Enable {
		return nil
	}
	w, _, err := m.ensureWindow(ctx, req.Namespace, req.Service, req.Labels, req.Subset, req.Timeout)
	if err != nil {
		if errors.Is(err, model.ErrResourceNotFound) || errors.Is(err, model.ErrServiceNotFound) {
			return nil
		}
		return err
	}
	defer w.Release()
	w.WaitRemoteInit(req.Timeout)
	return nil
}

// UpdateCallResult feeds a business-call outcome to the climb adjuster
// attached to the window that matches result's labels, if one exists and
// has an adjuster enabled. A result for a window that was never
// allocated against (model.ErrNotInit's case) is silently dropped: there
// is nothing tuned yet to record it against.
func (m *QuotaManager) UpdateCallResult(result model.CallResult) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.MessageTimeout)
	defer cancel()

	data, err := m.registry.GetServiceData(ctx, result.Namespace, result.Service, m.cfg.MessageTimeout)
	if err != nil || !data.Found {
		return
	}
	rules := decodeRules(data.Rules, m.logger)
	rule, ok := matchRule(rules, result.Labels, result.Subset)
	if !ok {
		return
	}
	key := canonicalWindowKey(rule, result.Labels, result.Subset)
	w, ok := m.table.get(key.String())
	if !ok {
		return
	}
	w.UpdateCallResult(result)
}

// FetchRule proxies to the LocalRegistry, returning the raw JSON of the
// highest-priority rule currently held for (namespace, service).
func (m *QuotaManager) FetchRule(ctx context.Context, namespace, service string, timeout time.Duration) (string, error) {
	data, err := m.registry.GetServiceData(ctx, namespace, service, timeout)
	if err != nil {
		return "", err
	}
	if !data.Found || len(data.Rules) == 0 {
		return "", model.ErrResourceNotFound
	}
	best, bestPriority := -1, 0
	for i, r := range data.Rules {
		var rule model.RateLimitRule
		if err := json.Unmarshal([]byte(r.JSON), &rule); err != nil {
			continue
		}
		if best < 0 || rule.Priority < bestPriority {
			best, bestPriority = i, rule.Priority
		}
	}
	if best < 0 {
		best = 0
	}
	return data.Rules[best].JSON, nil
}

// FetchRuleLabelKeys proxies to the LocalRegistry, returning the label
// keys its rules for (namespace, service) currently match on.
func (m *QuotaManager) FetchRuleLabelKeys(ctx context.Context, namespace, service string) ([]string, error) {
	return m.registry.GetLabelKeys(ctx, namespace, service)
}

// ensureWindow resolves req's rule and returns its window, creating one
// if needed. The fast path only takes the read lock inside windowTable;
// the slow (create) path is guarded by windowInitLock so concurrent
// callers racing to create the same window converge on one winner.
func (m *QuotaManager) ensureWindow(ctx context.Context, namespace, service string, labels, subset map[string]string, timeout time.Duration) (*window.Window, model.RateLimitRule, error) {
	data, err := m.registry.GetServiceData(ctx, namespace, service, timeout)
	if err != nil {
		return nil, model.RateLimitRule{}, err
	}
	if !data.Found {
		return nil, model.RateLimitRule{}, model.ErrServiceNotFound
	}

	rules := decodeRules(data.Rules, m.logger)
	rule, ok := matchRule(rules, labels, subset)
	if !ok {
		return nil, model.RateLimitRule{}, model.ErrResourceNotFound
	}

	key := canonicalWindowKey(rule, labels, subset)
	keyStr := key.String()

	if w, ok := m.table.get(keyStr); ok && w.Rule().Revision == rule.Revision && !w.IsDeleted() {
		w.AddRef()
		return w, rule, nil
	}

	m.windowInitLock.Lock()
	defer m.windowInitLock.Unlock()

	if w, ok := m.table.get(keyStr); ok && w.Rule().Revision == rule.Revision && !w.IsDeleted() {
		w.AddRef()
		return w, rule, nil
	}

	w := m.newWindow(key, rule)
	if evicted := m.table.put(keyStr, w); evicted != nil {
		evicted.MakeDeleted()
	}
	w.AddRef()
	return w, rule, nil
}

// newWindow builds a Window for rule, attaches a climb adjuster if the
// rule asks for one, and, for GLOBAL rules, kicks off its first sync on
// the reactor goroutine.
func (m *QuotaManager) newWindow(key model.RateLimitWindowKey, rule model.RateLimitRule) *window.Window {
	w := window.New(key, rule, localMaxAmounts(rule))

	if rule.Adjuster != nil && rule.Adjuster.Enable {
		m.attachAdjuster(w)
	}

	if rule.Type == model.RuleTypeGlobal && m.connector != nil {
		conn := m.connector
		m.reactor.Submit(func() { conn.SyncTask(w) })
	}
	return w
}

// localMaxAmounts computes each Amount's per-instance fallback budget.
// SHARE_EQUALLY rules already carry a pre-divided per-instance maxAmount,
// usable directly as the local fallback. GLOBAL_TOTAL rules are meant to
// divide by the resolver's live instance count for that metric, but
// ServiceResolver does not expose instance-set size (see DESIGN.md); the
// rule's own maxAmount is used as the local fallback for those too, same
// as a single-instance deployment would see, which only affects Allocate
// decisions made while the remote state is stale.
func localMaxAmounts(rule model.RateLimitRule) []int64 {
	out := make([]int64, len(rule.Amounts))
	for i, a := range rule.Amounts {
		out[i] = a.MaxAmount
	}
	return out
}

// attachAdjuster picks the rule's governing Amount (same rule pickUnirateGoverning
// uses when building the traffic-shaping bucket: lowest qps, ties broken
// by longest duration) and tunes that Amount's token bucket.
func (m *QuotaManager) attachAdjuster(w *window.Window) {
	buckets := w.Buckets()
	if len(buckets) == 0 {
		return
	}
	governing := buckets[0]
	bestQps := float64(governing.Amount.MaxAmount) / float64(governing.Amount.ValidDuration)
	for _, ab := range buckets[1:] {
		qps := float64(ab.Amount.MaxAmount) / float64(ab.Amount.ValidDuration)
		if qps < bestQps || (qps == bestQps && ab.Amount.ValidDuration > governing.Amount.ValidDuration) {
			governing, bestQps = ab, qps
		}
	}

	bounds := adjuster.Bounds{
		MinAmount:   governing.Amount.MinAmount,
		StartAmount: governing.Amount.StartAmount,
		EndAmount:   governing.Amount.EndAmount,
	}
	a := adjuster.New(m.reactor, adjuster.DefaultMetricConfig(), defaultTriggerPolicy(), adjuster.DefaultThrottling(), bounds, governing.Bucket, governing.Amount.ValidDuration)
	w.SetAdjuster(a)

	if m.metricConn != nil {
		rule := w.Rule()
		key := w.Key()
		m.metricConn.Register(a, transport.MetricKey{
			Namespace: rule.Namespace,
			Service:   rule.Service,
			Subset:    key.CanonicalSubset,
			Labels:    key.CanonicalLabels,
			Role:      "callee",
		})
	}
}

// defaultTriggerPolicy is the health-check policy every climb-enabled
// rule uses: model.ClimbConfig only carries the enable flag, the
// thresholds themselves are not yet part of the rule's wire shape (see
// DESIGN.md's open-question note on adjuster.TriggerPolicy).
func defaultTriggerPolicy() adjuster.TriggerPolicy {
	return adjuster.TriggerPolicy{
		SlowRate:  adjuster.SlowRatePolicy{Enable: true, MaxRtMs: 1000, SlowRatePercent: 50},
		ErrorRate: adjuster.ErrorRatePolicy{Enable: true, RequestVolumeThreshold: 10, ErrorRatePercent: 50},
	}
}

// clearExpiredWindows runs on the reactor goroutine every
// expireSweepInterval, removing idle windows from the table per
// spec.md section 3. MakeDeleted is idempotent and safe even if a
// caller is mid-Allocate against the window when this runs.
func (m *QuotaManager) clearExpiredWindows() {
	now := time.Now().UnixMilli()
	for _, w := range m.table.snapshot() {
		if w.IsExpired(now) {
			m.table.remove(w.Key().String())
			w.MakeDeleted()
		}
	}
}

// collectRecords runs on the reactor goroutine every
// recordCollectInterval, draining every live window's telemetry into the
// Recorder.
func (m *QuotaManager) collectRecords() {
	for _, w := range m.table.snapshot() {
		rule := w.Rule()
		m.recorder.Collect(rule.Namespace, rule.Service, rule.RuleID, w)
	}
}

// decodeRules parses the LocalRegistry's wire-format rules, skipping
// (and logging) any that fail to decode rather than failing the whole
// lookup for one bad revision.
func decodeRules(raw []transport.RuleJSON, logger *slog.Logger) []model.RateLimitRule {
	rules := make([]model.RateLimitRule, 0, len(raw))
	for _, r := range raw {
		var rule model.RateLimitRule
		if err := json.Unmarshal([]byte(r.JSON), &rule); err != nil {
			if logger != nil {
				logger.Warn("quotamesh: skipping malformed rule", "rule_id", r.RuleID, "error", err)
			}
			continue
		}
		rules = append(rules, rule)
	}
	return rules
}

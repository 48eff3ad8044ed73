// Package model holds the data types shared across the rate-limit core:
// rules, amounts, matchers, window keys and call-result records. None of
// these types carry behaviour beyond canonicalisation — the state
// machines live in bucket, window, connector and adjuster.
package model

import (
	"fmt"
	"sort"
	"strings"
)

// RuleType distinguishes a rule enforced purely from local accounting
// from one backed by a remote quota cluster.
type RuleType int

const (
	RuleTypeLocal RuleType = iota
	RuleTypeGlobal
)

func (t RuleType) String() string {
	if t == RuleTypeLocal {
		return "LOCAL"
	}
	return "GLOBAL"
}

// AmountMode decides whether maxAmount is the total budget for the rule
// across all instances (GLOBAL_TOTAL) or a pre-divided per-instance share
// (SHARE_EQUALLY).
type AmountMode int

const (
	AmountModeGlobalTotal AmountMode = iota
	AmountModeShareEqually
)

// Action decides what the traffic-shaping bucket does in front of the
// token bucket: reject immediately or queue admissions at a uniform rate.
type Action int

const (
	ActionReject Action = iota
	ActionUnirate
)

// FailoverType decides what GetQuota returns when the remote state is
// stale: PASS admits everything, LOCAL falls back to the local budget.
type FailoverType int

const (
	FailoverLocal FailoverType = iota
	FailoverPass
)

// MatchType is the kind of comparison a label or subset matcher performs.
// Regex, Variable and Parameter matchers are all canonicalised to a
// stable string when building a RateLimitWindowKey, so that two requests
// carrying the same concrete label value land in the same window
// regardless of which matcher kind the rule used to accept it.
type MatchType int

const (
	MatchExact MatchType = iota
	MatchRegex
	MatchVariable
	MatchParameter
)

func (m MatchType) String() string {
	switch m {
	case MatchExact:
		return "exact"
	case MatchRegex:
		return "regex"
	case MatchVariable:
		return "variable"
	case MatchParameter:
		return "parameter"
	default:
		return "unknown"
	}
}

// Matcher pairs a key with the way it accepted a concrete value (or
// expression, for regex matchers) from a rule.
type Matcher struct {
	Key   string
	Type  MatchType
	Value string
}

// Amount is one of a rule's (maxAmount, validDuration) budgets. All
// Amounts on a rule must pass simultaneously for an Allocate to succeed.
type Amount struct {
	MaxAmount    int64
	ValidDuration int64 // milliseconds; calendar-aligned window length, >= 1000
	Precision    int64
	StartAmount  int64 // soft floor used by the climb adjuster
	EndAmount    int64 // hard ceiling used by the climb adjuster
	MinAmount    int64 // hard floor used by the climb adjuster
}

// ReportConfig controls how often a window reports usage back to the
// quota cluster.
type ReportConfig struct {
	IntervalMs int64
	Batch      bool
}

// ClimbConfig is the subset of adjuster tuning policy carried on the
// rule. The adjuster package owns the full policy shape; this is what
// travels with the rule definition.
type ClimbConfig struct {
	Enable bool
}

// RateLimitRule is immutable once loaded from the LocalRegistry. A rule
// is identified by (Namespace, Service, RuleID, Revision); a new revision
// is a distinct rule object, never a mutation of an existing one.
type RateLimitRule struct {
	Namespace string
	Service   string
	RuleID    string
	Revision  string

	Priority     int
	Resource     string // "QPS"
	Type         RuleType
	AmountMode   AmountMode
	Action       Action
	LabelMatchers  []Matcher
	SubsetMatchers []Matcher
	Amounts      []Amount
	Report       ReportConfig
	Adjuster     *ClimbConfig
	Failover     FailoverType
	ClusterNamespace string
	ClusterService   string
	Disable      bool
}

// RateLimitWindowKey uniquely identifies a quota window: a rule plus the
// canonical rendering of the concrete labels and subset that matched it.
type RateLimitWindowKey struct {
	RuleID          string
	CanonicalLabels string
	CanonicalSubset string
}

func (k RateLimitWindowKey) String() string {
	return k.RuleID + "|" + k.CanonicalLabels + "|" + k.CanonicalSubset
}

// CanonicalizeLabels renders a concrete label set matched against a
// rule's matchers into a stable string: sorted by key so map iteration
// order never affects the result, and independent of whether the
// matcher that accepted each value was exact, regex, variable or
// parameter.
func CanonicalizeLabels(values map[string]string) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(values[k])
	}
	return b.String()
}

// MetricID is the string used both as the consistent-hash key for quota
// server selection and as the window's identifier inside that server.
func MetricID(service, canonicalLabels string) string {
	return fmt.Sprintf("%s#%s", service, canonicalLabels)
}

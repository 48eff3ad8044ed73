package quota

import (
	"regexp"
	"sync"

	"github.com/forgo/quotamesh/pkg/quotamesh/model"
)

// regexCache holds compiled matcher patterns so GetQuota's hot path
// never recompiles a regex: patterns come from loaded rules, so the
// cache's cardinality is bounded by the rule set, not by traffic. A
// pattern that fails to compile is cached as a nil entry and never
// matches.
var regexCache sync.Map // pattern string -> *regexp.Regexp (nil = invalid)

func compiledRegex(pattern string) *regexp.Regexp {
	if v, ok := regexCache.Load(pattern); ok {
		re, _ := v.(*regexp.Regexp)
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		re = nil
	}
	regexCache.Store(pattern, re)
	return re
}

// matchRule finds the highest-priority non-disabled rule in rules whose
// subset and label matchers all accept the concrete values given.
// Matchers of kind variable/parameter accept any non-empty value for
// their key (the canonical window key still distinguishes instances by
// value; see model.CanonicalizeLabels).
func matchRule(rules []model.RateLimitRule, labels, subset map[string]string) (model.RateLimitRule, bool) {
	var best *model.RateLimitRule
	for i := range rules {
		r := &rules[i]
		if r.Disable {
			continue
		}
		if !matchAll(r.LabelMatchers, labels) || !matchAll(r.SubsetMatchers, subset) {
			continue
		}
		if best == nil || r.Priority < best.Priority {
			best = r
		}
	}
	if best == nil {
		return model.RateLimitRule{}, false
	}
	return *best, true
}

func matchAll(matchers []model.Matcher, values map[string]string) bool {
	for _, m := range matchers {
		v, ok := values[m.Key]
		if !ok {
			return false
		}
		if !matchOne(m, v) {
			return false
		}
	}
	return true
}

func matchOne(m model.Matcher, value string) bool {
	switch m.Type {
	case model.MatchExact:
		return value == m.Value
	case model.MatchRegex:
		re := compiledRegex(m.Value)
		if re == nil {
			return false
		}
		return re.MatchString(value)
	case model.MatchVariable, model.MatchParameter:
		return value != ""
	default:
		return false
	}
}

// canonicalWindowKey builds a RateLimitWindowKey for rule matched
// against the concrete labels/subset of one request, per spec.md 3's
// matcher canonicalisation note: the concrete values are canonicalised
// regardless of which matcher kind accepted them, so two requests with
// the same concrete labels share a window even under a regex or
// parameter matcher.
func canonicalWindowKey(rule model.RateLimitRule, labels, subset map[string]string) model.RateLimitWindowKey {
	matchedLabels := projectMatched(rule.LabelMatchers, labels)
	matchedSubset := projectMatched(rule.SubsetMatchers, subset)
	return model.RateLimitWindowKey{
		RuleID:          rule.RuleID,
		CanonicalLabels: model.CanonicalizeLabels(matchedLabels),
		CanonicalSubset: model.CanonicalizeLabels(matchedSubset),
	}
}

func projectMatched(matchers []model.Matcher, values map[string]string) map[string]string {
	out := make(map[string]string, len(matchers))
	for _, m := range matchers {
		if v, ok := values[m.Key]; ok {
			out[m.Key] = v
		}
	}
	return out
}

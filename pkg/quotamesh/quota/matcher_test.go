package quota

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgo/quotamesh/pkg/quotamesh/model"
)

func TestMatchRulePicksHighestPriority(t *testing.T) {
	t.Parallel()

	low := model.RateLimitRule{RuleID: "low", Priority: 10}
	high := model.RateLimitRule{RuleID: "high", Priority: 0}

	rule, ok := matchRule([]model.RateLimitRule{low, high}, nil, nil)
	require.True(t, ok)
	require.Equal(t, "high", rule.RuleID)
}

func TestMatchRuleSkipsDisabled(t *testing.T) {
	t.Parallel()

	disabled := model.RateLimitRule{RuleID: "disabled", Priority: 0, Disable: true}
	enabled := model.RateLimitRule{RuleID: "enabled", Priority: 10}

	rule, ok := matchRule([]model.RateLimitRule{disabled, enabled}, nil, nil)
	require.True(t, ok)
	require.Equal(t, "enabled", rule.RuleID)
}

func TestMatchRuleRequiresAllMatchersToAccept(t *testing.T) {
	t.Parallel()

	rule := model.RateLimitRule{
		RuleID: "scoped",
		LabelMatchers: []model.Matcher{
			{Key: "method", Type: model.MatchExact, Value: "POST"},
			{Key: "path", Type: model.MatchRegex, Value: "^/v1/.*"},
		},
	}

	_, ok := matchRule([]model.RateLimitRule{rule}, map[string]string{"method": "POST", "path": "/v2/other"}, nil)
	require.False(t, ok, "regex matcher on path should reject a non-matching value")

	matched, ok := matchRule([]model.RateLimitRule{rule}, map[string]string{"method": "POST", "path": "/v1/checkout"}, nil)
	require.True(t, ok)
	require.Equal(t, "scoped", matched.RuleID)
}

func TestRegexMatcherInvalidPatternNeverMatches(t *testing.T) {
	t.Parallel()

	rule := model.RateLimitRule{
		RuleID:        "broken",
		LabelMatchers: []model.Matcher{{Key: "path", Type: model.MatchRegex, Value: "(["}},
	}

	// Twice, so the second evaluation exercises the cached invalid entry
	// rather than a fresh compile failure.
	for i := 0; i < 2; i++ {
		_, ok := matchRule([]model.RateLimitRule{rule}, map[string]string{"path": "/v1/x"}, nil)
		require.False(t, ok, "an uncompilable pattern must never match")
	}
}

func TestMatchRuleVariableMatcherAcceptsAnyNonEmptyValue(t *testing.T) {
	t.Parallel()

	rule := model.RateLimitRule{
		RuleID: "by-tenant",
		LabelMatchers: []model.Matcher{
			{Key: "tenant", Type: model.MatchVariable},
		},
	}

	_, ok := matchRule([]model.RateLimitRule{rule}, map[string]string{"tenant": ""}, nil)
	require.False(t, ok)

	_, ok = matchRule([]model.RateLimitRule{rule}, map[string]string{"tenant": "acme"}, nil)
	require.True(t, ok)
}

func TestCanonicalWindowKeyIsStableRegardlessOfMatcherKind(t *testing.T) {
	t.Parallel()

	exactRule := model.RateLimitRule{
		RuleID:        "r1",
		LabelMatchers: []model.Matcher{{Key: "tenant", Type: model.MatchExact, Value: "acme"}},
	}
	variableRule := model.RateLimitRule{
		RuleID:        "r1",
		LabelMatchers: []model.Matcher{{Key: "tenant", Type: model.MatchVariable}},
	}

	k1 := canonicalWindowKey(exactRule, map[string]string{"tenant": "acme"}, nil)
	k2 := canonicalWindowKey(variableRule, map[string]string{"tenant": "acme"}, nil)

	require.Equal(t, k1.String(), k2.String())
}

func TestCanonicalWindowKeyOnlyProjectsMatchedKeys(t *testing.T) {
	t.Parallel()

	rule := model.RateLimitRule{
		RuleID:        "r1",
		LabelMatchers: []model.Matcher{{Key: "tenant", Type: model.MatchExact, Value: "acme"}},
	}

	key := canonicalWindowKey(rule, map[string]string{"tenant": "acme", "extra": "ignored"}, nil)
	require.Equal(t, "tenant=acme", key.CanonicalLabels)
}

// Package registry is a reference transport.LocalRegistry: an in-memory
// rule table a host application (or the demo binary) seeds directly,
// standing in for the control-plane-fed registry spec.md declares out of
// the rate-limit core's scope. Grounded on the teacher's repository
// layer's read-only lookup shape (internal/repository), adapted from
// SurrealDB queries to a plain guarded map since there is no database
// here to query.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/forgo/quotamesh/pkg/quotamesh/model"
	"github.com/forgo/quotamesh/pkg/quotamesh/transport"
)

type serviceKey struct {
	namespace string
	service   string
}

// StaticRegistry holds a fixed set of rule revisions per service, set by
// SetRules. It never blocks: GetServiceData returns immediately with
// whatever is currently loaded, since this reference implementation has
// no asynchronous control-plane fetch to wait on.
type StaticRegistry struct {
	mu    sync.RWMutex
	rules map[serviceKey][]model.RateLimitRule
}

// New builds an empty StaticRegistry.
func New() *StaticRegistry {
	return &StaticRegistry{rules: make(map[serviceKey][]model.RateLimitRule)}
}

// SetRules replaces the rule set for (namespace, service). Passing a nil
// or empty slice makes later lookups behave as ServiceNotFound.
func (s *StaticRegistry) SetRules(namespace, service string, rules []model.RateLimitRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[serviceKey{namespace, service}] = append([]model.RateLimitRule(nil), rules...)
}

// GetServiceData implements transport.LocalRegistry.
func (s *StaticRegistry) GetServiceData(ctx context.Context, namespace, service string, timeout time.Duration) (transport.RuleData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rules, ok := s.rules[serviceKey{namespace, service}]
	if !ok || len(rules) == 0 {
		return transport.RuleData{Found: false}, nil
	}

	out := make([]transport.RuleJSON, 0, len(rules))
	for _, r := range rules {
		body, err := json.Marshal(r)
		if err != nil {
			return transport.RuleData{}, fmt.Errorf("registry: marshal rule %s: %w", r.RuleID, err)
		}
		out = append(out, transport.RuleJSON{RuleID: r.RuleID, JSON: string(body)})
	}
	return transport.RuleData{Found: true, Rules: out}, nil
}

// GetLabelKeys implements transport.LocalRegistry, collecting every label
// and subset matcher key across the service's loaded rules.
func (s *StaticRegistry) GetLabelKeys(ctx context.Context, namespace, service string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, r := range s.rules[serviceKey{namespace, service}] {
		for _, m := range r.LabelMatchers {
			seen[m.Key] = struct{}{}
		}
		for _, m := range r.SubsetMatchers {
			seen[m.Key] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	return keys, nil
}

var _ transport.LocalRegistry = (*StaticRegistry)(nil)

// Package resolver provides a reference transport.ServiceResolver built
// on rendezvous (highest-random-weight) hashing, satisfying spec.md
// section 8 property 5: for a fixed cluster membership and a fixed
// metric id, every client selects the same server. Grounded on
// dgryski/go-rendezvous, the library referenced by the pack's
// songzhibin97-stargate token-bucket manifest.
package resolver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	rendezvous "github.com/dgryski/go-rendezvous"

	"github.com/forgo/quotamesh/pkg/quotamesh/transport"
)

// defaultRecoveryAfter is how long a failure report keeps an instance
// out of selection before it becomes eligible again.
const defaultRecoveryAfter = 30 * time.Second

// clusterKey identifies one cluster's member list by namespace+service,
// since one resolver instance serves every cluster a client talks to.
type clusterKey struct {
	namespace string
	service   string
}

// Resolver is a reference transport.ServiceResolver: a static, hand- or
// discovery-fed instance list per cluster, converging every caller on
// the same instance for a given hash key via rendezvous hashing. Health
// state is tracked from ReportCallResult and excluded from selection,
// standing in for the health-checking collaborator spec.md declares out
// of the rate-limit core's scope. Exclusion is half-open: a failed
// instance re-enters selection after RecoveryAfter, so a single-instance
// cluster can come back without an external health checker clearing it.
type Resolver struct {
	// RecoveryAfter is how long a failure report excludes an instance
	// from selection. Set before first use; New defaults it to 30s.
	RecoveryAfter time.Duration

	mu        sync.RWMutex
	instances map[clusterKey][]transport.Instance
	unhealthy map[string]time.Time // instance id -> when it was reported failed
}

// New builds an empty Resolver. Use SetInstances to seed or update a
// cluster's member list, e.g. from a real discovery collaborator.
func New() *Resolver {
	return &Resolver{
		RecoveryAfter: defaultRecoveryAfter,
		instances:     make(map[clusterKey][]transport.Instance),
		unhealthy:     make(map[string]time.Time),
	}
}

// SetInstances replaces the member list for (namespace, service). Every
// instance starts healthy.
func (r *Resolver) SetInstances(namespace, service string, instances []transport.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[clusterKey{namespace, service}] = append([]transport.Instance(nil), instances...)
}

func hashString(s string) uint64 {
	return xxhash.Sum64String(s)
}

// SelectInstance picks the instance for hashKey within (namespace,
// service) by rendezvous hash over currently-healthy instances, so
// membership changes relocate only the keys that hashed to a removed
// node.
func (r *Resolver) SelectInstance(ctx context.Context, namespace, service, hashKey string) (transport.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.instances[clusterKey{namespace, service}]
	now := time.Now()
	var nodeIDs []string
	byID := make(map[string]transport.Instance, len(all))
	for _, inst := range all {
		if failedAt, ok := r.unhealthy[inst.ID]; ok && now.Sub(failedAt) < r.RecoveryAfter {
			continue
		}
		nodeIDs = append(nodeIDs, inst.ID)
		byID[inst.ID] = inst
	}
	if len(nodeIDs) == 0 {
		return transport.Instance{}, fmt.Errorf("resolver: no healthy instance for %s/%s", namespace, service)
	}

	hrw := rendezvous.New(nodeIDs, hashString)
	picked := hrw.Lookup(hashKey)
	return byID[picked], nil
}

// ReportCallResult circuit-breaks an instance that answered with a
// server error out of the selection ring, per spec.md section 7; a
// subsequent success clears it immediately, and absent one the instance
// re-enters selection after RecoveryAfter.
func (r *Resolver) ReportCallResult(instance transport.Instance, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if success {
		delete(r.unhealthy, instance.ID)
		return
	}
	r.unhealthy[instance.ID] = time.Now()
}

var _ transport.ServiceResolver = (*Resolver)(nil)

package scheduler

import "github.com/atvirokodosprendimai/knitgrid/internal/db"

// Scheduler selects nodes for service instances using one Strategy.
type Scheduler struct {
	strategy Strategy
}

// NewScheduler returns a Scheduler using strategy.
func NewScheduler(strategy Strategy) *Scheduler {
	return &Scheduler{strategy: strategy}
}

// SelectNode returns the node for instance index of svc, or nil. Nodes
// excluded by the service's affinity rules are never candidates.
func (s *Scheduler) SelectNode(svc *db.GridService, index int, nodes []db.HostNode) *db.HostNode {
	return s.strategy.Select(svc, index, FilterNodes(svc, nodes))
}

// CanSchedule reports whether every instance of svc has some applicable
// node. Each index is evaluated on its own against the same inputs.
// This is a best-effort check, not a reservation.
func (s *Scheduler) CanSchedule(svc *db.GridService, nodes []db.HostNode) bool {
	for i := 0; i < svc.InstanceCount; i++ {
		if s.SelectNode(svc, i, nodes) == nil {
			return false
		}
	}
	return true
}

// Package scheduler picks the host node for each instance of a service.
package scheduler

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/atvirokodosprendimai/knitgrid/internal/db"
)

// Strategy names accepted by New.
const (
	StrategyHighAvailability = "ha"
	StrategyRandom           = "random"

	DefaultStrategy = StrategyHighAvailability
)

// ErrUnknownStrategy is returned by New for unregistered names.
var ErrUnknownStrategy = errors.New("unknown scheduling strategy")

// A Strategy chooses a node for instance index (0-based) of svc among
// nodes, or returns nil if none is applicable.
//
// Strategies read svc.Instances (with HostNode loaded) and each node's
// InstanceCount. They must not modify their arguments.
type Strategy interface {
	Select(svc *db.GridService, index int, nodes []db.HostNode) *db.HostNode
}

var strategies = map[string]func() Strategy{
	StrategyHighAvailability: func() Strategy { return &HighAvailability{} },
	StrategyRandom:           func() Strategy { return &Random{} },
}

// New returns a fresh strategy for name. An empty name selects
// DefaultStrategy.
func New(name string) (Strategy, error) {
	if name == "" {
		name = DefaultStrategy
	}
	newfn, ok := strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownStrategy, name)
	}
	return newfn(), nil
}

// Names returns the registered strategy names, sorted.
func Names() []string {
	names := make([]string, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// stickyNode returns the node currently running instance index of a
// stateful service, so its data volumes stay where they are.
func stickyNode(svc *db.GridService, index int) *db.HostNode {
	if !svc.Stateful {
		return nil
	}
	if inst := findInstance(svc, index); inst != nil && inst.HostNode != nil {
		node := *inst.HostNode
		return &node
	}
	return nil
}

func findInstance(svc *db.GridService, index int) *db.ServiceInstance {
	for i := range svc.Instances {
		if svc.Instances[i].InstanceNumber == index+1 {
			return &svc.Instances[i]
		}
	}
	return nil
}

// Random places stateless instances uniformly at random.
type Random struct {
	// Intn overrides the random source (for tests).
	Intn func(n int) int
}

// Select keeps a stateful instance on the node it already runs on.
// Otherwise it picks a node uniformly at random, or nil if nodes is
// empty.
func (r *Random) Select(svc *db.GridService, index int, nodes []db.HostNode) *db.HostNode {
	if node := stickyNode(svc, index); node != nil {
		return node
	}
	if len(nodes) == 0 {
		return nil
	}
	intn := rand.IntN
	if r.Intn != nil {
		intn = r.Intn
	}
	node := nodes[intn(len(nodes))]
	return &node
}

// HighAvailability spreads the instances of a service so that no node
// runs more of them than necessary. Ties go to the node with the fewest
// instances overall, then to the lowest NodeID.
//
// The instance being (re)placed is not counted against the node it is
// currently on, so a balanced service keeps its placement on redeploy.
type HighAvailability struct{}

// Select keeps a stateful instance on the node it already runs on.
// Otherwise it picks the best node by the ordering above, or nil if
// nodes is empty.
func (ha *HighAvailability) Select(svc *db.GridService, index int, nodes []db.HostNode) *db.HostNode {
	if node := stickyNode(svc, index); node != nil {
		return node
	}
	if len(nodes) == 0 {
		return nil
	}

	same := map[uint]int{}
	replacing := map[uint]bool{}
	for _, inst := range svc.Instances {
		if inst.InstanceNumber == index+1 {
			replacing[inst.HostNodeID] = true
			continue
		}
		if inst.InstanceNumber > svc.InstanceCount {
			// Removed by the stale sweep once the rollout finishes.
			continue
		}
		same[inst.HostNodeID]++
	}
	type candidate struct {
		node  db.HostNode
		same  int
		total int
	}
	candidates := make([]candidate, 0, len(nodes))
	for _, node := range nodes {
		total := node.InstanceCount
		if replacing[node.ID] && total > 0 {
			total--
		}
		candidates = append(candidates, candidate{node: node, same: same[node.ID], total: total})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.same != b.same {
			return a.same < b.same
		}
		if a.total != b.total {
			return a.total < b.total
		}
		return strings.Compare(a.node.NodeID, b.node.NodeID) < 0
	})
	node := candidates[0].node
	return &node
}

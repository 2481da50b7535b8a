// Package router selects which node should run a job. It sits on top
// of the registry's capability/group/tag indexes and adds load-balancing
// policy on top of the candidate set the registry returns.
package router

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/orbitmesh/orbitmesh/host/internal/registry"
	"github.com/orbitmesh/orbitmesh/shared/domain"
)

// Policy is a load-balancing strategy applied to the candidate set.
type Policy string

const (
	RoundRobin      Policy = "round_robin"
	LeastConnections Policy = "least_connections"
	Random          Policy = "random"
	Weighted        Policy = "weighted"
)

// Request describes the placement constraints for one dispatch attempt.
type Request struct {
	RequiredCapabilities []string
	PreferredAgentID     string
	TargetGroup          string
	RequiredTags         []string
	ExcludedAgentIDs     map[string]struct{}
}

// RunningCounter reports how many jobs a node currently holds (Assigned,
// Acknowledged or Running), used
// by the LeastConnections policy. The job manager implements this.
type RunningCounter interface {
	RunningCount(agentID string) int
}

// Router picks one candidate node per dispatch attempt.
type Router struct {
	registry *registry.Registry
	counter  RunningCounter
	policy   Policy

	mu          sync.Mutex
	roundRobinN int
	rng         *rand.Rand
}

// New creates a Router. counter may be nil if policy is never LeastConnections.
func New(reg *registry.Registry, counter RunningCounter, policy Policy) *Router {
	if policy == "" {
		policy = RoundRobin
	}
	return &Router{registry: reg, counter: counter, policy: policy, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Select picks a node for one dispatch attempt, returning the chosen
// node's AgentInfo, or false if no candidate is available.
func (r *Router) Select(req Request) (domain.AgentInfo, bool) {
	if req.PreferredAgentID != "" {
		if info, ok := r.registry.Get(req.PreferredAgentID); ok {
			if (info.Status == domain.AgentReady || info.Status == domain.AgentRunning) && info.HasCapabilities(req.RequiredCapabilities) {
				return info, true
			}
		}
	}

	candidates := r.registry.Lookup(registry.LookupFilter{
		Group:                req.TargetGroup,
		RequiredCapabilities: req.RequiredCapabilities,
		RequiredTags:         req.RequiredTags,
		ExcludedAgentIDs:     req.ExcludedAgentIDs,
	})
	if len(candidates) == 0 {
		return domain.AgentInfo{}, false
	}

	return r.pick(candidates), true
}

func (r *Router) pick(candidates []domain.AgentInfo) domain.AgentInfo {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	switch r.policy {
	case LeastConnections:
		best := candidates[0]
		bestCount := r.runningCount(best.ID)
		for _, c := range candidates[1:] {
			count := r.runningCount(c.ID)
			if count < bestCount || (count == bestCount && c.ID < best.ID) {
				best = c
				bestCount = count
			}
		}
		return best
	case Random:
		return candidates[r.intn(len(candidates))]
	case Weighted:
		return r.pickWeighted(candidates)
	default: // RoundRobin
		r.mu.Lock()
		idx := r.roundRobinN % len(candidates)
		r.roundRobinN++
		r.mu.Unlock()
		return candidates[idx]
	}
}

// intn serialises access to the shared rand source; rand.Rand is not safe
// for concurrent use and Select may be called from many dispatch goroutines.
func (r *Router) intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Intn(n)
}

func (r *Router) runningCount(agentID string) int {
	if r.counter == nil {
		return 0
	}
	return r.counter.RunningCount(agentID)
}

// pickWeighted reads an integer "weight" metadata key (default 1) and picks
// proportionally; ties broken by smallest NodeId for determinism.
func (r *Router) pickWeighted(candidates []domain.AgentInfo) domain.AgentInfo {
	total := 0
	weights := make([]int, len(candidates))
	for i, c := range candidates {
		w := weightOf(c)
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return candidates[0]
	}
	roll := r.intn(total)
	for i, w := range weights {
		if roll < w {
			return candidates[i]
		}
		roll -= w
	}
	return candidates[len(candidates)-1]
}

func weightOf(info domain.AgentInfo) int {
	v, ok := info.Metadata["weight"]
	if !ok {
		return 1
	}
	n := 0
	for _, ch := range v {
		if ch < '0' || ch > '9' {
			return 1
		}
		n = n*10 + int(ch-'0')
	}
	if n <= 0 {
		return 1
	}
	return n
}

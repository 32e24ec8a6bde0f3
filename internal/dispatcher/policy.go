package dispatcher

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/orkestra/internal/model"
)

// Candidate is an agent eligible for a task together with the number of
// tasks it currently holds.
type Candidate struct {
	Agent  *model.Agent
	Active int
}

// Policy picks one agent out of a non-empty candidate set. Candidates are
// always passed sorted by agent id.
type Policy interface {
	Name() string
	Pick(task *model.Task, candidates []Candidate) Candidate
}

// PolicyByName returns the policy registered under name. seed only
// affects the random policy; zero seeds from the clock.
func PolicyByName(name string, seed int64) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "least-loaded":
		return LeastLoaded{}, nil
	case "least-utilized":
		return LeastUtilized{}, nil
	case "round-robin":
		return &RoundRobin{}, nil
	case "capability-score":
		return CapabilityScore{}, nil
	case "random":
		return NewRandom(seed), nil
	}
	return nil, fmt.Errorf("unknown dispatch policy %q", name)
}

// LeastLoaded prefers the candidate holding the fewest tasks and breaks
// ties by agent id.
type LeastLoaded struct{}

func (LeastLoaded) Name() string { return "least-loaded" }

func (LeastLoaded) Pick(_ *model.Task, cs []Candidate) Candidate {
	best := cs[0]
	for _, c := range cs[1:] {
		if lessLoaded(c, best) {
			best = c
		}
	}
	return best
}

func lessLoaded(a, b Candidate) bool {
	if a.Active != b.Active {
		return a.Active < b.Active
	}
	return a.Agent.ID < b.Agent.ID
}

// LeastUtilized prefers the candidate with the lowest share of its slots
// in use, so large agents absorb more work. Ties go to the lower id.
type LeastUtilized struct{}

func (LeastUtilized) Name() string { return "least-utilized" }

func (LeastUtilized) Pick(_ *model.Task, cs []Candidate) Candidate {
	best := cs[0]
	for _, c := range cs[1:] {
		if lessUtilized(c, best) {
			best = c
		}
	}
	return best
}

func lessUtilized(a, b Candidate) bool {
	// a.Active/a.Max < b.Active/b.Max without floats.
	ua := a.Active * b.Agent.Config.MaxConcurrentTasks
	ub := b.Active * a.Agent.Config.MaxConcurrentTasks
	if ua != ub {
		return ua < ub
	}
	return a.Agent.ID < b.Agent.ID
}

// RoundRobin walks agents in id order, resuming after the last pick.
type RoundRobin struct {
	mu   sync.Mutex
	last string
}

func (*RoundRobin) Name() string { return "round-robin" }

func (r *RoundRobin) Pick(_ *model.Task, cs []Candidate) Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()

	pick := cs[0]
	for _, c := range cs {
		if c.Agent.ID > r.last {
			pick = c
			break
		}
	}
	r.last = pick.Agent.ID
	return pick
}

// CapabilityScore prefers the tightest fit: the agent with the fewest
// capabilities beyond what the task needs, so specialists are kept free.
// Load and then id break ties.
type CapabilityScore struct{}

func (CapabilityScore) Name() string { return "capability-score" }

func (CapabilityScore) Pick(t *model.Task, cs []Candidate) Candidate {
	best, bestScore := cs[0], surplus(cs[0].Agent, t)
	for _, c := range cs[1:] {
		score := surplus(c.Agent, t)
		if score < bestScore || (score == bestScore && lessLoaded(c, best)) {
			best, bestScore = c, score
		}
	}
	return best
}

func surplus(a *model.Agent, t *model.Task) int {
	n := 0
	for _, c := range a.EffectiveCapabilities() {
		if !slices.Contains(t.Requirements.Capabilities, c) {
			n++
		}
	}
	return n
}

// Random picks uniformly. A fixed seed makes the sequence reproducible.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandom(seed int64) *Random {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Random{rng: rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>1))}
}

func (*Random) Name() string { return "random" }

func (r *Random) Pick(_ *model.Task, cs []Candidate) Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cs[r.rng.IntN(len(cs))]
}

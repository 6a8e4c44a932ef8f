// Package agents defines the Agent contract the orchestrator dispatches to
// and ships the reference onboarding agents.
package agents

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/onboardly/control-plane/pkg/models"
)

// Agent is one specialized onboarding worker. Process must honor ctx
// cancellation and return a structured result; a returned error is treated
// as an agent_failure by the caller.
type Agent interface {
	ID() string
	Process(ctx context.Context, req *models.AgentRequest) (models.AgentResult, error)
}

// Func adapts a plain function to the Agent interface.
type Func struct {
	AgentID string
	Fn      func(ctx context.Context, req *models.AgentRequest) (models.AgentResult, error)
}

func (f Func) ID() string { return f.AgentID }

func (f Func) Process(ctx context.Context, req *models.AgentRequest) (models.AgentResult, error) {
	return f.Fn(ctx, req)
}

// ── Registry ────────────────────────────────────────────────

// Registry maps agent ids to implementations.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates a registry holding the given agents.
func NewRegistry(agents ...Agent) *Registry {
	r := &Registry{agents: make(map[string]Agent, len(agents))}
	for _, a := range agents {
		r.Register(a)
	}
	return r
}

// Defaults returns a registry with every reference agent.
func Defaults() *Registry {
	return NewRegistry(
		NewDataCollectionAgent(),
		NewConfirmationAgent(),
		NewDocumentationAgent(),
		NewITProvisioningAgent(),
		NewContractManagementAgent(),
		NewMeetingCoordinationAgent(),
	)
}

// Register adds or replaces an agent.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.ID()] = a
}

// Get returns the agent with id.
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %q not registered", id)
	}
	return a, nil
}

// IDs lists registered agent ids in name order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ── Fault injection ─────────────────────────────────────────

// Faulty wraps an agent so that its next N invocations fail with a fixed
// category. It is used by tests and demos to drive the escalation chain.
type Faulty struct {
	Agent
	mu        sync.Mutex
	remaining int
	category  models.ErrorCategory
	message   string
	calls     int
}

// FailFirst returns a wrapper failing the first n calls. n < 0 fails forever.
func FailFirst(a Agent, n int, category models.ErrorCategory, msg string) *Faulty {
	return &Faulty{Agent: a, remaining: n, category: category, message: msg}
}

// FailNext arms the wrapper to fail the next n calls.
func (f *Faulty) FailNext(n int) {
	f.mu.Lock()
	f.remaining = n
	f.mu.Unlock()
}

// Calls returns how many times Process ran.
func (f *Faulty) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Faulty) Process(ctx context.Context, req *models.AgentRequest) (models.AgentResult, error) {
	f.mu.Lock()
	f.calls++
	fail := f.remaining != 0
	if f.remaining > 0 {
		f.remaining--
	}
	f.mu.Unlock()

	if fail {
		return models.NewFailureResult(f.ID(), f.category, f.message), nil
	}
	return f.Agent.Process(ctx, req)
}

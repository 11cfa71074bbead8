package graph

import (
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrVariableNotFound is returned when a variable id is not in the graph.
// Components refreshing cached state treat it as a silent skip.
var ErrVariableNotFound = errors.New("variable not found in graph")

// Graph is the optimizer contract consumed by the sensor models.
type Graph interface {
	// Update applies a transaction atomically. A nil transaction is a no op.
	Update(tx *Transaction) error
	// Variable returns a read only copy of a variable, or
	// ErrVariableNotFound.
	Variable(id uuid.UUID) (*Variable, error)
	// Variables returns read only copies of all variables in insertion
	// order.
	Variables() []*Variable
	// Constraints returns all committed constraints in insertion order.
	Constraints() []Constraint
}

// Update is the notification emitted after each optimization round. The
// carried variables are read only snapshots.
type Update struct {
	Seq   uint64
	Stamp time.Time
	vars  map[uuid.UUID]*Variable
}

// Variable returns the snapshot of id. Callers must not mutate the result.
func (u Update) Variable(id uuid.UUID) (*Variable, bool) {
	v, ok := u.vars[id]
	return v, ok
}

// Has reports whether the snapshot carries id.
func (u Update) Has(id uuid.UUID) bool {
	_, ok := u.vars[id]
	return ok
}

// Len returns the number of variables in the snapshot.
func (u Update) Len() int {
	return len(u.vars)
}

// MemoryGraph is an in memory Graph with a Levenberg Marquardt solver.
// All methods are safe for concurrent use; Optimize holds the graph lock
// for the duration of a solve.
type MemoryGraph struct {
	mu          sync.Mutex
	vars        map[uuid.UUID]*Variable
	varOrder    []uuid.UUID
	constraints map[uuid.UUID]Constraint
	conOrder    []uuid.UUID
	seq         uint64
	subs        []chan Update
	logger      golog.Logger
	opts        SolverOptions
}

// NewMemoryGraph returns an empty graph.
func NewMemoryGraph(logger golog.Logger) *MemoryGraph {
	return &MemoryGraph{
		vars:        map[uuid.UUID]*Variable{},
		constraints: map[uuid.UUID]Constraint{},
		logger:      logger,
		opts:        DefaultSolverOptions(),
	}
}

// SetSolverOptions overrides the solver bounds.
func (g *MemoryGraph) SetSolverOptions(opts SolverOptions) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.opts = opts
}

// Update implements Graph.
func (g *MemoryGraph) Update(tx *Transaction) error {
	if tx.Empty() {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, v := range tx.Variables() {
		if _, exists := g.vars[v.ID()]; exists && !tx.overrideVariables {
			continue
		}
		if _, exists := g.vars[v.ID()]; !exists {
			g.varOrder = append(g.varOrder, v.ID())
		}
		g.vars[v.ID()] = v.Clone()
	}
	for _, c := range tx.Constraints() {
		if _, exists := g.constraints[c.ID()]; exists && !tx.overrideConstraints {
			continue
		}
		if _, exists := g.constraints[c.ID()]; !exists {
			g.conOrder = append(g.conOrder, c.ID())
		}
		g.constraints[c.ID()] = c
	}
	return nil
}

// Variable implements Graph.
func (g *MemoryGraph) Variable(id uuid.UUID) (*Variable, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.vars[id]
	if !ok {
		return nil, ErrVariableNotFound
	}
	return v.Clone(), nil
}

// Variables implements Graph.
func (g *MemoryGraph) Variables() []*Variable {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Variable, 0, len(g.varOrder))
	for _, id := range g.varOrder {
		out = append(out, g.vars[id].Clone())
	}
	return out
}

// Constraints implements Graph.
func (g *MemoryGraph) Constraints() []Constraint {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Constraint, 0, len(g.conOrder))
	for _, id := range g.conOrder {
		out = append(out, g.constraints[id])
	}
	return out
}

// VariableCount returns the number of stored variables.
func (g *MemoryGraph) VariableCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.vars)
}

// ConstraintCount returns the number of stored constraints.
func (g *MemoryGraph) ConstraintCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conOrder)
}

// Subscribe registers for update notifications emitted after optimization
// rounds and marginalization. Slow subscribers drop updates.
func (g *MemoryGraph) Subscribe() <-chan Update {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch := make(chan Update, 8)
	g.subs = append(g.subs, ch)
	return ch
}

// Snapshot returns the current graph state as an update event.
func (g *MemoryGraph) Snapshot() Update {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked()
}

func (g *MemoryGraph) snapshotLocked() Update {
	vars := make(map[uuid.UUID]*Variable, len(g.vars))
	for id, v := range g.vars {
		vars[id] = v.Clone()
	}
	return Update{Seq: g.seq, Stamp: time.Now(), vars: vars}
}

func (g *MemoryGraph) notifyLocked() {
	g.seq++
	update := g.snapshotLocked()
	for _, ch := range g.subs {
		select {
		case ch <- update:
		default:
			g.logger.Warnw("graph subscriber lagging, dropping update", "seq", update.Seq)
		}
	}
}

// MarginalizeBefore removes all stamped variables older than stamp, every
// constraint touching them, and landmarks left without any constraint. The
// removal is announced to subscribers.
func (g *MemoryGraph) MarginalizeBefore(stamp time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := map[uuid.UUID]bool{}
	for id, v := range g.vars {
		if !v.Stamp().IsZero() && v.Stamp().Before(stamp) {
			removed[id] = true
		}
	}
	if len(removed) == 0 {
		return 0
	}
	g.removeConstraintsReferencing(removed)

	// landmarks with no remaining constraints go too
	referenced := map[uuid.UUID]bool{}
	for _, id := range g.conOrder {
		for _, vid := range g.constraints[id].Variables() {
			referenced[vid] = true
		}
	}
	for id, v := range g.vars {
		if v.Kind() == TypeLandmark && !referenced[id] {
			removed[id] = true
		}
	}

	g.dropVariables(removed)
	g.notifyLocked()
	return len(removed)
}

func (g *MemoryGraph) removeConstraintsReferencing(removed map[uuid.UUID]bool) {
	keptOrder := g.conOrder[:0]
	for _, id := range g.conOrder {
		touches := false
		for _, vid := range g.constraints[id].Variables() {
			if removed[vid] {
				touches = true
				break
			}
		}
		if touches {
			delete(g.constraints, id)
			continue
		}
		keptOrder = append(keptOrder, id)
	}
	g.conOrder = keptOrder
}

func (g *MemoryGraph) dropVariables(removed map[uuid.UUID]bool) {
	keptVars := g.varOrder[:0]
	for _, id := range g.varOrder {
		if removed[id] {
			delete(g.vars, id)
			continue
		}
		keptVars = append(keptVars, id)
	}
	g.varOrder = keptVars
}

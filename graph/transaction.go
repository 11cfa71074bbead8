package graph

import (
	"time"
)

// Transaction is an atomic bundle of variable and constraint additions
// produced by a sensor model and applied to the graph as one unit. The
// override flags control replace on duplicate semantics; sensor models keep
// them enabled for their own variables.
type Transaction struct {
	stamp               time.Time
	involved            []time.Time
	variables           []*Variable
	constraints         []Constraint
	priors              int
	overrideVariables   bool
	overrideConstraints bool
}

// NewTransaction returns an empty transaction stamped with the triggering
// keyframe time. Overrides default to enabled.
func NewTransaction(stamp time.Time) *Transaction {
	return &Transaction{
		stamp:               stamp,
		overrideVariables:   true,
		overrideConstraints: true,
	}
}

// SetOverrides configures replace on duplicate behavior for variables and
// constraints.
func (t *Transaction) SetOverrides(variables, constraints bool) {
	t.overrideVariables = variables
	t.overrideConstraints = constraints
}

// Stamp returns the transaction stamp.
func (t *Transaction) Stamp() time.Time { return t.stamp }

// AddInvolvedStamp records a keyframe time touched by this transaction so
// the optimizer can window correctly.
func (t *Transaction) AddInvolvedStamp(stamp time.Time) {
	for _, s := range t.involved {
		if s.Equal(stamp) {
			return
		}
	}
	t.involved = append(t.involved, stamp)
}

// InvolvedStamps returns the recorded keyframe times.
func (t *Transaction) InvolvedStamps() []time.Time {
	out := make([]time.Time, len(t.involved))
	copy(out, t.involved)
	return out
}

// AddVariable appends a variable addition.
func (t *Transaction) AddVariable(v *Variable) {
	t.variables = append(t.variables, v)
	if !v.Stamp().IsZero() {
		t.AddInvolvedStamp(v.Stamp())
	}
}

// AddConstraint appends a constraint addition.
func (t *Transaction) AddConstraint(c Constraint) {
	t.constraints = append(t.constraints, c)
}

// AddPrior appends a prior; priors are constraints anchoring a single
// stamp and are tracked so callers can distinguish them.
func (t *Transaction) AddPrior(c Constraint) {
	t.constraints = append(t.constraints, c)
	t.priors++
}

// Variables returns the added variables.
func (t *Transaction) Variables() []*Variable { return t.variables }

// Constraints returns the added constraints, priors included.
func (t *Transaction) Constraints() []Constraint { return t.constraints }

// PriorCount returns how many of the constraints were added as priors.
func (t *Transaction) PriorCount() int { return t.priors }

// Empty reports whether the transaction carries no additions.
func (t *Transaction) Empty() bool {
	return t == nil || (len(t.variables) == 0 && len(t.constraints) == 0)
}

// OrNil collapses an empty transaction to nil, the "none" representation
// that is never submitted.
func (t *Transaction) OrNil() *Transaction {
	if t.Empty() {
		return nil
	}
	return t
}

// Merge appends the contents of other into t. Involved stamps are unioned;
// override flags are left unchanged.
func (t *Transaction) Merge(other *Transaction) {
	if other.Empty() {
		return
	}
	for _, v := range other.variables {
		t.AddVariable(v)
	}
	t.constraints = append(t.constraints, other.constraints...)
	t.priors += other.priors
	for _, s := range other.involved {
		t.AddInvolvedStamp(s)
	}
}

package graph

import (
	"context"
	"math"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
)

// SolverOptions bounds a Levenberg Marquardt solve.
type SolverOptions struct {
	MaxIterations int
	InitialLambda float64
	StepTolerance float64
	CostTolerance float64
	MaxLambda     float64
}

// DefaultSolverOptions returns the solver bounds used when none are set.
func DefaultSolverOptions() SolverOptions {
	return SolverOptions{
		MaxIterations: 100,
		InitialLambda: 1e-6,
		StepTolerance: 1e-12,
		CostTolerance: 1e-12,
		MaxLambda:     1e12,
	}
}

// OptimizeInfo summarizes an optimization round.
type OptimizeInfo struct {
	Iterations  int
	InitialCost float64
	FinalCost   float64
	Converged   bool
}

type solverEntry struct {
	constraint Constraint
	vars       []*Variable
	offsets    []int
	tdims      []int
}

// Optimize runs Levenberg Marquardt over all constraints until convergence,
// iteration bound, or context deadline, then notifies subscribers. A
// constraint referencing a missing variable is skipped with a warning.
func (g *MemoryGraph) Optimize(ctx context.Context) (OptimizeInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entries, dim := g.buildProblemLocked()
	info := OptimizeInfo{}
	if len(entries) == 0 || dim == 0 {
		g.notifyLocked()
		return info, nil
	}

	cost, err := totalCost(entries)
	if err != nil {
		return info, err
	}
	info.InitialCost = cost
	info.FinalCost = cost

	lambda := g.opts.InitialLambda
	for iter := 0; iter < g.opts.MaxIterations; iter++ {
		if ctx.Err() != nil {
			g.logger.Debugw("optimization stopped by context", "iterations", iter)
			break
		}
		info.Iterations = iter + 1

		hess, grad, err := assembleNormalEquations(entries, dim)
		if err != nil {
			return info, err
		}

		var step []float64
		for {
			step = solveDamped(hess, grad, lambda, dim)
			if step != nil {
				break
			}
			lambda *= 10
			if lambda > g.opts.MaxLambda {
				g.notifyLocked()
				return info, nil
			}
		}

		maxStep := 0.0
		for _, s := range step {
			if a := math.Abs(s); a > maxStep {
				maxStep = a
			}
		}

		snapshot := saveValues(entries)
		applyStep(entries, step)
		newCost, err := totalCost(entries)
		if err != nil || newCost >= cost {
			restoreValues(snapshot)
			lambda *= 10
			if lambda > g.opts.MaxLambda {
				break
			}
			continue
		}

		decrease := cost - newCost
		cost = newCost
		info.FinalCost = cost
		lambda = math.Max(lambda/3, 1e-12)

		if maxStep < g.opts.StepTolerance || decrease < g.opts.CostTolerance*math.Max(cost, 1) {
			info.Converged = true
			break
		}
	}

	g.notifyLocked()
	return info, nil
}

// buildProblemLocked indexes the variables referenced by constraints and
// assigns tangent space offsets.
func (g *MemoryGraph) buildProblemLocked() ([]solverEntry, int) {
	offsets := map[uuid.UUID]int{}
	dim := 0
	entries := make([]solverEntry, 0, len(g.conOrder))

	for _, cid := range g.conOrder {
		c := g.constraints[cid]
		ids := c.Variables()
		vars := make([]*Variable, len(ids))
		missing := false
		for i, id := range ids {
			v, ok := g.vars[id]
			if !ok {
				missing = true
				break
			}
			vars[i] = v
		}
		if missing {
			g.logger.Warnw("constraint references missing variable, skipping", "source", c.Source())
			continue
		}
		entry := solverEntry{constraint: c, vars: vars, offsets: make([]int, len(vars)), tdims: make([]int, len(vars))}
		for i, v := range vars {
			off, seen := offsets[v.ID()]
			if !seen {
				off = dim
				offsets[v.ID()] = off
				dim += v.TangentDim()
			}
			entry.offsets[i] = off
			entry.tdims[i] = v.TangentDim()
		}
		entries = append(entries, entry)
	}
	return entries, dim
}

func totalCost(entries []solverEntry) (float64, error) {
	cost := 0.0
	for _, e := range entries {
		r, err := e.constraint.Residual(e.vars, nil)
		if err != nil {
			return 0, err
		}
		sq := 0.0
		for _, v := range r {
			sq += v * v
		}
		if loss := e.constraint.Loss(); loss != nil {
			w := loss.Weight(sq)
			sq *= w * w
		}
		cost += 0.5 * sq
	}
	return cost, nil
}

func assembleNormalEquations(entries []solverEntry, dim int) (*mat.Dense, []float64, error) {
	hess := mat.NewDense(dim, dim, nil)
	grad := make([]float64, dim)

	for _, e := range entries {
		jac := make([]*mat.Dense, len(e.vars))
		r, err := e.constraint.Residual(e.vars, jac)
		if err != nil {
			return nil, nil, err
		}
		w := 1.0
		if loss := e.constraint.Loss(); loss != nil {
			sq := 0.0
			for _, v := range r {
				sq += v * v
			}
			w = loss.Weight(sq)
		}
		if w != 1.0 {
			for i := range r {
				r[i] *= w
			}
			for _, j := range jac {
				j.Scale(w, j)
			}
		}

		rv := mat.NewVecDense(len(r), r)
		for a := range e.vars {
			ja := jac[a]
			offA := e.offsets[a]
			dimA := e.tdims[a]

			ga := mat.NewVecDense(dimA, nil)
			ga.MulVec(ja.T(), rv)
			for i := 0; i < dimA; i++ {
				grad[offA+i] += ga.AtVec(i)
			}

			for b := range e.vars {
				jb := jac[b]
				offB := e.offsets[b]
				dimB := e.tdims[b]
				var block mat.Dense
				block.Mul(ja.T(), jb)
				for i := 0; i < dimA; i++ {
					for j := 0; j < dimB; j++ {
						hess.Set(offA+i, offB+j, hess.At(offA+i, offB+j)+block.At(i, j))
					}
				}
			}
		}
	}
	return hess, grad, nil
}

// solveDamped solves (H + lambda diag(H)) step = -grad, returning nil when
// the damped system is not positive definite.
func solveDamped(hess *mat.Dense, grad []float64, lambda float64, dim int) []float64 {
	damped := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			v := (hess.At(i, j) + hess.At(j, i)) / 2
			if i == j {
				d := hess.At(i, i)
				if d <= 0 {
					d = 1
				}
				v += lambda * d
			}
			damped.SetSym(i, j, v)
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(damped) {
		return nil
	}
	neg := mat.NewVecDense(dim, nil)
	for i := 0; i < dim; i++ {
		neg.SetVec(i, -grad[i])
	}
	step := mat.NewVecDense(dim, nil)
	if err := chol.SolveVecTo(step, neg); err != nil {
		return nil
	}
	out := make([]float64, dim)
	for i := 0; i < dim; i++ {
		out[i] = step.AtVec(i)
	}
	return out
}

func saveValues(entries []solverEntry) map[*Variable][]float64 {
	saved := map[*Variable][]float64{}
	for _, e := range entries {
		for _, v := range e.vars {
			if _, ok := saved[v]; !ok {
				vals := make([]float64, len(v.values))
				copy(vals, v.values)
				saved[v] = vals
			}
		}
	}
	return saved
}

func restoreValues(saved map[*Variable][]float64) {
	for v, vals := range saved {
		copy(v.values, vals)
	}
}

func applyStep(entries []solverEntry, step []float64) {
	applied := map[*Variable]bool{}
	for _, e := range entries {
		for i, v := range e.vars {
			if applied[v] {
				continue
			}
			applied[v] = true
			off := e.offsets[i]
			v.BoxPlus(step[off : off+v.TangentDim()])
		}
	}
}

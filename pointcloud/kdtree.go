package pointcloud

import (
	"sort"

	"github.com/golang/geo/r3"
)

// KDTree is a static three dimensional k-d tree over the points of a Cloud.
type KDTree struct {
	cloud *Cloud
	// nodes[i] holds the point index at tree slot i; the tree is stored
	// implicitly with children of slot i at 2i+1 and 2i+2 over index ranges.
	indices []int
}

type kdRange struct {
	lo, hi int // half open range into indices
	axis   int
}

// NewKDTree builds a k-d tree over the cloud. The cloud must not be
// mutated while the tree is in use.
func NewKDTree(cloud *Cloud) *KDTree {
	t := &KDTree{cloud: cloud, indices: make([]int, cloud.Size())}
	for i := range t.indices {
		t.indices[i] = i
	}
	t.build(0, len(t.indices), 0)
	return t
}

// Cloud returns the underlying cloud.
func (t *KDTree) Cloud() *Cloud {
	return t.cloud
}

// Size returns the number of indexed points.
func (t *KDTree) Size() int {
	return len(t.indices)
}

func (t *KDTree) build(lo, hi, axis int) {
	if hi-lo <= 1 {
		return
	}
	seg := t.indices[lo:hi]
	sort.Slice(seg, func(a, b int) bool {
		return axisValue(t.cloud.At(seg[a]), axis) < axisValue(t.cloud.At(seg[b]), axis)
	})
	mid := lo + (hi-lo)/2
	next := (axis + 1) % 3
	t.build(lo, mid, next)
	t.build(mid+1, hi, next)
}

func axisValue(p r3.Vector, axis int) float64 {
	switch axis {
	case 0:
		return p.X
	case 1:
		return p.Y
	default:
		return p.Z
	}
}

// Nearest returns the index and squared distance of the point closest to q.
// ok is false for an empty tree.
func (t *KDTree) Nearest(q r3.Vector) (int, float64, bool) {
	if len(t.indices) == 0 {
		return 0, 0, false
	}
	best := -1
	bestSq := 0.0
	t.search(q, 0, len(t.indices), 0, &best, &bestSq)
	return t.indices[best], bestSq, true
}

// KNearest returns up to k point indices closest to q, ordered nearest
// first, along with their squared distances.
func (t *KDTree) KNearest(q r3.Vector, k int) ([]int, []float64) {
	if k <= 0 || len(t.indices) == 0 {
		return nil, nil
	}
	idxs := make([]int, 0, k)
	dists := make([]float64, 0, k)
	t.searchK(q, 0, len(t.indices), 0, k, &idxs, &dists)
	out := make([]int, len(idxs))
	for i, slot := range idxs {
		out[i] = t.indices[slot]
	}
	return out, dists
}

func (t *KDTree) search(q r3.Vector, lo, hi, axis int, best *int, bestSq *float64) {
	if lo >= hi {
		return
	}
	mid := lo + (hi-lo)/2
	p := t.cloud.At(t.indices[mid])
	d := q.Sub(p)
	distSq := d.Dot(d)
	if *best < 0 || distSq < *bestSq {
		*best = mid
		*bestSq = distSq
	}
	next := (axis + 1) % 3
	diff := axisValue(q, axis) - axisValue(p, axis)
	if diff < 0 {
		t.search(q, lo, mid, next, best, bestSq)
		if diff*diff < *bestSq {
			t.search(q, mid+1, hi, next, best, bestSq)
		}
	} else {
		t.search(q, mid+1, hi, next, best, bestSq)
		if diff*diff < *bestSq {
			t.search(q, lo, mid, next, best, bestSq)
		}
	}
}

func (t *KDTree) searchK(q r3.Vector, lo, hi, axis, k int, idxs *[]int, dists *[]float64) {
	if lo >= hi {
		return
	}
	mid := lo + (hi-lo)/2
	p := t.cloud.At(t.indices[mid])
	d := q.Sub(p)
	distSq := d.Dot(d)
	insertNeighbor(idxs, dists, mid, distSq, k)
	next := (axis + 1) % 3
	diff := axisValue(q, axis) - axisValue(p, axis)
	worst := func() float64 {
		if len(*dists) < k {
			return -1
		}
		return (*dists)[len(*dists)-1]
	}
	if diff < 0 {
		t.searchK(q, lo, mid, next, k, idxs, dists)
		if w := worst(); w < 0 || diff*diff < w {
			t.searchK(q, mid+1, hi, next, k, idxs, dists)
		}
	} else {
		t.searchK(q, mid+1, hi, next, k, idxs, dists)
		if w := worst(); w < 0 || diff*diff < w {
			t.searchK(q, lo, mid, next, k, idxs, dists)
		}
	}
}

func insertNeighbor(idxs *[]int, dists *[]float64, slot int, distSq float64, k int) {
	pos := sort.SearchFloat64s(*dists, distSq)
	if pos >= k {
		return
	}
	*idxs = append(*idxs, 0)
	*dists = append(*dists, 0)
	copy((*idxs)[pos+1:], (*idxs)[pos:])
	copy((*dists)[pos+1:], (*dists)[pos:])
	(*idxs)[pos] = slot
	(*dists)[pos] = distSq
	if len(*idxs) > k {
		*idxs = (*idxs)[:k]
		*dists = (*dists)[:k]
	}
}

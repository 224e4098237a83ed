package service

import (
	"container/heap"

	"github.com/opaque/secureknn/pkg/linalg"
)

type scored struct {
	score float64
	index int
}

// less orders by score, then by row index.
func (a scored) less(b scored) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	return a.index < b.index
}

// worstFirst is a max-heap under scored.less: the root is the candidate to
// drop next.
type worstFirst []scored

func (h worstFirst) Len() int           { return len(h) }
func (h worstFirst) Less(i, j int) bool { return h[j].less(h[i]) }
func (h worstFirst) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *worstFirst) Push(x any)        { *h = append(*h, x.(scored)) }
func (h *worstFirst) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// nearest returns the indices of the k rows with the smallest score
// row·query, ordered by (score, index). Rows must all have len(query)
// coordinates and 0 < k <= len(rows).
func nearest(rows [][]float64, query []float64, k int) []int {
	h := make(worstFirst, 0, k)
	for i, row := range rows {
		c := scored{score: linalg.Dot(row, query), index: i}
		if len(h) < k {
			heap.Push(&h, c)
			continue
		}
		if c.less(h[0]) {
			h[0] = c
			heap.Fix(&h, 0)
		}
	}

	out := make([]int, len(h))
	for i := len(h) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&h).(scored).index
	}
	return out
}

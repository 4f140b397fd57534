package index

import (
	"container/heap"
	"sort"
)

type candidate struct {
	pos   int
	id    uint64
	score float64
	dist  float64
}

// better orders by descending score, then ascending id.
func better(a, b candidate) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	return a.id < b.id
}

// worstFirst is a heap whose root is the weakest kept candidate.
type worstFirst []candidate

func (h worstFirst) Len() int            { return len(h) }
func (h worstFirst) Less(i, j int) bool  { return better(h[j], h[i]) }
func (h worstFirst) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *worstFirst) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *worstFirst) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// collector keeps the k best candidates seen so far.
type collector struct {
	k    int
	heap worstFirst
}

func newCollector(k int) *collector {
	return &collector{k: k, heap: make(worstFirst, 0, k)}
}

func (c *collector) full() bool { return len(c.heap) >= c.k }

func (c *collector) worst() candidate { return c.heap[0] }

func (c *collector) offer(cd candidate) {
	if !c.full() {
		heap.Push(&c.heap, cd)
		return
	}
	if better(cd, c.heap[0]) {
		c.heap[0] = cd
		heap.Fix(&c.heap, 0)
	}
}

func (c *collector) hits() []Hit {
	sorted := append(worstFirst(nil), c.heap...)
	sort.Slice(sorted, func(i, j int) bool { return better(sorted[i], sorted[j]) })
	out := make([]Hit, len(sorted))
	for i, cd := range sorted {
		out[i] = Hit{ID: cd.id, Score: cd.score}
	}
	return out
}

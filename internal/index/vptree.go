package index

import (
	"fmt"
	"math"
	"sort"
)

const (
	// minTreeSize is the point count below which a scan beats the tree.
	minTreeSize = 32
	// pruneSlack widens the pruning radius to absorb float32 rounding.
	pruneSlack = 1e-4
)

type vpNode struct {
	point int32
	thr   float64
	left  int32
	right int32
}

// VPTree is a vantage-point tree. Pruning is exact on Euclidean distance;
// cosine indexes are searched over L2-normalized copies, where chord
// distance is monotonic in cosine similarity. Final scores always come from
// the configured metric on the stored vectors, so results match Flat up to
// float32 rounding of near-equal scores.
type VPTree struct {
	vectors
	exact  bool
	points [][]float32
	zeros  []int32
	nodes  []vpNode
	root   int32
}

// NewVPTree builds a tree over records. With exact set, every query
// falls back to a linear scan.
func NewVPTree(records []Record, metric Metric, exact bool) (*VPTree, error) {
	t := &VPTree{exact: exact}
	if err := t.load(records, metric); err != nil {
		return nil, err
	}
	t.prepare()
	t.build()
	return t, nil
}

func (t *VPTree) Kind() Kind { return KindVPTree }

// Exact reports whether tree search is disabled.
func (t *VPTree) Exact() bool { return t.exact }

// prepare derives the tree-space points. Zero vectors under cosine have
// no direction and are kept outside the tree.
func (t *VPTree) prepare() {
	t.points = make([][]float32, len(t.vecs))
	t.zeros = nil
	for i, v := range t.vecs {
		if t.metric != Cosine {
			t.points[i] = v
			continue
		}
		t.points[i] = normalized(v, t.mags[i])
		if t.points[i] == nil {
			t.zeros = append(t.zeros, int32(i))
		}
	}
}

func (t *VPTree) build() {
	idxs := make([]int32, 0, len(t.points))
	for i, p := range t.points {
		if p != nil {
			idxs = append(idxs, int32(i))
		}
	}
	t.nodes = make([]vpNode, 0, len(idxs))
	t.root = t.buildNode(idxs)
}

// buildNode uses the last point as vantage and splits the rest at the
// median distance: left holds d <= thr, right holds d >= thr.
func (t *VPTree) buildNode(idxs []int32) int32 {
	if len(idxs) == 0 {
		return -1
	}
	vp := idxs[len(idxs)-1]
	self := int32(len(t.nodes))
	t.nodes = append(t.nodes, vpNode{point: vp, left: -1, right: -1})
	rest := idxs[:len(idxs)-1]
	if len(rest) == 0 {
		return self
	}
	type ranked struct {
		idx  int32
		dist float64
	}
	order := make([]ranked, len(rest))
	for i, j := range rest {
		order[i] = ranked{idx: j, dist: euclidean(t.points[vp], t.points[j])}
	}
	sort.SliceStable(order, func(a, b int) bool { return order[a].dist < order[b].dist })
	mid := len(order) / 2
	left := make([]int32, 0, mid+1)
	right := make([]int32, 0, len(order)-mid-1)
	for rank, r := range order {
		if rank <= mid {
			left = append(left, r.idx)
		} else {
			right = append(right, r.idx)
		}
	}
	thr := order[mid].dist
	l := t.buildNode(left)
	r := t.buildNode(right)
	t.nodes[self].thr = thr
	t.nodes[self].left = l
	t.nodes[self].right = r
	return self
}

// Query searches the tree. It falls back to an exact scan, and reports so,
// when exact mode is on, k covers the whole index, the index is small, or
// a cosine query has zero magnitude.
func (t *VPTree) Query(query []float32, k int) (Result, error) {
	if done, err := t.check(query, k); done {
		return Result{}, err
	}
	qm := magnitude(query)
	if t.exact || k >= t.Len() || t.Len() < minTreeSize || (t.metric == Cosine && qm == 0) {
		res := t.scan(query, k)
		res.Fallback = true
		return res, nil
	}
	q := query
	if t.metric == Cosine {
		q = normalized(query, qm)
	}
	col := newCollector(k)
	scanned := 0
	for _, z := range t.zeros {
		col.offer(candidate{pos: int(z), id: t.ids[z], score: 0, dist: math.Sqrt2})
		scanned++
	}
	bound := func() float64 {
		if !col.full() {
			return math.Inf(1)
		}
		return col.worst().dist + pruneSlack
	}
	var search func(ni int32)
	search = func(ni int32) {
		if ni < 0 {
			return
		}
		n := t.nodes[ni]
		p := int(n.point)
		d := euclidean(q, t.points[p])
		scanned++
		col.offer(candidate{pos: p, id: t.ids[p], score: t.metric.score(query, qm, t.vecs[p], t.mags[p]), dist: d})
		if n.left < 0 && n.right < 0 {
			return
		}
		if d < n.thr {
			if d-bound() <= n.thr {
				search(n.left)
			}
			if d+bound() >= n.thr {
				search(n.right)
			}
			return
		}
		if d+bound() >= n.thr {
			search(n.right)
		}
		if d-bound() <= n.thr {
			search(n.left)
		}
	}
	search(t.root)
	return Result{Hits: col.hits(), Scanned: scanned}, nil
}

// MarshalBinary stores the vectors payload followed by
// exact(u8) root(i32) count(u32) and count x [point(i32) thr(f64) left(i32) right(i32)].
func (t *VPTree) MarshalBinary() ([]byte, error) {
	w := &writer{}
	writeVectors(w, &t.vectors)
	if t.exact {
		w.u8(1)
	} else {
		w.u8(0)
	}
	w.i32(t.root)
	w.u32(uint32(len(t.nodes)))
	for _, n := range t.nodes {
		w.i32(n.point)
		w.f64(n.thr)
		w.i32(n.left)
		w.i32(n.right)
	}
	return w.bytes(), nil
}

// UnmarshalBinary restores vectors and tree without rebuilding it.
func (t *VPTree) UnmarshalBinary(data []byte) error {
	r := &reader{data: data}
	metric, records, err := readVectors(r)
	if err != nil {
		return err
	}
	exact := r.u8() == 1
	root := r.i32()
	count := int(r.u32())
	if r.err != nil {
		return r.err
	}
	if count > len(records) {
		return fmt.Errorf("vptree: %d nodes for %d points", count, len(records))
	}
	nodes := make([]vpNode, count)
	for i := range nodes {
		nodes[i] = vpNode{point: r.i32(), thr: r.f64(), left: r.i32(), right: r.i32()}
	}
	if r.err != nil {
		return r.err
	}
	if r.remaining() != 0 {
		return errTrailing(r.remaining())
	}
	if err := t.load(records, metric); err != nil {
		return err
	}
	t.exact = exact
	t.prepare()
	if err := t.validate(nodes, root); err != nil {
		return err
	}
	t.nodes, t.root = nodes, root
	return nil
}

// validate checks that nodes form a tree covering every non-zero point once.
func (t *VPTree) validate(nodes []vpNode, root int32) error {
	want := len(t.points) - len(t.zeros)
	if len(nodes) != want {
		return fmt.Errorf("vptree: %d nodes, want %d", len(nodes), want)
	}
	if want == 0 {
		if root != -1 {
			return fmt.Errorf("vptree: root %d in empty tree", root)
		}
		return nil
	}
	seenNode := make([]bool, len(nodes))
	seenPoint := make([]bool, len(t.points))
	stack := []int32{root}
	for len(stack) > 0 {
		ni := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if ni < 0 {
			continue
		}
		if int(ni) >= len(nodes) || seenNode[ni] {
			return fmt.Errorf("vptree: bad node reference %d", ni)
		}
		seenNode[ni] = true
		p := nodes[ni].point
		if p < 0 || int(p) >= len(t.points) || t.points[p] == nil || seenPoint[p] {
			return fmt.Errorf("vptree: bad point reference %d", p)
		}
		seenPoint[p] = true
		stack = append(stack, nodes[ni].left, nodes[ni].right)
	}
	for i, ok := range seenNode {
		if !ok {
			return fmt.Errorf("vptree: node %d unreachable", i)
		}
	}
	return nil
}

package vectorindex

import (
	"container/heap"
	"math"
	"math/rand/v2"
	"sync"
)

// node is a vector in the graph. links[l] holds its neighbors on layer l.
type node struct {
	id      string
	unit    []float32
	seq     uint64
	level   int
	links   [][]*node
	removed bool
}

// graph is a hierarchical navigable small-world graph over unit vectors.
// Similarity is the dot product of normalized vectors (cosine).
type graph struct {
	mu        sync.RWMutex
	cfg       Config
	dim       int
	rng       *rand.Rand
	levelMult float64
	nodes     map[string]*node
	entry     *node
	maxLevel  int
}

func newGraph(cfg Config, dim int) *graph {
	return &graph{
		cfg:       cfg,
		dim:       dim,
		rng:       rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		levelMult: 1 / math.Log(float64(cfg.M)),
		nodes:     make(map[string]*node),
	}
}

func (g *graph) maxLinks(level int) int {
	if level == 0 {
		return 2 * g.cfg.M
	}
	return g.cfg.M
}

func (g *graph) randomLevel() int {
	u := g.rng.Float64()
	for u == 0 {
		u = g.rng.Float64()
	}
	return int(math.Floor(-math.Log(u) * g.levelMult))
}

// accepts reports whether a vector of length n fits this graph. Caller holds mu.
func (g *graph) accepts(n int) bool {
	return g.dim == 0 || g.dim == n
}

func (g *graph) len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// insert adds or replaces id. The caller has validated the dimension.
func (g *graph) insert(id string, vector []float32, seq uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.dim == 0 {
		g.dim = len(vector)
	}
	if old, ok := g.nodes[id]; ok {
		g.removeLocked(old)
	}

	n := &node{id: id, unit: normalize(vector), seq: seq, level: g.randomLevel()}
	n.links = make([][]*node, n.level+1)
	g.nodes[id] = n

	if g.entry == nil {
		g.entry = n
		g.maxLevel = n.level
		return
	}

	ep := []*node{g.entry}
	for l := g.maxLevel; l > n.level; l-- {
		if w := g.searchLayer(n.unit, ep, 1, l); len(w) > 0 {
			ep = []*node{w[0].n}
		}
	}

	for l := min(n.level, g.maxLevel); l >= 0; l-- {
		w := g.searchLayer(n.unit, ep, g.cfg.EfConstruction, l)
		limit := g.maxLinks(l)
		neighbors := make([]*node, 0, limit)
		for _, c := range w {
			if c.n == n {
				continue
			}
			neighbors = append(neighbors, c.n)
			if len(neighbors) == limit {
				break
			}
		}
		n.links[l] = neighbors
		for _, nb := range neighbors {
			g.link(nb, n, l)
		}
		if len(w) > 0 {
			ep = ep[:0]
			for _, c := range w {
				ep = append(ep, c.n)
			}
		}
	}

	if n.level > g.maxLevel {
		g.maxLevel = n.level
		g.entry = n
	}
}

// link adds to as a neighbor of from on level l, pruning to the closest
// maxLinks entries when the list overflows.
func (g *graph) link(from, to *node, l int) {
	for _, existing := range from.links[l] {
		if existing == to {
			return
		}
	}
	from.links[l] = append(from.links[l], to)
	if len(from.links[l]) > g.maxLinks(l) {
		g.prune(from, l)
	}
}

func (g *graph) prune(n *node, l int) {
	cands := make([]candidate, 0, len(n.links[l]))
	for _, nb := range n.links[l] {
		if nb.removed {
			continue
		}
		cands = append(cands, candidate{n: nb, sim: dot(n.unit, nb.unit)})
	}
	sortCandidates(cands)
	limit := min(g.maxLinks(l), len(cands))
	kept := make([]*node, limit)
	for i := 0; i < limit; i++ {
		kept[i] = cands[i].n
	}
	n.links[l] = kept
}

// remove deletes id and reports whether it was present.
func (g *graph) remove(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return false
	}
	g.removeLocked(n)
	return true
}

// removeLocked unlinks n and reconnects its former neighbors to each other
// so the layer stays navigable. Inbound links from nodes that pruned n out of
// their own view are skipped lazily by searchLayer.
func (g *graph) removeLocked(n *node) {
	n.removed = true
	delete(g.nodes, n.id)

	for l, neighbors := range n.links {
		for _, nb := range neighbors {
			if nb.removed || l >= len(nb.links) {
				continue
			}
			kept := nb.links[l][:0]
			for _, x := range nb.links[l] {
				if x != n && !x.removed {
					kept = append(kept, x)
				}
			}
			nb.links[l] = kept
			for _, other := range neighbors {
				if other == nb || other.removed || l >= len(other.links) {
					continue
				}
				g.link(nb, other, l)
			}
		}
	}
	n.links = nil

	if g.entry == n {
		g.entry = nil
		g.maxLevel = 0
		for _, c := range g.nodes {
			if g.entry == nil || c.level > g.entry.level || (c.level == g.entry.level && c.id < g.entry.id) {
				g.entry = c
			}
		}
		if g.entry != nil {
			g.maxLevel = g.entry.level
		}
	}
}

// search returns up to k nearest entries for the unit query q. Caller holds
// at least a read lock.
func (g *graph) search(q []float32, k int) []scoredEntry {
	if g.entry == nil {
		return nil
	}
	if len(g.nodes) < g.cfg.ExactThreshold {
		out := make([]scoredEntry, 0, len(g.nodes))
		for _, n := range g.nodes {
			out = append(out, scoredEntry{id: n.id, seq: n.seq, sim: dot(q, n.unit)})
		}
		return out
	}

	ep := []*node{g.entry}
	for l := g.maxLevel; l > 0; l-- {
		if w := g.searchLayer(q, ep, 1, l); len(w) > 0 {
			ep = []*node{w[0].n}
		}
	}
	w := g.searchLayer(q, ep, max(g.cfg.EfSearch, k), 0)
	out := make([]scoredEntry, len(w))
	for i, c := range w {
		out[i] = scoredEntry{id: c.n.id, seq: c.n.seq, sim: c.sim}
	}
	return out
}

// searchLayer is the greedy beam search of the HNSW paper. It returns up to
// ef candidates sorted by similarity, best first.
func (g *graph) searchLayer(q []float32, entry []*node, ef int, level int) []candidate {
	visited := make(map[*node]struct{}, ef*4)
	cand := &bestFirst{}
	res := &worstFirst{}

	for _, ep := range entry {
		if _, ok := visited[ep]; ok || ep.removed {
			continue
		}
		visited[ep] = struct{}{}
		c := candidate{n: ep, sim: dot(q, ep.unit)}
		heap.Push(cand, c)
		heap.Push(res, c)
		if res.Len() > ef {
			heap.Pop(res)
		}
	}

	for cand.Len() > 0 {
		c := heap.Pop(cand).(candidate)
		if res.Len() >= ef && c.sim < (*res)[0].sim {
			break
		}
		if level >= len(c.n.links) {
			continue
		}
		for _, nb := range c.n.links[level] {
			if _, ok := visited[nb]; ok {
				continue
			}
			visited[nb] = struct{}{}
			if nb.removed {
				continue
			}
			sim := dot(q, nb.unit)
			if res.Len() < ef || sim > (*res)[0].sim {
				heap.Push(cand, candidate{n: nb, sim: sim})
				heap.Push(res, candidate{n: nb, sim: sim})
				if res.Len() > ef {
					heap.Pop(res)
				}
			}
		}
	}

	out := make([]candidate, res.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(res).(candidate)
	}
	return out
}

type candidate struct {
	n   *node
	sim float64
}

func sortCandidates(c []candidate) {
	for i := 1; i < len(c); i++ {
		for j := i; j > 0 && c[j].sim > c[j-1].sim; j-- {
			c[j], c[j-1] = c[j-1], c[j]
		}
	}
}

// bestFirst is a max-heap on similarity.
type bestFirst []candidate

func (h bestFirst) Len() int           { return len(h) }
func (h bestFirst) Less(i, j int) bool { return h[i].sim > h[j].sim }
func (h bestFirst) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *bestFirst) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *bestFirst) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// worstFirst is a min-heap on similarity; the root is the weakest result.
type worstFirst []candidate

func (h worstFirst) Len() int           { return len(h) }
func (h worstFirst) Less(i, j int) bool { return h[i].sim < h[j].sim }
func (h worstFirst) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *worstFirst) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *worstFirst) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

package routing

import "container/heap"

// item is a frontier entry. Entries are never updated in place; stale ones
// are skipped when popped.
type item struct {
	node string
	g    float64 // seconds from origin
	dist float64 // meters from origin
	f    float64
	seq  int
}

// frontier orders by f, then lower cumulative distance, then insertion order.
type frontier []*item

func (q frontier) Len() int { return len(q) }

func (q frontier) Less(i, j int) bool {
	if q[i].f != q[j].f {
		return q[i].f < q[j].f
	}
	if q[i].dist != q[j].dist {
		return q[i].dist < q[j].dist
	}
	return q[i].seq < q[j].seq
}

func (q frontier) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *frontier) Push(x any) { *q = append(*q, x.(*item)) }

func (q *frontier) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

type openSet struct {
	q   frontier
	seq int
}

func (o *openSet) push(node string, g, dist, h float64) {
	o.seq++
	heap.Push(&o.q, &item{node: node, g: g, dist: dist, f: g + h, seq: o.seq})
}

func (o *openSet) pop() *item {
	return heap.Pop(&o.q).(*item)
}

func (o *openSet) empty() bool { return o.q.Len() == 0 }

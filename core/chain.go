package core

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gammazero/toposort"
)

const noSlot = -1

var chainSeq atomic.Uint64

// link is one arena entry. dependsOn and next hold slots into the same
// arena, never pointers to other nodes.
type link struct {
	node      *task
	dependsOn int
	next      [runOptionCount]int
}

func newLink(t *task) link {
	l := link{node: t, dependsOn: noSlot}
	for i := range l.next {
		l.next[i] = noSlot
	}
	return l
}

// chain is the arena shared by every node linked together with Then. It also
// owns the handler sets, so a Catch or FinallyInline registered on any member
// covers the whole chain. Every field, and the slot of every member, is
// guarded by mu.
type chain struct {
	id uint64
	mu sync.Mutex

	links   []link
	catches []func(error) bool
	finals  []func(end *task)

	ended bool
	end   *task
}

func newChain(t *task) *chain {
	c := &chain{id: chainSeq.Add(1)}
	c.links = append(c.links, newLink(t))
	t.slot = 0
	t.chainRef.Store(c)
	return c
}

// lockChain locks and returns t's current chain. Merges may move t to another
// chain between the load and the lock, so the pointer is checked again.
func lockChain(t *task) *chain {
	for {
		c := t.chainRef.Load()
		c.mu.Lock()
		if t.chainRef.Load() == c {
			return c
		}
		c.mu.Unlock()
	}
}

// lockPair locks the chains of a and b in id order. When both share a chain it
// is locked once and returned twice.
func lockPair(a, b *task) (*chain, *chain) {
	for {
		ca, cb := a.chainRef.Load(), b.chainRef.Load()
		if ca == cb {
			ca.mu.Lock()
			if a.chainRef.Load() == ca && b.chainRef.Load() == ca {
				return ca, ca
			}
			ca.mu.Unlock()
			continue
		}

		first, second := ca, cb
		if first.id > second.id {
			first, second = second, first
		}
		first.mu.Lock()
		second.mu.Lock()
		if a.chainRef.Load() == ca && b.chainRef.Load() == cb {
			return ca, cb
		}
		second.mu.Unlock()
		first.mu.Unlock()
	}
}

func (c *chain) at(slot int) *task {
	if slot == noSlot {
		return nil
	}
	return c.links[slot].node
}

func (c *chain) dependsOn(t *task) *task {
	return c.at(c.links[t.slot].dependsOn)
}

func (c *chain) next(t *task, opt RunOption) *task {
	return c.at(c.links[t.slot].next[opt])
}

func (c *chain) root(t *task) *task {
	for {
		up := c.dependsOn(t)
		if up == nil {
			return t
		}
		t = up
	}
}

// endOf follows success links, then always links, to the last reachable node.
func (c *chain) endOf(t *task) *task {
	for {
		n := c.next(t, OnSuccess)
		if n == nil {
			n = c.next(t, OnAlways)
		}
		if n == nil {
			return t
		}
		t = n
	}
}

// subtree appends t and every node reachable from it through continuations.
func (c *chain) subtree(t *task, out []*task) []*task {
	if t == nil {
		return out
	}
	out = append(out, t)
	for _, slot := range c.links[t.slot].next {
		out = c.subtree(c.at(slot), out)
	}
	return out
}

// absorb moves every node of other into c, rebasing slots, and merges the
// handler sets. Both chains must be locked.
func (c *chain) absorb(other *chain) {
	offset := len(c.links)
	rebase := func(slot int) int {
		if slot == noSlot {
			return noSlot
		}
		return slot + offset
	}

	for _, l := range other.links {
		l.dependsOn = rebase(l.dependsOn)
		for i := range l.next {
			l.next[i] = rebase(l.next[i])
		}
		l.node.slot += offset
		c.links = append(c.links, l)
	}
	for _, l := range other.links {
		l.node.chainRef.Store(c)
	}

	c.catches = append(c.catches, other.catches...)
	c.finals = append(c.finals, other.finals...)

	other.links = nil
	other.catches = nil
	other.finals = nil
}

// route decides which continuation of t runs for outcome out. bypassed nodes
// sit on the success path between a failed node and the failure handler the
// failure is routed to; skipped nodes are on branches that will never run.
func (c *chain) route(t *task, out Outcome) (target *task, bypassed, skipped []*task) {
	succ, fail, always := c.next(t, OnSuccess), c.next(t, OnFailure), c.next(t, OnAlways)

	switch {
	case out.Success && succ != nil:
		target = succ
		skipped = c.subtree(always, c.subtree(fail, skipped))
	case out.Success:
		target = always
		skipped = c.subtree(fail, skipped)
	case fail != nil:
		target = fail
		skipped = c.subtree(always, c.subtree(succ, skipped))
	case always != nil:
		target = always
		skipped = c.subtree(succ, skipped)
	default:
		// Nothing handles the failure here: carry it down the success path to
		// the nearest node that has a failure or always continuation.
		for cur := succ; cur != nil; {
			bypassed = append(bypassed, cur)
			s, f, a := c.next(cur, OnSuccess), c.next(cur, OnFailure), c.next(cur, OnAlways)
			if f != nil {
				target = f
				skipped = c.subtree(a, c.subtree(s, skipped))
				break
			}
			if a != nil {
				target = a
				skipped = c.subtree(s, skipped)
				break
			}
			cur = s
		}
	}
	return target, bypassed, skipped
}

// order returns every node of the chain with each node after its dependency.
func (c *chain) order() ([]*task, error) {
	edges := make([]toposort.Edge, 0, len(c.links))
	for slot, l := range c.links {
		if l.dependsOn == noSlot {
			edges = append(edges, toposort.Edge{nil, slot})
			continue
		}
		edges = append(edges, toposort.Edge{l.dependsOn, slot})
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("chain %d: %w", c.id, err)
	}

	out := make([]*task, 0, len(c.links))
	for _, v := range sorted {
		if slot, ok := v.(int); ok {
			out = append(out, c.links[slot].node)
		}
	}
	if len(out) != len(c.links) {
		return nil, fmt.Errorf("chain %d: ordered %d of %d nodes", c.id, len(out), len(c.links))
	}
	return out, nil
}

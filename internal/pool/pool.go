package pool

import (
	"sync"

	"github.com/xiaocaoooo/html-fetch-worker/internal/browser"
)

// Slot is one unit of the pool. Index is its identity.
type Slot struct {
	Index   int
	Context browser.Context
}

// Pool hands out a fixed set of browser contexts. Acquire never blocks:
// a full pool is reported to the caller straight away.
type Pool struct {
	mu    sync.Mutex
	slots []*Slot
	inUse []bool
	busy  int
}

func New(contexts []browser.Context) *Pool {
	p := &Pool{
		slots: make([]*Slot, len(contexts)),
		inUse: make([]bool, len(contexts)),
	}
	for i, c := range contexts {
		p.slots[i] = &Slot{Index: i, Context: c}
	}
	return p
}

// Acquire returns the first free slot, or false when every slot is in use.
func (p *Pool) Acquire() (*Slot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, used := range p.inUse {
		if !used {
			p.inUse[i] = true
			p.busy++
			return p.slots[i], true
		}
	}
	return nil, false
}

// Release marks the slot free. Releasing a free slot or an unknown index
// does nothing.
func (p *Pool) Release(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.inUse) || !p.inUse[index] {
		return
	}
	p.inUse[index] = false
	p.busy--
}

func (p *Pool) Capacity() int {
	return len(p.slots)
}

func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots) - p.busy
}

package msg

import (
	"fmt"

	"github.com/nmxmxh/dspaf/kernel/threads/pool"
	"github.com/nmxmxh/dspaf/kernel/utils"
)

// Pool is a fixed set of messages. It is core-local and never locked.
type Pool struct {
	name  string
	slots *pool.SlotMap[Message]
}

func NewPool(name string, capacity int) *Pool {
	return &Pool{name: name, slots: pool.NewSlotMap[Message](capacity)}
}

// Get returns a zeroed message, or pool.ErrExhausted.
func (p *Pool) Get() (*Message, error) {
	k, err := p.slots.Insert(Message{})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	m := p.slots.Ptr(k)
	m.key = k
	m.pool = p
	return m, nil
}

// Put returns m. Returning a message twice or to the wrong pool is an invariant violation.
func (p *Pool) Put(m *Message) {
	utils.Bugcheck(m.pool == p && p.slots.Contains(m.key), "%s: put of message not owned by pool", p.name)
	utils.Bugcheck(!m.queued, "%s: put of queued message", p.name)
	_, _ = p.slots.Remove(m.key)
}

// Owns reports whether m is a live message of this pool.
func (p *Pool) Owns(m *Message) bool {
	return m != nil && m.pool == p && p.slots.Contains(m.key)
}

func (p *Pool) Name() string   { return p.name }
func (p *Pool) Cap() int       { return p.slots.Cap() }
func (p *Pool) InUse() int     { return p.slots.Len() }
func (p *Pool) Available() int { return p.slots.Cap() - p.slots.Len() }

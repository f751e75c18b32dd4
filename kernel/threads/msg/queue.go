package msg

import "github.com/nmxmxh/dspaf/kernel/utils"

// Queue is an intrusive FIFO of messages.
type Queue struct {
	head *Message
	tail *Message
	n    int
}

func (q *Queue) Push(m *Message) {
	utils.Bugcheck(!m.queued, "message already queued: %s", m)
	m.queued = true
	m.next = nil
	if q.tail == nil {
		q.head = m
	} else {
		q.tail.next = m
	}
	q.tail = m
	q.n++
}

// PushFront puts m back at the head, for messages taken off and not consumed.
func (q *Queue) PushFront(m *Message) {
	utils.Bugcheck(!m.queued, "message already queued: %s", m)
	m.queued = true
	m.next = q.head
	q.head = m
	if q.tail == nil {
		q.tail = m
	}
	q.n++
}

func (q *Queue) Pop() *Message {
	m := q.head
	if m == nil {
		return nil
	}
	q.head = m.next
	if q.head == nil {
		q.tail = nil
	}
	m.next = nil
	m.queued = false
	q.n--
	return m
}

func (q *Queue) Peek() *Message { return q.head }
func (q *Queue) Len() int       { return q.n }
func (q *Queue) Empty() bool    { return q.n == 0 }

// Drain pops every message into fn.
func (q *Queue) Drain(fn func(*Message)) {
	for m := q.Pop(); m != nil; m = q.Pop() {
		fn(m)
	}
}

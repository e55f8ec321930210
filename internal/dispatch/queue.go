package dispatch

import (
	"log/slog"
	"sync"
)

// DropPolicy determines which job to drop when a chat queue is full.
type DropPolicy string

const (
	DropOld DropPolicy = "old" // drop oldest queued job
	DropNew DropPolicy = "new" // reject incoming job
)

// ChatQueues serializes jobs per chat key on a shared lane. Jobs for one
// chat run one at a time in submission order; different chats run
// concurrently up to the lane's worker count.
//
// Enqueue never waits for a worker. Chats with pending work sit on a ready
// list; at most one puller per lane worker takes chats from it.
type ChatQueues struct {
	lane *Lane
	cap  int
	drop DropPolicy

	mu      sync.Mutex
	chats   map[string]*chatQueue
	ready   []*chatQueue
	pullers int
}

type chatQueue struct {
	key    string
	jobs   []func()
	active bool // on the ready list or being drained
}

// NewChatQueues creates per-chat queues holding at most capacity waiting
// jobs each (0 = unbounded).
func NewChatQueues(lane *Lane, capacity int, drop DropPolicy) *ChatQueues {
	if drop == "" {
		drop = DropOld
	}
	return &ChatQueues{
		lane:  lane,
		cap:   capacity,
		drop:  drop,
		chats: make(map[string]*chatQueue),
	}
}

// Enqueue adds job to the chat's queue and marks the chat ready if it was
// idle. It does not block.
func (c *ChatQueues) Enqueue(key string, job func()) error {
	if c.lane.Stopped() {
		return ErrLaneStopped
	}

	c.mu.Lock()
	q, ok := c.chats[key]
	if !ok {
		q = &chatQueue{key: key}
		c.chats[key] = q
	}

	if c.cap > 0 && len(q.jobs) >= c.cap {
		if c.drop == DropNew {
			c.mu.Unlock()
			return ErrQueueFull
		}
		q.jobs = q.jobs[1:]
		slog.Warn("dispatch: chat queue full, dropped oldest", "chat", key, "cap", c.cap)
	}
	q.jobs = append(q.jobs, job)

	if q.active {
		c.mu.Unlock()
		return nil
	}
	q.active = true
	c.ready = append(c.ready, q)
	spawn := c.pullers < c.lane.concurrency
	if spawn {
		c.pullers++
	}
	c.mu.Unlock()

	if !spawn {
		return nil
	}
	if err := c.lane.TrySubmit(c.pull); err != nil {
		c.mu.Lock()
		c.pullers--
		orphaned := c.pullers == 0
		if orphaned {
			c.discardLocked()
		}
		c.mu.Unlock()
		if orphaned {
			return err
		}
	}
	return nil
}

// discardLocked drops every ready chat. Called when no puller is left to
// serve them.
func (c *ChatQueues) discardLocked() {
	for _, q := range c.ready {
		q.jobs = nil
		q.active = false
		delete(c.chats, q.key)
	}
	c.ready = nil
}

// pull drains ready chats until none are left.
func (c *ChatQueues) pull() {
	for {
		c.mu.Lock()
		if len(c.ready) == 0 {
			c.pullers--
			c.mu.Unlock()
			return
		}
		q := c.ready[0]
		c.ready = c.ready[1:]
		c.mu.Unlock()

		c.drain(q)
	}
}

// drain runs the chat's jobs until its queue is empty, then retires it.
func (c *ChatQueues) drain(q *chatQueue) {
	for {
		c.mu.Lock()
		if len(q.jobs) == 0 {
			q.active = false
			delete(c.chats, q.key)
			c.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		c.mu.Unlock()

		job()
	}
}

// Pending returns the number of jobs waiting for key.
func (c *ChatQueues) Pending(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.chats[key]; ok {
		return len(q.jobs)
	}
	return 0
}

// ActiveChats returns how many chats have queued or running work.
func (c *ChatQueues) ActiveChats() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chats)
}

// Ready returns how many chats are waiting for a worker.
func (c *ChatQueues) Ready() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ready)
}

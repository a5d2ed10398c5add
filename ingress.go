package aio

import (
	"sync"
)

// chunkSize is the number of tasks per node of a taskQueue.
const chunkSize = 128

// taskQueue is an unbounded FIFO of tasks, stored as a linked list of
// fixed-size chunks, recycled via a sync.Pool.
//
// Thread Safety: NOT thread-safe, the group's mutex must be held.
type taskQueue struct {
	head   *taskChunk
	tail   *taskChunk
	length int
}

var taskChunkPool = sync.Pool{
	New: func() any {
		return &taskChunk{}
	},
}

// taskChunk uses readPos/pos cursors for O(1) push and pop
type taskChunk struct {
	tasks   [chunkSize]Task
	next    *taskChunk
	readPos int
	pos     int
}

func newTaskChunk() *taskChunk {
	c := taskChunkPool.Get().(*taskChunk)
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

// returnTaskChunk clears the chunk, to avoid retaining closures, and
// returns it to the pool.
func returnTaskChunk(c *taskChunk) {
	for i := 0; i < c.pos; i++ {
		c.tasks[i] = nil
	}
	c.pos = 0
	c.readPos = 0
	c.next = nil
	taskChunkPool.Put(c)
}

// Push adds a task to the back of the queue.
func (q *taskQueue) Push(task Task) {
	if q.tail == nil {
		q.tail = newTaskChunk()
		q.head = q.tail
	}
	if q.tail.pos == len(q.tail.tasks) {
		next := newTaskChunk()
		q.tail.next = next
		q.tail = next
	}
	q.tail.tasks[q.tail.pos] = task
	q.tail.pos++
	q.length++
}

// Pop removes and returns the task at the front of the queue, or false if
// it is empty.
func (q *taskQueue) Pop() (Task, bool) {
	if q.head == nil || q.length == 0 {
		return nil, false
	}

	if q.head.readPos >= q.head.pos {
		// exhausted, and length > 0, so there must be a next chunk
		old := q.head
		q.head = old.next
		returnTaskChunk(old)
	}

	task := q.head.tasks[q.head.readPos]
	q.head.tasks[q.head.readPos] = nil
	q.head.readPos++
	q.length--

	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
		} else {
			old := q.head
			q.head = old.next
			returnTaskChunk(old)
		}
	}

	return task, true
}

// Len returns the number of queued tasks.
func (q *taskQueue) Len() int {
	return q.length
}

package dispatcher

// taskQueue is a growable circular FIFO of tasks waiting for a worker. It is owned by the
// coordinator goroutine and is not safe for concurrent use.
type taskQueue struct {
	buf        []*task
	head, tail int
	size       int
}

func newTaskQueue(capacity int) *taskQueue {
	if capacity <= 0 {
		capacity = 16
	}
	return &taskQueue{buf: make([]*task, capacity)}
}

// Len returns the number of queued tasks.
func (q *taskQueue) Len() int { return q.size }

// Push appends t at the tail.
func (q *taskQueue) Push(t *task) {
	if q.size == len(q.buf) {
		q.grow()
	}
	q.buf[q.tail] = t
	q.tail = (q.tail + 1) % len(q.buf)
	q.size++
}

// Pop removes and returns the longest-waiting task.
func (q *taskQueue) Pop() (*task, bool) {
	if q.size == 0 {
		return nil, false
	}
	t := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return t, true
}

// Drain removes every queued task in FIFO order.
func (q *taskQueue) Drain() []*task {
	out := make([]*task, 0, q.size)
	for {
		t, ok := q.Pop()
		if !ok {
			return out
		}
		out = append(out, t)
	}
}

func (q *taskQueue) grow() {
	buf := make([]*task, len(q.buf)*2)
	for i := 0; i < q.size; i++ {
		buf[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = buf
	q.head = 0
	q.tail = q.size
}

package execctx

import "slices"

// ExecutionContext is the persisted queue and circuit-breaker state.
// InQueue[k] is true exactly when k appears in Queue.
type ExecutionContext struct {
	Queue      []string        `json:"queue"`
	InQueue    map[string]bool `json:"in_queue"`
	ErrorCount int             `json:"error_count"`
	Suspended  bool            `json:"suspended"`
}

// NewExecutionContext returns the default, empty context.
func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{
		Queue:   []string{},
		InQueue: map[string]bool{},
	}
}

// Clone returns a deep copy.
func (c *ExecutionContext) Clone() *ExecutionContext {
	out := &ExecutionContext{
		Queue:      slices.Clone(c.Queue),
		InQueue:    make(map[string]bool, len(c.InQueue)),
		ErrorCount: c.ErrorCount,
		Suspended:  c.Suspended,
	}
	if out.Queue == nil {
		out.Queue = []string{}
	}
	for k, v := range c.InQueue {
		out.InQueue[k] = v
	}
	return out
}

// normalize repairs a decoded snapshot: duplicate queue entries are dropped,
// the membership map is rebuilt from the queue and a negative error count
// is clamped.
func (c *ExecutionContext) normalize() {
	seen := make(map[string]bool, len(c.Queue))
	queue := make([]string, 0, len(c.Queue))
	for _, kind := range c.Queue {
		if kind == "" || seen[kind] {
			continue
		}
		seen[kind] = true
		queue = append(queue, kind)
	}
	c.Queue = queue
	c.InQueue = seen
	if c.ErrorCount < 0 {
		c.ErrorCount = 0
	}
}

func (c *ExecutionContext) enqueue(kind string) bool {
	if c.InQueue[kind] {
		return false
	}
	c.Queue = append(c.Queue, kind)
	c.InQueue[kind] = true
	return true
}

func (c *ExecutionContext) dequeue() (string, bool) {
	if len(c.Queue) == 0 {
		return "", false
	}
	kind := c.Queue[0]
	c.Queue = c.Queue[1:]
	delete(c.InQueue, kind)
	return kind, true
}

func (c *ExecutionContext) clearQueue() {
	c.Queue = []string{}
	c.InQueue = map[string]bool{}
}

// markFailure increments the error count and trips the breaker when it
// reaches maxErrors. It reports whether the breaker tripped.
func (c *ExecutionContext) markFailure(maxErrors int) bool {
	if maxErrors < 1 {
		maxErrors = 1
	}
	c.ErrorCount++
	if c.ErrorCount >= maxErrors {
		c.ErrorCount = 0
		c.Suspended = true
		return true
	}
	return false
}

func (c *ExecutionContext) markSuccess() {
	if c.ErrorCount > 0 {
		c.ErrorCount--
	}
}

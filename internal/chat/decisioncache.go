package chat

// DecisionCache remembers approval decisions per tool call id so a
// re-delivered approval request after reconnect or resume is answered
// identically without prompting again. Bounded FIFO; oldest evicted first.
type DecisionCache struct {
	capacity  int
	order     []string
	decisions map[string]bool
}

// DefaultDecisionCacheSize bounds the cache when no size is configured
const DefaultDecisionCacheSize = 200

// NewDecisionCache creates a cache holding at most capacity decisions
func NewDecisionCache(capacity int) *DecisionCache {
	if capacity <= 0 {
		capacity = DefaultDecisionCacheSize
	}
	return &DecisionCache{
		capacity:  capacity,
		decisions: make(map[string]bool),
	}
}

// Get returns the cached decision for a tool call id
func (c *DecisionCache) Get(toolCallID string) (approved bool, ok bool) {
	approved, ok = c.decisions[toolCallID]
	return
}

// Put records a decision, evicting the oldest entry when full. Recording an
// existing id updates the decision without changing its age.
func (c *DecisionCache) Put(toolCallID string, approved bool) {
	if _, exists := c.decisions[toolCallID]; exists {
		c.decisions[toolCallID] = approved
		return
	}
	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.decisions, oldest)
	}
	c.order = append(c.order, toolCallID)
	c.decisions[toolCallID] = approved
}

// Len returns the number of cached decisions
func (c *DecisionCache) Len() int {
	return len(c.decisions)
}

package hub

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/adred-codev/roomcast/internal/wire"
)

// Context carries the subject of one middleware run. Envelope is set for
// inbound message pipelines and nil during connection acceptance; Request
// is set during acceptance and nil afterwards.
type Context struct {
	Conn     *Connection
	Envelope *wire.Envelope
	Request  *http.Request

	mu     sync.Mutex
	values map[string]any
}

// Set stores a value for later middleware or handlers.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = make(map[string]any)
	}
	c.values[key] = value
}

// Get retrieves a value stored by an earlier middleware.
func (c *Context) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

// Middleware processes a Context and decides whether the chain proceeds.
// Calling next exactly once continues; not calling it halts the chain,
// which is how rejection is signaled. Calling it more than once is a
// programming error surfaced by the runner.
type Middleware func(c *Context, next func())

// Chain is an ordered middleware list. Run walks the steps with an index
// loop rather than nested closures, so stack depth stays constant no
// matter how many middlewares are registered.
type Chain struct {
	mu    sync.RWMutex
	steps []Middleware
}

// Use appends a middleware. Registration order is execution order.
func (ch *Chain) Use(m Middleware) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.steps = append(ch.steps, m)
}

// Len reports the number of registered middlewares.
func (ch *Chain) Len() int {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.steps)
}

// Run executes the chain. It returns (true, nil) when every step called
// next, (false, nil) when a step halted the chain, and (false, err) when a
// step called next more than once.
func (ch *Chain) Run(c *Context) (bool, error) {
	ch.mu.RLock()
	steps := ch.steps
	ch.mu.RUnlock()

	for i, step := range steps {
		calls := 0
		step(c, func() { calls++ })
		if calls == 0 {
			return false, nil
		}
		if calls > 1 {
			return false, fmt.Errorf("middleware %d called next %d times", i, calls)
		}
	}
	return true, nil
}

package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainRunsInRegistrationOrder(t *testing.T) {
	var order []int
	chain := &Chain{}
	for i := 0; i < 3; i++ {
		i := i
		chain.Use(func(c *Context, next func()) {
			order = append(order, i)
			next()
		})
	}

	ok, err := chain.Run(&Context{})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestChainHaltsWhenNextNotCalled(t *testing.T) {
	reached := false
	chain := &Chain{}
	chain.Use(func(c *Context, next func()) {
		// Reject by returning without next.
	})
	chain.Use(func(c *Context, next func()) {
		reached = true
		next()
	})

	ok, err := chain.Run(&Context{})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, reached)
}

func TestChainReportsDoubleNext(t *testing.T) {
	chain := &Chain{}
	chain.Use(func(c *Context, next func()) {
		next()
		next()
	})

	ok, err := chain.Run(&Context{})
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestChainEmptyPasses(t *testing.T) {
	chain := &Chain{}
	ok, err := chain.Run(&Context{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestChainContextValues(t *testing.T) {
	chain := &Chain{}
	chain.Use(func(c *Context, next func()) {
		c.Set("user", "alice")
		next()
	})
	var got any
	chain.Use(func(c *Context, next func()) {
		got, _ = c.Get("user")
		next()
	})

	ok, err := chain.Run(&Context{})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", got)
}

func TestLongChainDoesNotRecurse(t *testing.T) {
	// The runner iterates rather than recursing, so deep chains must not
	// grow the stack. 10k steps would overflow a naive recursive runner
	// well before completing.
	chain := &Chain{}
	count := 0
	for i := 0; i < 10000; i++ {
		chain.Use(func(c *Context, next func()) {
			count++
			next()
		})
	}

	ok, err := chain.Run(&Context{})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 10000, count)
}

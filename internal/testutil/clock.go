package testutil

import (
	"fmt"
	"sync"
	"time"
)

// Epoch is the instant FixedClock starts at.
var Epoch = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

// StubClock is a manually driven wlm.Clock. Safe for concurrent use.
type StubClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func NewStubClock(t time.Time) *StubClock {
	return &StubClock{now: t}
}

// FixedClock returns a StubClock set to Epoch.
func FixedClock() *StubClock {
	return NewStubClock(Epoch)
}

// Now returns the current stub time, then moves it on by the configured step.
func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.step)
	return now
}

// Advance moves the clock forward by d.
func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set jumps the clock to t.
func (c *StubClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Step makes every Now call advance the clock by d, so consecutive
// timestamps stay distinct.
func (c *StubClock) Step(d time.Duration) *StubClock {
	c.mu.Lock()
	c.step = d
	c.mu.Unlock()
	return c
}

// StubIDGenerator hands out "<prefix>-1", "<prefix>-2", ... with prefix "id"
// unless set otherwise.
type StubIDGenerator struct {
	mu     sync.Mutex
	prefix string
	issued int
}

func NewStubIDGenerator() *StubIDGenerator {
	return &StubIDGenerator{prefix: "id"}
}

// WithPrefix changes the prefix of IDs issued from now on.
func (g *StubIDGenerator) WithPrefix(prefix string) *StubIDGenerator {
	g.mu.Lock()
	g.prefix = prefix
	g.mu.Unlock()
	return g
}

func (g *StubIDGenerator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.issued++
	return fmt.Sprintf("%s-%d", g.prefix, g.issued)
}

// Issued reports how many IDs have been handed out.
func (g *StubIDGenerator) Issued() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.issued
}

package claims

import "sync"

// Bindings tracks how many live Minted claims each executor is bound to.
//
// It is shared between the claim registry and the stake manager. Mint holds
// an executor's guard while checking its stake and binding it, and unstake
// holds the same guard while checking the binding count and debiting, so a
// stake cannot drop below the floor under a claim minted concurrently.
type Bindings struct {
	mu     sync.Mutex
	guards map[string]*sync.Mutex
	live   map[string]int
}

// NewBindings creates an empty tracker.
func NewBindings() *Bindings {
	return &Bindings{
		guards: make(map[string]*sync.Mutex),
		live:   make(map[string]int),
	}
}

// Guard locks executor's guard and returns the unlock function.
func (b *Bindings) Guard(executor string) (release func()) {
	b.mu.Lock()
	g, ok := b.guards[executor]
	if !ok {
		g = &sync.Mutex{}
		b.guards[executor] = g
	}
	b.mu.Unlock()
	g.Lock()
	return g.Unlock
}

// Live returns the number of live claims bound to executor.
func (b *Bindings) Live(executor string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live[executor]
}

func (b *Bindings) bind(executor string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.live[executor]++
}

func (b *Bindings) release(executor string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.live[executor] <= 1 {
		delete(b.live, executor)
		return
	}
	b.live[executor]--
}

func (b *Bindings) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.live = make(map[string]int)
}

package sequence

import (
	"sync"

	"github.com/onomatopet/gestcontentieux/fiscal"
)

// Locks is a map of domain to mutex. Issuance in one domain never waits on
// another domain.
type Locks struct {
	mu       sync.Mutex
	byDomain map[fiscal.Domain]*sync.Mutex
}

func NewLocks() *Locks {
	l := &Locks{byDomain: make(map[fiscal.Domain]*sync.Mutex, len(fiscal.Domains))}
	for _, d := range fiscal.Domains {
		l.byDomain[d] = &sync.Mutex{}
	}
	return l
}

// For returns the mutex guarding d.
func (l *Locks) For(d fiscal.Domain) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.byDomain[d]
	if !ok {
		m = &sync.Mutex{}
		l.byDomain[d] = m
	}
	return m
}

// Lock acquires the domain lock and returns its release function.
func (l *Locks) Lock(d fiscal.Domain) (unlock func()) {
	m := l.For(d)
	m.Lock()
	return m.Unlock
}

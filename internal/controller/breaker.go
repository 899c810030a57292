package controller

import (
	"sort"
	"sync"
)

// breaker counts consecutive failed rounds per provider and excludes a
// provider for the rest of the session once it reaches the threshold.
type breaker struct {
	threshold int
	failures  map[string]int
	excluded  map[string]bool
	mu        sync.RWMutex
}

func newBreaker(threshold int) *breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &breaker{
		threshold: threshold,
		failures:  make(map[string]int),
		excluded:  make(map[string]bool),
	}
}

func (b *breaker) success(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, provider)
}

// failure records a failed round. tripped is true only on the failure that
// excludes the provider.
func (b *breaker) failure(provider string) (count int, tripped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.excluded[provider] {
		return b.failures[provider], false
	}
	b.failures[provider]++
	count = b.failures[provider]
	if count >= b.threshold {
		b.excluded[provider] = true
		return count, true
	}
	return count, false
}

func (b *breaker) isExcluded(provider string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.excluded[provider]
}

func (b *breaker) allExcluded(providers []string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, p := range providers {
		if !b.excluded[p] {
			return false
		}
	}
	return true
}

func (b *breaker) excludedProviders() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.excluded))
	for p := range b.excluded {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

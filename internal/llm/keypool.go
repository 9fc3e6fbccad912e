package llm

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// KeyPool round-robins between a user's paired credentials. A key that
// produces an auth or quota error is benched for a cooldown instead of being
// retried immediately. The pool is process-global state shared by every
// adapter; all access goes through the mutex.
type KeyPool struct {
	mu       sync.Mutex
	keys     []poolKey
	next     int
	cooldown time.Duration
	now      func() time.Time
}

type poolKey struct {
	value       string
	benchedTill time.Time
}

const defaultKeyCooldown = 5 * time.Minute

// NewKeyPool builds a pool from one or two credentials. Empty entries are
// dropped.
func NewKeyPool(keys ...string) (*KeyPool, error) {
	p := &KeyPool{cooldown: defaultKeyCooldown, now: time.Now}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		p.keys = append(p.keys, poolKey{value: k})
	}
	if len(p.keys) == 0 {
		return nil, fmt.Errorf("key pool requires at least one credential")
	}
	return p, nil
}

// SetCooldown overrides the bench duration (tests).
func (p *KeyPool) SetCooldown(d time.Duration) {
	p.mu.Lock()
	p.cooldown = d
	p.mu.Unlock()
}

// Acquire returns the next usable key. When every key is benched the least
// recently benched key is returned anyway; starving all calls would turn a
// transient quota blip into a stuck build.
func (p *KeyPool) Acquire() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for i := 0; i < len(p.keys); i++ {
		idx := (p.next + i) % len(p.keys)
		if p.keys[idx].benchedTill.After(now) {
			continue
		}
		p.next = (idx + 1) % len(p.keys)
		return p.keys[idx].value
	}
	best := 0
	for i := range p.keys {
		if p.keys[i].benchedTill.Before(p.keys[best].benchedTill) {
			best = i
		}
	}
	p.next = (best + 1) % len(p.keys)
	return p.keys[best].value
}

// ReportFailure benches key for the cooldown when err indicates an auth or
// quota problem. Other errors leave rotation state untouched.
func (p *KeyPool) ReportFailure(key string, err error) {
	if err == nil || !IsKeyRotationError(err) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.keys {
		if p.keys[i].value == key {
			p.keys[i].benchedTill = p.now().Add(p.cooldown)
			return
		}
	}
}

// Size reports the number of credentials in the pool.
func (p *KeyPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

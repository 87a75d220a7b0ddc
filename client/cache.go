package client

import (
	"sync"

	"github.com/temoto/iec104/iec"
)

// ValueListener is called under cache lock: on registration with cached value
// and on every update. Must be fast and must not call back into Connection.
type ValueListener interface {
	Update(addr iec.Address, v iec.Value)
}

type ValueListenerFunc func(iec.Address, iec.Value)

func (f ValueListenerFunc) Update(addr iec.Address, v iec.Value) { f(addr, v) }

// valueCache write and dispatch are one critical section, so a listener
// registered concurrently with updates sees replay then live values, nothing lost.
type valueCache struct {
	mu        sync.Mutex
	values    map[iec.Address]iec.Value
	listeners map[iec.Address]ValueListener
}

func newValueCache() *valueCache {
	return &valueCache{
		values:    make(map[iec.Address]iec.Value),
		listeners: make(map[iec.Address]ValueListener),
	}
}

func (vc *valueCache) update(addr iec.Address, v iec.Value) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.values[addr] = v
	if l := vc.listeners[addr]; l != nil {
		l.Update(addr, v)
	}
}

// setListener replaces listener for addr, nil removes.
func (vc *valueCache) setListener(addr iec.Address, l ValueListener) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if l == nil {
		delete(vc.listeners, addr)
		return
	}
	vc.listeners[addr] = l
	if v, ok := vc.values[addr]; ok {
		l.Update(addr, v)
	}
}

func (vc *valueCache) get(addr iec.Address) (iec.Value, bool) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	v, ok := vc.values[addr]
	return v, ok
}

func (vc *valueCache) counts() (values, listeners int) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return len(vc.values), len(vc.listeners)
}

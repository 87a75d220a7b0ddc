package iec

import (
	"sort"
	"sync"

	"github.com/juju/errors"
)

// Handler receives session events. Engine calls it from own goroutine(s),
// never after Session.Close returned.
type Handler interface {
	StateChanged(s State, err error)
	// Activated is called once data transfer may begin, after Connected.
	Activated(dc DataContext)
	Data(addr Address, v Value)
}

// DataContext is the data module's view of an activated session.
type DataContext interface {
	// RequestStartData sends STARTDT act.
	RequestStartData()
	StartInterrogation(asdu ASDUAddress, qoi uint8)
}

type Session interface {
	// SendCommand returns false when not connected or transport rejected command.
	SendCommand(cmd Command) bool
	// Close blocks until no more Handler calls. Must not be called from Handler.
	Close() error
}

// Engine is the wire protocol implementation.
type Engine interface {
	// Open must not block on network. Result is reported via Handler.
	Open(host string, port int, opt Options, h Handler) (Session, error)
}

var engines = struct {
	sync.RWMutex
	m map[string]Engine
}{m: make(map[string]Engine)}

// RegisterEngine makes engine available by name to configuration.
// Panics on duplicate name or nil engine.
func RegisterEngine(name string, e Engine) {
	engines.Lock()
	defer engines.Unlock()
	if e == nil {
		panic("code error iec.RegisterEngine engine=nil name=" + name)
	}
	if _, dup := engines.m[name]; dup {
		panic("code error iec.RegisterEngine duplicate name=" + name)
	}
	engines.m[name] = e
}

func LookupEngine(name string) (Engine, error) {
	engines.RLock()
	defer engines.RUnlock()
	if e, ok := engines.m[name]; ok {
		return e, nil
	}
	return nil, errors.NotFoundf("engine=%s (known: %v)", name, engineNamesLocked())
}

func EngineNames() []string {
	engines.RLock()
	defer engines.RUnlock()
	return engineNamesLocked()
}

func engineNamesLocked() []string {
	names := make([]string, 0, len(engines.m))
	for name := range engines.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package fsprovider

import (
	"fmt"
	"sort"
	"sync"
)

// Kind names a backend.
type Kind string

const (
	// KindDisk is the real on-disk backend.
	KindDisk Kind = "disk"
	// KindVirtual is the sqlite-backed virtual backend.
	KindVirtual Kind = "virtual"
)

// Options selects and configures a backend.
type Options struct {
	// Kind selects the backend. Empty picks disk when Root is set, virtual otherwise.
	Kind Kind
	// Root is the host directory the disk backend maps "/" to.
	Root string
	// DBPath is the sqlite file of the virtual backend. Empty means in-memory.
	DBPath string
}

// Constructor creates a Provider from options.
// Implementations register themselves with Register().
type Constructor func(opts Options) (Provider, error)

var (
	registry      = make(map[Kind]Constructor)
	registryMutex sync.RWMutex
)

// Register registers a backend constructor.
// This is called from init() functions in backend packages (diskfs, virtualfs).
//
// Example:
//
//	func init() {
//	    fsprovider.Register(fsprovider.KindDisk, open)
//	}
func Register(k Kind, constructor Constructor) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if constructor == nil {
		panic(fmt.Sprintf("fsprovider: Register constructor is nil for kind %s", k))
	}
	if _, exists := registry[k]; exists {
		panic(fmt.Sprintf("fsprovider: Register called twice for kind %s", k))
	}

	registry[k] = constructor
}

// RegisteredKinds returns the registered backend kinds, sorted.
func RegisteredKinds() []Kind {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	kinds := make([]Kind, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Open creates the backend selected by opts.
// The backend package must be linked in (usually via a blank import).
func Open(opts Options) (Provider, error) {
	kind := opts.Kind
	if kind == "" {
		kind = KindVirtual
		if opts.Root != "" {
			kind = KindDisk
		}
	}

	registryMutex.RLock()
	constructor := registry[kind]
	registryMutex.RUnlock()

	if constructor == nil {
		return nil, fmt.Errorf("no registered file system backend %q (available: %v)", kind, RegisteredKinds())
	}

	p, err := constructor(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s file system: %w", kind, err)
	}
	return p, nil
}

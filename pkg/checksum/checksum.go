// Package checksum provides the CFDP file checksum algorithms and a registry
// keyed by the 4-bit checksum type carried in Metadata PDUs.
package checksum

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ID is a checksum algorithm identifier
type ID uint8

// Standard checksum identifiers
const (
	Modular    ID = 0
	Proximity1 ID = 1
	CRC32C     ID = 2
	CRC32      ID = 3
	Null       ID = 15
)

const maxChecksumID = 15

// String returns string representation of ID
func (id ID) String() string {
	switch id {
	case Modular:
		return "modular"
	case Proximity1:
		return "proximity1-crc32"
	case CRC32C:
		return "crc32c"
	case CRC32:
		return "crc32"
	case Null:
		return "null"
	default:
		return fmt.Sprintf("checksum(%d)", uint8(id))
	}
}

// ParseID converts a config name to an ID
func ParseID(s string) (ID, error) {
	for _, id := range []ID{Modular, Proximity1, CRC32C, CRC32, Null} {
		if id.String() == s {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupported, s)
}

// Errors
var (
	ErrUnsupported = errors.New("unsupported checksum type")
	ErrDuplicate   = errors.New("checksum type already registered")
)

// Checksum accumulates file content. Update takes the file offset of data so
// callers may feed segments in any order.
type Checksum interface {
	Update(data []byte, offset uint64) Checksum
	Sum32() uint32
}

// Factory creates a fresh accumulator
type Factory func() Checksum

// Registry maps checksum identifiers to factories
type Registry struct {
	mu        sync.RWMutex
	factories map[ID]Factory
}

// NewRegistry creates a registry holding the built-in algorithms
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[ID]Factory)}
	r.factories[Modular] = NewModular
	r.factories[Proximity1] = NewProximity1
	r.factories[CRC32C] = NewCRC32C
	r.factories[CRC32] = NewCRC32
	r.factories[Null] = NewNull
	return r
}

// Register adds an algorithm. Registering an ID twice is an error.
func (r *Registry) Register(id ID, f Factory) error {
	if id > maxChecksumID {
		return fmt.Errorf("%w: id %d exceeds 4 bits", ErrUnsupported, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	r.factories[id] = f
	return nil
}

// New creates an accumulator for id
func (r *Registry) New(id ID) (Checksum, error) {
	r.mu.RLock()
	f, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, id)
	}
	return f(), nil
}

// Supported reports whether id is registered
func (r *Registry) Supported(id ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[id]
	return ok
}

// IDs returns the registered identifiers in ascending order
func (r *Registry) IDs() []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]ID, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Compute is a convenience for checksumming a whole buffer starting at offset 0
func Compute(c Checksum, data []byte) uint32 {
	return c.Update(data, 0).Sum32()
}

package tlvdb

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bsm/tlvdb/tlv"
)

// Identified values carry the identity they are stored under.
type Identified interface {
	tlv.Packable

	// StoreID returns the identity issued by Create, or 0.
	StoreID() uint64
}

// Identity can be embedded into types to make them Identified. ReadInto
// populates it through SetStoreID.
type Identity uint64

// StoreID implements Identified.
func (i Identity) StoreID() uint64 { return uint64(i) }

// SetStoreID sets the identity.
func (i *Identity) SetStoreID(id uint64) { *i = Identity(id) }

// Record is a plain value paired with its identity.
type Record struct {
	ID    uint64
	Value tlv.Value
}

// StoreID implements Identified.
func (r Record) StoreID() uint64 { return r.ID }

// ToValue implements tlv.Packable.
func (r Record) ToValue() (tlv.Value, error) { return r.Value, nil }

// --------------------------------------------------------------------

// Operation is passed to index handlers.
type Operation uint8

// Operations.
const (
	OpCreate Operation = iota + 1
	OpUpdate
	OpDelete
)

func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("Operation(%d)", uint8(op))
}

// Indexed values declare attributes for secondary indexing.
type Indexed interface {
	IndexedAttributes() map[string]tlv.Value
}

// IndexHandler maintains a secondary index for a single attribute.
// Handlers own their persistence. Flush is called whenever the store
// persists its own index.
type IndexHandler interface {
	// Handle is called with the attribute value of the stored item. On
	// OpDelete the attribute value is empty.
	Handle(op Operation, id uint64, attr tlv.Value, pos int64) error
	Flush() error
	Close() error
}

// IndexHandlerFactory creates an IndexHandler for an attribute name.
type IndexHandlerFactory func(attr string) (IndexHandler, error)

type hookSet struct {
	mu       sync.Mutex
	factory  IndexHandlerFactory
	handlers map[string]IndexHandler
}

func newHookSet(factory IndexHandlerFactory) *hookSet {
	return &hookSet{
		factory:  factory,
		handlers: make(map[string]IndexHandler),
	}
}

// notify passes the attributes of v to their handlers. On updates, loaded
// handlers for attributes v no longer declares receive OpDelete.
func (h *hookSet) notify(op Operation, id uint64, v tlv.Packable, pos int64) error {
	if h.factory == nil {
		return nil
	}

	var attrs map[string]tlv.Value
	if ix, ok := v.(Indexed); ok {
		attrs = ix.IndexedAttributes()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, name := range sortedKeys(attrs) {
		handler, err := h.lookup(name)
		if err != nil {
			return err
		}
		if err := handler.Handle(op, id, attrs[name], pos); err != nil {
			return fmt.Errorf("tlvdb: index handler %q: %w", name, err)
		}
	}

	if op == OpUpdate {
		for _, name := range sortedKeys(h.handlers) {
			if _, ok := attrs[name]; ok {
				continue
			}
			if err := h.handlers[name].Handle(OpDelete, id, tlv.Value{}, pos); err != nil {
				return fmt.Errorf("tlvdb: index handler %q: %w", name, err)
			}
		}
	}
	return nil
}

// notifyDelete passes a deletion to all loaded handlers.
func (h *hookSet) notifyDelete(id uint64, pos int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, name := range sortedKeys(h.handlers) {
		if err := h.handlers[name].Handle(OpDelete, id, tlv.Value{}, pos); err != nil {
			return fmt.Errorf("tlvdb: index handler %q: %w", name, err)
		}
	}
	return nil
}

// load creates the handlers for names up front.
func (h *hookSet) load(names []string) error {
	if h.factory == nil {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, name := range names {
		if _, err := h.lookup(name); err != nil {
			return err
		}
	}
	return nil
}

func (h *hookSet) lookup(name string) (IndexHandler, error) {
	if handler, ok := h.handlers[name]; ok {
		return handler, nil
	}

	handler, err := h.factory(name)
	if err != nil {
		return nil, fmt.Errorf("tlvdb: create index handler %q: %w", name, err)
	}
	h.handlers[name] = handler
	return handler, nil
}

func (h *hookSet) flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for _, name := range sortedKeys(h.handlers) {
		if err := h.handlers[name].Flush(); err != nil {
			errs = append(errs, fmt.Errorf("tlvdb: flush index handler %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (h *hookSet) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for _, name := range sortedKeys(h.handlers) {
		if err := h.handlers[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("tlvdb: close index handler %q: %w", name, err))
		}
	}
	h.handlers = make(map[string]IndexHandler)
	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package circuit

import (
	"errors"

	"github.com/1ureka/rtunnel/internal/protocol"
)

// ErrDuplicateID is returned when registering an id that is already in use.
var ErrDuplicateID = errors.New("circuit: id already registered")

// Table maps circuit ids to circuits for one session. Like Circuit, it is
// owned by the session goroutine.
type Table struct {
	circuits map[string]*Circuit
}

func NewTable() *Table {
	return &Table{circuits: make(map[string]*Circuit)}
}

// Open allocates a fresh random id, registers a Pending circuit under it,
// and returns the circuit.
func (t *Table) Open() *Circuit {
	id := protocol.NewCircuitID(t.Has)
	c := New(id)
	t.circuits[id] = c
	return c
}

// Register adds a Pending circuit under an id chosen by the peer.
func (t *Table) Register(id string) (*Circuit, error) {
	if _, ok := t.circuits[id]; ok {
		return nil, ErrDuplicateID
	}
	c := New(id)
	t.circuits[id] = c
	return c, nil
}

func (t *Table) Has(id string) bool {
	_, ok := t.circuits[id]
	return ok
}

func (t *Table) Lookup(id string) (*Circuit, bool) {
	c, ok := t.circuits[id]
	return c, ok
}

// Remove unregisters id and returns the circuit that held it. Removing an
// unknown id is a no-op.
func (t *Table) Remove(id string) (*Circuit, bool) {
	c, ok := t.circuits[id]
	if ok {
		delete(t.circuits, id)
	}
	return c, ok
}

func (t *Table) Len() int { return len(t.circuits) }

// Drain empties the table and returns every circuit it held.
func (t *Table) Drain() []*Circuit {
	all := make([]*Circuit, 0, len(t.circuits))
	for id, c := range t.circuits {
		all = append(all, c)
		delete(t.circuits, id)
	}
	return all
}

package connection

import "github.com/puzpuzpuz/xsync/v4"

// Table is the connection arena: a lock-free map from opaque ConnID to the
// live Connection it names. Safe to Range from a goroutine other than the
// reactor loop (e.g. a metrics exporter) without coordinating with the
// driver, which is the whole point of keying by handle instead of pointer.
type Table struct {
	m *xsync.Map[ConnID, *Connection]
}

// NewTable creates an empty arena.
func NewTable() *Table {
	return &Table{m: xsync.NewMap[ConnID, *Connection]()}
}

func (t *Table) store(c *Connection) { t.m.Store(c.ID, c) }
func (t *Table) delete(id ConnID)    { t.m.Delete(id) }

// Load looks up a connection by its arena key.
func (t *Table) Load(id ConnID) (*Connection, bool) { return t.m.Load(id) }

// Len reports the number of live connections.
func (t *Table) Len() int { return t.m.Size() }

// Range calls fn for each live connection until fn returns false.
func (t *Table) Range(fn func(*Connection) bool) {
	t.m.Range(func(_ ConnID, c *Connection) bool { return fn(c) })
}

package approvals

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// Dispatcher routes approved mutations to the executor registered for
// the request type's prefix. The longest registered prefix wins, so
// "rentals.payments." can shadow "rentals.".
type Dispatcher struct {
	prefixes []string
	byPrefix map[string]Executor
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{byPrefix: make(map[string]Executor)}
}

// Register binds an executor to a request type prefix
func (d *Dispatcher) Register(prefix string, exec Executor) {
	if _, exists := d.byPrefix[prefix]; !exists {
		d.prefixes = append(d.prefixes, prefix)
		sort.Slice(d.prefixes, func(i, j int) bool {
			return len(d.prefixes[i]) > len(d.prefixes[j])
		})
	}
	d.byPrefix[prefix] = exec
}

// Execute dispatches to the executor whose prefix matches req.Type
func (d *Dispatcher) Execute(ctx context.Context, tx *sql.Tx, req *Request) error {
	for _, prefix := range d.prefixes {
		if strings.HasPrefix(req.Type, prefix) {
			return d.byPrefix[prefix].Execute(ctx, tx, req)
		}
	}
	return fmt.Errorf("no executor registered for approval type %q", req.Type)
}

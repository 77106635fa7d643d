package sync

import (
	"context"
	"database/sql"
	"errors"
	"sort"
)

// Plugin hooks into the push pipeline around each operation. Hooks run in
// ascending Priority order; later plugins see earlier plugins' rewrites.
type Plugin interface {
	Name() string
	Priority() int

	// BeforeApplyOperation may rewrite the operation before the handler
	// sees it. Returning an *OpError rejects the operation; any other
	// error aborts the whole push as an infrastructure failure.
	BeforeApplyOperation(ctx context.Context, tx *sql.Tx, auth Auth, op Operation) (Operation, error)

	// AfterApplyOperation observes a successfully applied operation and
	// its emitted changes.
	AfterApplyOperation(ctx context.Context, tx *sql.Tx, auth Auth, op Operation, res OpResult, changes []EmittedChange) error
}

// OpError is a per-operation rejection raised by a plugin or handler
// helper. It becomes an error OpResult instead of aborting the push.
type OpError struct {
	Code      string
	Message   string
	Retriable bool
}

func (e *OpError) Error() string { return e.Code + ": " + e.Message }

// AsOpError unwraps an *OpError from err.
func AsOpError(err error) (*OpError, bool) {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

func sortPlugins(plugins []Plugin) []Plugin {
	out := make([]Plugin, len(plugins))
	copy(out, plugins)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority() < out[j].Priority() })
	return out
}

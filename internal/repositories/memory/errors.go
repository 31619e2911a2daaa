package memory

import "fmt"

type errorKind int

const (
	kindNotFound errorKind = iota + 1
	kindConflict
)

// Error implements repositories.RepositoryError for the in-memory store.
type Error struct {
	op   string
	kind errorKind
	msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("memory %s: %s", e.op, e.msg)
}

func (e *Error) IsNotFound() bool    { return e != nil && e.kind == kindNotFound }
func (e *Error) IsConflict() bool    { return e != nil && e.kind == kindConflict }
func (e *Error) IsUnavailable() bool { return false }

func notFound(op, format string, args ...any) error {
	return &Error{op: op, kind: kindNotFound, msg: fmt.Sprintf(format, args...)}
}

func conflict(op, format string, args ...any) error {
	return &Error{op: op, kind: kindConflict, msg: fmt.Sprintf(format, args...)}
}

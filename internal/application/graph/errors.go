package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidGraph marks structural problems short of a cycle: unknown
	// edge endpoints, self-loops, duplicate vertices or edges.
	ErrInvalidGraph = errors.New("invalid dependency graph")
	// ErrCycleFound marks a dependency cycle. Core operations never build
	// one; seeing this means an external producer misbehaved.
	ErrCycleFound = errors.New("dependency cycle detected")
	// ErrUnknownTask is returned when an operation references a task id
	// that is not part of the graph.
	ErrUnknownTask = errors.New("unknown task")
)

// Error wraps graph validation failures with a stable message.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *Error) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &Error{Kind: ErrInvalidGraph, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(path []string) error {
	msg := ""
	if len(path) > 0 {
		msg = strings.Join(path, " -> ")
	}
	return &Error{Kind: ErrCycleFound, Msg: msg}
}

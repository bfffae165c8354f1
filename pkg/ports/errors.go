package ports

import "errors"

var (
	// ErrNotFound is returned when a context, task or edge row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned by compare-and-swap updates when the
	// stored optimistic version no longer matches the expected one.
	ErrVersionConflict = errors.New("version conflict")
	// ErrAlreadyExists is returned when creating a row whose id is taken.
	ErrAlreadyExists = errors.New("already exists")
)

// Package codec provides params codec implementations.
package codec

import "fmt"

// Identity is a ParamsCodec that performs no real conversion: only
// same-version "downgrades" are supported. Deployments whose workers can
// lag behind the producer's params schema plug in a real codec instead.
type Identity struct{}

// NewIdentity creates the identity codec.
func NewIdentity() *Identity {
	return &Identity{}
}

// CanDowngrade reports whether params can be converted between versions.
func (Identity) CanDowngrade(from, to int) bool {
	return from == to
}

// Downgrade converts params between schema versions.
func (Identity) Downgrade(params []byte, from, to int) ([]byte, error) {
	if from != to {
		return nil, fmt.Errorf("cannot downgrade params from schema version %d to %d", from, to)
	}
	return params, nil
}

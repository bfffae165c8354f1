package ports

// ParamsCodec re-serializes task parameters between schema versions so that
// older workers can be served newer tasks. Serialization itself lives
// outside the dispatcher; the queue only needs the downgrade decision.
type ParamsCodec interface {
	// CanDowngrade reports whether params of schema version from can be
	// expressed in version to.
	CanDowngrade(from, to int) bool
	// Downgrade re-serializes params from schema version from to version to.
	Downgrade(params []byte, from, to int) ([]byte, error)
}

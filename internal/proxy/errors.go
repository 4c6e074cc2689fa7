package proxy

// UserActionError is raised only for interactive calls when the requested
// action is logically impossible, so the operator understands why nothing
// happened. Background reconciliation never raises it; it degrades to a
// warning log and a no-op instead.
type UserActionError struct {
	Message string
}

func (e *UserActionError) Error() string { return e.Message }

// ConfigurationError means the proxy configuration could not be read nor
// synthesized. It is always surfaced: proxy startup cannot proceed without
// a configuration document.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return e.Message }

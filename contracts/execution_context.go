package contracts

import "strings"

// metadataPrefix marks headers that round-trip into ExecutionContext.Metadata.
const metadataPrefix = "x-meta-"

// ExecutionContext is the caller identity and request metadata that travels
// alongside a command or event. It never goes into the payload.
type ExecutionContext struct {
	UserID        string
	CorrelationID string
	Metadata      map[string]string
}

// NewExecutionContext creates an execution context for the given user
func NewExecutionContext(userID string) ExecutionContext {
	return ExecutionContext{UserID: userID}
}

// WithMetadata returns a copy of the context with an extra metadata entry.
func (c ExecutionContext) WithMetadata(key, value string) ExecutionContext {
	md := make(map[string]string, len(c.Metadata)+1)
	for k, v := range c.Metadata {
		md[k] = v
	}
	md[key] = value
	c.Metadata = md
	return c
}

// Apply writes the context into the envelope's routing fields and headers.
func (c ExecutionContext) Apply(env *Envelope) {
	if c.UserID != "" {
		env.UserID = c.UserID
	}
	for k, v := range c.Metadata {
		env.SetHeader(metadataPrefix+strings.ToLower(k), v)
	}
}

// ExecutionContextFrom rebuilds the execution context of an inbound envelope.
func ExecutionContextFrom(env *Envelope) ExecutionContext {
	ec := ExecutionContext{
		UserID:        env.UserID,
		CorrelationID: env.CorrelationID,
	}
	for k, v := range env.Headers {
		if name, ok := strings.CutPrefix(k, metadataPrefix); ok {
			if ec.Metadata == nil {
				ec.Metadata = make(map[string]string)
			}
			ec.Metadata[name] = v
		}
	}
	return ec
}

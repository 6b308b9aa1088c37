package contracts

import (
	"strings"
)

// Reserved header names. Values are always strings so every transport can
// carry them natively.
const (
	HeaderReplyChannel  = "x-reply-channel"
	HeaderCorrelationID = "x-correlation-id"
	HeaderUserID        = "x-user-id"
	HeaderError         = "x-ipc-error"
	HeaderKind          = "x-ipc-kind"
	HeaderContentType   = "content-type"

	ContentTypeJSON = "application/json"
)

// Envelope is the unit that crosses the wire: an opaque payload plus the
// routing and correlation metadata needed to deliver it.
type Envelope struct {
	Channel       string
	ReplyChannel  string
	CorrelationID string
	UserID        string
	Kind          Kind
	Headers       map[string]string
	Payload       []byte
}

// NewEnvelope creates an envelope for the given channel with a JSON payload
func NewEnvelope(channel string, kind Kind, payload []byte) *Envelope {
	return &Envelope{
		Channel: channel,
		Kind:    kind,
		Headers: map[string]string{HeaderContentType: ContentTypeJSON},
		Payload: payload,
	}
}

// IsError reports whether the envelope carries an ErrorEnvelope payload.
func (e *Envelope) IsError() bool {
	return strings.EqualFold(e.Header(HeaderError), "true")
}

// MarkError flags the envelope as an error reply.
func (e *Envelope) MarkError() {
	e.SetHeader(HeaderError, "true")
}

// Header returns a header value, or "" when absent
func (e *Envelope) Header(name string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[name]
}

// SetHeader sets a header value, allocating the map if needed
func (e *Envelope) SetHeader(name, value string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[name] = value
}

// ToHeaders flattens the envelope's routing fields into a header map. The
// returned map is a copy and safe to hand to a transport.
func (e *Envelope) ToHeaders() map[string]string {
	out := make(map[string]string, len(e.Headers)+4)
	for k, v := range e.Headers {
		out[k] = v
	}
	if e.ReplyChannel != "" {
		out[HeaderReplyChannel] = e.ReplyChannel
	}
	if e.CorrelationID != "" {
		out[HeaderCorrelationID] = e.CorrelationID
	}
	if e.UserID != "" {
		out[HeaderUserID] = e.UserID
	}
	if e.Kind != "" {
		out[HeaderKind] = string(e.Kind)
	}
	return out
}

// EnvelopeFromHeaders rebuilds an envelope from a channel, a header map and
// a payload as delivered by a transport.
func EnvelopeFromHeaders(channel string, headers map[string]string, payload []byte) *Envelope {
	env := &Envelope{
		Channel: channel,
		Headers: make(map[string]string, len(headers)),
		Payload: payload,
	}
	for k, v := range headers {
		switch k {
		case HeaderReplyChannel:
			env.ReplyChannel = v
		case HeaderCorrelationID:
			env.CorrelationID = v
		case HeaderUserID:
			env.UserID = v
		case HeaderKind:
			env.Kind = Kind(v)
		default:
			env.Headers[k] = v
		}
	}
	return env
}

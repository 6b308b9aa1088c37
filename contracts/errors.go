package contracts

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorEnvelope is the wire form of a handler failure.
type ErrorEnvelope struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

// NewErrorEnvelope creates an error envelope. A non-positive status is
// replaced with 500.
func NewErrorEnvelope(statusCode int, message string) ErrorEnvelope {
	if statusCode <= 0 {
		statusCode = http.StatusInternalServerError
	}
	return ErrorEnvelope{StatusCode: statusCode, Message: message}
}

// Marshal encodes the envelope as JSON
func (e ErrorEnvelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func (e ErrorEnvelope) String() string {
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

// ParseErrorEnvelope decodes an error envelope payload.
func ParseErrorEnvelope(data []byte) (ErrorEnvelope, error) {
	var env ErrorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ErrorEnvelope{}, fmt.Errorf("failed to parse error envelope: %w", err)
	}
	return env, nil
}

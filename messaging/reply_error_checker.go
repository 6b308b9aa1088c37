package messaging

import (
	"github.com/glimte/mmate-ipc/contracts"
)

// CheckReply decides whether a reply envelope is a success. It returns nil
// for a success payload, a *RemoteExecutionError for an ErrorEnvelope, and a
// *DecodingError when the error marker is set but the body is unreadable.
func CheckReply(channel string, env *contracts.Envelope) error {
	if !env.IsError() {
		return nil
	}

	errEnv, err := contracts.ParseErrorEnvelope(env.Payload)
	if err != nil {
		return &DecodingError{Channel: channel, Type: "ErrorEnvelope", Err: err}
	}

	return &RemoteExecutionError{
		Channel:       channel,
		CorrelationID: env.CorrelationID,
		Code:          contracts.NewErrorEnvelope(errEnv.StatusCode, errEnv.Message).StatusCode,
		Message:       errEnv.Message,
	}
}

package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/glimte/mmate-ipc/contracts"
)

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}

// encodePayload serialises v as the JSON body of a message on channel.
func encodePayload(channel string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &EncodingError{Channel: channel, Type: typeName(v), Err: err}
	}
	return data, nil
}

// decodePayload deserialises a JSON body into T.
func decodePayload[T any](channel string, data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, &DecodingError{Channel: channel, Type: typeName(v), Err: err}
	}
	return v, nil
}

// newReplyEnvelope addresses a reply to the caller of request.
func newReplyEnvelope(request *contracts.Envelope, payload []byte) *contracts.Envelope {
	reply := contracts.NewEnvelope(request.ReplyChannel, contracts.KindReply, payload)
	reply.CorrelationID = request.CorrelationID
	reply.UserID = request.UserID
	return reply
}

// newErrorReplyEnvelope builds the ErrorEnvelope reply for a failed request.
func newErrorReplyEnvelope(request *contracts.Envelope, statusCode int, message string) (*contracts.Envelope, error) {
	payload, err := contracts.NewErrorEnvelope(statusCode, message).Marshal()
	if err != nil {
		return nil, err
	}
	reply := newReplyEnvelope(request, payload)
	reply.MarkError()
	return reply, nil
}

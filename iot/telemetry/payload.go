package telemetry

import (
	"bytes"
	"errors"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

var errNotJSON = errors.New("not a JSON document")

// DecodePayload turns a protocol payload into a JSON value for storage.
//
// A payload that is valid JSON is returned compacted. Anything else is returned as
// a JSON string holding the raw text together with a *DecodeError; the caller stores
// it anyway and marks the record Raw.
func DecodePayload(topic string, payload []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err == nil {
			return json.RawMessage(buf.Bytes()), nil
		}
	}

	text := string(payload)
	if !utf8.ValidString(text) {
		text = string(bytes.ToValidUTF8(payload, []byte("�")))
	}
	raw, err := json.Marshal(text)
	if err != nil {
		return nil, &DecodeError{Topic: topic, Err: err}
	}
	return raw, &DecodeError{Topic: topic, Err: errNotJSON}
}

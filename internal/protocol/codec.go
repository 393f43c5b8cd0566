package protocol

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"

	"codeground/internal/merr"
)

var (
	json     = jsoniter.ConfigCompatibleWithStandardLibrary
	validate = validator.New()
)

// Encode builds a complete frame for event with the given payload.
func Encode(event Event, payload interface{}) ([]byte, error) {
	env := Envelope{Type: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal %s payload", event)
		}
		env.Payload = data
	}
	return json.Marshal(&env)
}

// MustEncode is Encode for payloads that cannot fail to marshal.
func MustEncode(event Event, payload interface{}) []byte {
	data, err := Encode(event, payload)
	if err != nil {
		panic(err)
	}
	return data
}

// Decode parses a frame. The payload is left raw until Bind.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, merr.WrapErrMalformedMessage(err, "decode envelope")
	}
	if env.Type == "" {
		return nil, errors.Wrap(merr.ErrMalformedMessage, "missing type")
	}
	return &env, nil
}

// Bind unmarshals the payload into v and validates its struct tags.
func (e *Envelope) Bind(v interface{}) error {
	if len(e.Payload) == 0 {
		return errors.Wrapf(merr.ErrMalformedMessage, "%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return merr.WrapErrMalformedMessage(err, string(e.Type)+": decode payload")
	}
	if err := validate.Struct(v); err != nil {
		return merr.WrapErrMalformedMessage(err, string(e.Type)+": validate payload")
	}
	return nil
}

// ValidateUsername checks a display name supplied at join time.
func ValidateUsername(username string) error {
	if err := validate.Var(strings.TrimSpace(username), "required,max=64"); err != nil {
		return errors.Wrapf(merr.ErrInvalidUsername, "username=%q", username)
	}
	return nil
}

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

type decoder func(json.RawMessage) (Payload, error)

var commandDecoders = map[Type]decoder{
	TypeAuthenticate: decodeAs[Authenticate],
	TypeJoin:         decodeAs[Join],
	TypeLeave:        decodeAs[Leave],
	TypeSendMessage:  decodeAs[SendMessage],
	TypeTypingStart:  decodeAs[TypingStart],
	TypeTypingStop:   decodeAs[TypingStop],
	TypeHeartbeat:    decodeAs[Heartbeat],
}

var eventDecoders = map[Type]decoder{
	TypeAuthenticated:   decodeAs[Authenticated],
	TypeJoined:          decodeAs[Joined],
	TypeLeft:            decodeAs[Left],
	TypeNewMessage:      decodeAs[NewMessage],
	TypeUserTyping:      decodeAs[UserTyping],
	TypePresenceChanged: decodeAs[PresenceChanged],
	TypeError:           decodeAs[ErrorEvent],
	TypePong:            decodeAs[Pong],
}

// DecodeCommand parses and validates a client envelope. Every failure is
// reported as CodeMalformedEnvelope.
func DecodeCommand(raw []byte) (Payload, error) {
	p, err := decodeWith(raw, commandDecoders)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(p); err != nil {
		return nil, Errorf(CodeMalformedEnvelope, "invalid %s payload: %s", p.Kind(), describe(err))
	}
	return p, nil
}

// DecodeEvent parses a server envelope. It is used by clients and tests.
func DecodeEvent(raw []byte) (Payload, error) {
	return decodeWith(raw, eventDecoders)
}

// PeekType reads only the type of a frame. It returns the empty type when
// raw is not an envelope.
func PeekType(raw []byte) Type {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	return head.Type
}

func decodeWith(raw []byte, decoders map[Type]decoder) (Payload, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, Errorf(CodeMalformedEnvelope, "envelope is not valid JSON")
	}
	decode, ok := decoders[env.Type]
	if !ok {
		return nil, Errorf(CodeMalformedEnvelope, "unknown message type %q", env.Type)
	}
	return decode(env.Data)
}

func decodeAs[T Payload](data json.RawMessage) (Payload, error) {
	var v T
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return v, nil
	}
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil, Errorf(CodeMalformedEnvelope, "invalid %s payload", v.Kind())
	}
	return v, nil
}

func describe(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err.Error()
	}
	fe := fieldErrs[0]
	if fe.Param() != "" {
		return fmt.Sprintf("field %s failed %s=%s", fe.Field(), fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("field %s failed %s", fe.Field(), fe.Tag())
}

// Package profile decodes the public profile documents served for remote
// recipients.
package profile

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/keywatch/keywatch/internal/core"
)

const (
	// IdentityKeyField is the response field carrying the encoded identity key.
	IdentityKeyField = "identityKey"

	// KeyTypeDJB is the type byte prefixed to Curve25519 public keys.
	KeyTypeDJB byte = 0x05

	encodedKeyLength = core.IdentityKeySize + 1
)

var (
	ErrUnexpectedType     = errors.New("unexpected profile payload type")
	ErrMissingIdentityKey = errors.New("missing identity key")
	ErrInvalidEncoding    = errors.New("identity key is not valid base64")
	ErrInvalidKeyLength   = errors.New("identity key has unexpected length")
)

// DecodeError reports why a profile payload was rejected.
type DecodeError struct {
	RecipientID core.RecipientID
	Reason      error
	Detail      string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("decode profile for %s: %v", e.RecipientID, e.Reason)
	}
	return fmt.Sprintf("decode profile for %s: %v: %s", e.RecipientID, e.Reason, e.Detail)
}

func (e *DecodeError) Unwrap() error {
	return e.Reason
}

// Decode builds a profile record from an untyped response payload.
//
// The payload is either a string-keyed map or a JSON document.
func Decode(recipientID core.RecipientID, raw any) (*core.Profile, error) {
	encoded, err := identityKeyField(recipientID, raw)
	if err != nil {
		return nil, err
	}

	withType, err := decodeBase64(encoded)
	if err != nil {
		return nil, &DecodeError{RecipientID: recipientID, Reason: ErrInvalidEncoding, Detail: err.Error()}
	}
	if len(withType) != encodedKeyLength {
		return nil, &DecodeError{
			RecipientID: recipientID,
			Reason:      ErrInvalidKeyLength,
			Detail:      fmt.Sprintf("decoded length %d", len(withType)),
		}
	}

	key, err := core.IdentityKeyFromBytes(withType[1:])
	if err != nil {
		return nil, &DecodeError{RecipientID: recipientID, Reason: ErrInvalidKeyLength, Detail: err.Error()}
	}

	return &core.Profile{RecipientID: recipientID, IdentityKey: key}, nil
}

// decodeBase64 decodes standard padded base64. Line breaks are rejected
// rather than skipped.
func decodeBase64(encoded string) ([]byte, error) {
	if i := strings.IndexAny(encoded, "\r\n"); i >= 0 {
		return nil, base64.CorruptInputError(i)
	}
	return base64.StdEncoding.DecodeString(encoded)
}

func identityKeyField(recipientID core.RecipientID, raw any) (string, error) {
	switch payload := raw.(type) {
	case map[string]any:
		value, ok := payload[IdentityKeyField]
		if !ok || value == nil {
			return "", &DecodeError{RecipientID: recipientID, Reason: ErrMissingIdentityKey}
		}
		encoded, ok := value.(string)
		if !ok {
			return "", &DecodeError{
				RecipientID: recipientID,
				Reason:      ErrMissingIdentityKey,
				Detail:      fmt.Sprintf("field has type %T", value),
			}
		}
		return encoded, nil
	case map[string]string:
		encoded, ok := payload[IdentityKeyField]
		if !ok {
			return "", &DecodeError{RecipientID: recipientID, Reason: ErrMissingIdentityKey}
		}
		return encoded, nil
	case []byte:
		return jsonIdentityKeyField(recipientID, payload)
	case json.RawMessage:
		return jsonIdentityKeyField(recipientID, payload)
	case string:
		return jsonIdentityKeyField(recipientID, []byte(payload))
	default:
		return "", &DecodeError{
			RecipientID: recipientID,
			Reason:      ErrUnexpectedType,
			Detail:      fmt.Sprintf("%T", raw),
		}
	}
}

func jsonIdentityKeyField(recipientID core.RecipientID, body []byte) (string, error) {
	if !gjson.ValidBytes(body) {
		return "", &DecodeError{RecipientID: recipientID, Reason: ErrUnexpectedType, Detail: "invalid json"}
	}

	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return "", &DecodeError{RecipientID: recipientID, Reason: ErrUnexpectedType, Detail: "json is not an object"}
	}

	field := doc.Get(IdentityKeyField)
	if !field.Exists() || field.Type == gjson.Null {
		return "", &DecodeError{RecipientID: recipientID, Reason: ErrMissingIdentityKey}
	}
	if field.Type != gjson.String {
		return "", &DecodeError{
			RecipientID: recipientID,
			Reason:      ErrMissingIdentityKey,
			Detail:      "field is not a string",
		}
	}

	return field.Str, nil
}

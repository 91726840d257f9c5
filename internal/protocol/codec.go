package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tastyrock/negotiator/internal/domain"
)

var errMissingType = errors.New("missing type")

// Encode marshals a message. The header type must already be set.
func Encode(m Message) ([]byte, error) {
	if m.Head().Type == "" {
		return nil, &domain.ProtocolError{Err: errMissingType}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, &domain.ProtocolError{Type: string(m.Head().Type), Err: fmt.Errorf("encode: %w", err)}
	}
	return data, nil
}

// Decode parses one message into its concrete type. Unknown types and
// malformed payloads yield a *domain.ProtocolError.
func Decode(data []byte) (Message, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, &domain.ProtocolError{Err: fmt.Errorf("decode header: %w", err)}
	}
	if h.Type == "" {
		return nil, &domain.ProtocolError{Err: errMissingType}
	}

	var (
		m   Message
		err error
	)
	switch {
	case h.Type == TypePresence:
		m, err = decodeAs[Presence](data)
	case IsFlagType(h.Type):
		m, err = decodeAs[OfferState](data)
	case h.Type == TypeOfferItems:
		m, err = decodeAs[OfferItems](data)
	case h.Type == TypeOfferLog:
		m, err = decodeAs[OfferLog](data)
	case h.Type == TypeOfferStep:
		m, err = decodeAs[OfferStep](data)
	case IsTextType(h.Type):
		m, err = decodeAs[Text](data)
	case h.Type == TypeItemAsking:
		m, err = decodeAs[ItemAsking](data)
	case IsHintType(h.Type):
		m = Hint{Header: h}
	default:
		return nil, &domain.ProtocolError{Type: string(h.Type), Err: domain.ErrUnknownMessage}
	}
	if err != nil {
		return nil, &domain.ProtocolError{Type: string(h.Type), Err: err}
	}
	return m, nil
}

func decodeAs[T Message](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

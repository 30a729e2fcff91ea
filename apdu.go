package selink

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/skythen/apdu"
)

const (
	insStoreData   = 0xCB
	insGetResponse = 0xC0
)

// WrapCommand serializes a command body using CBOR and wraps it into an APDU
// command. It returns the byte representation of the APDU command or an error
// if something goes wrong.
func WrapCommand(body interface{}) ([]byte, error) {

	cborSerialized, err := cbor.Marshal(body)
	if err != nil {
		return nil, err
	}

	capdu := apdu.Capdu{Cla: 0x00, Ins: insStoreData, Data: cborSerialized}

	return capdu.Bytes()

}

// UnwrapResponse takes a byte slice, tries to parse it as an APDU response,
// and returns the data field of the response. It returns an error if the byte
// slice cannot be parsed or does not carry a success status word.
func UnwrapResponse(value []byte) ([]byte, error) {

	rapdu, err := apdu.ParseRapdu(value)

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if rapdu.SW1 != 0x90 {
		return nil, fmt.Errorf("incorrect status word 1: %x", rapdu.SW1)
	}

	return rapdu.Data, nil

}

// classify maps an ISO 7816-4 status word to a response type. SW1 0x61 means
// more response bytes are pending on the card and must be fetched with GET
// RESPONSE.
func classify(sw1, sw2 byte) ResponseType {
	switch {
	case sw1 == 0x90 && sw2 == 0x00:
		return ResponseSuccess
	case sw1 == 0x61:
		return ResponseConcatenation
	case sw1 == 0x62 || sw1 == 0x63:
		return ResponseWarning
	default:
		return ResponseError
	}
}

// getResponse builds the GET RESPONSE command fetching pending bytes. SW2 of
// the previous response hints at how many are left; zero means "unknown, give
// me a full frame".
func getResponse(sw2 byte) ([]byte, error) {

	ne := int(sw2)
	if ne == 0 {
		ne = 256
	}

	capdu := apdu.Capdu{Cla: 0x00, Ins: insGetResponse, Ne: ne}

	return capdu.Bytes()

}

// DecodeResult parses a raw response frame into a ResultMessage, classifying
// its status word and, for concatenated responses, attaching the continuation
// fragment to send next.
func DecodeResult(frame []byte) (ResultMessage, error) {

	rapdu, err := apdu.ParseRapdu(frame)

	if err != nil {
		return ResultMessage{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	msg := ResultMessage{Type: classify(rapdu.SW1, rapdu.SW2), Data: frame}

	if msg.Type == ResponseConcatenation {

		next, err := getResponse(rapdu.SW2)

		if err != nil {
			return ResultMessage{}, err
		}

		msg.ConcatenationPayload = next
	}

	return msg, nil

}

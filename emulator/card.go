package main

import (
	"sync"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/skythen/apdu"
)

// chunkSize is the largest response data a single frame carries. Anything
// bigger is split and fetched with GET RESPONSE.
const chunkSize = 128

const (
	insSelect      = 0xA4
	insStoreData   = 0xCB
	insGetResponse = 0xC0
)

// card is an in-memory secure element. One card serves one pipe connection;
// pending holds response bytes not yet fetched through the concatenation
// path.
type card struct {
	log     zerolog.Logger
	private *secp256k1.PrivateKey

	mu       sync.Mutex
	selected bool
	data     map[string][]byte
	pending  []byte
}

type cardCommand struct {
	Cmd   string `cbor:"cmd"`
	Name  string `cbor:"name,omitempty"`
	Value []byte `cbor:"value,omitempty"`
}

type cardStatus struct {
	Version   string `cbor:"ver"`
	PublicKey []byte `cbor:"pubkey"`
	Objects   int    `cbor:"objects"`
}

type cardError struct {
	Code  int    `cbor:"code"`
	Error string `cbor:"error"`
}

func newCard(log zerolog.Logger) (*card, error) {

	private, err := secp256k1.GeneratePrivateKey()

	if err != nil {
		return nil, err
	}

	return &card{
		log:     log,
		private: private,
		data:    make(map[string][]byte),
	}, nil

}

// handle processes one command frame and returns the response frame.
func (c *card) handle(frame []byte) []byte {

	c.mu.Lock()
	defer c.mu.Unlock()

	capdu, err := apdu.ParseCapdu(frame)

	if err != nil {
		c.log.Warn().Err(err).Msg("unparseable command frame")
		return rapduBytes(nil, 0x67, 0x00)
	}

	switch capdu.Ins {

	case insGetResponse:
		return c.nextChunk()

	case insSelect:
		c.selected = true
		c.pending = nil
		return c.respond(cardStatus{
			Version:   "1.0.0",
			PublicKey: c.private.PubKey().SerializeCompressed(),
			Objects:   len(c.data),
		})

	case insStoreData:
		if !c.selected {
			// conditions of use not satisfied: no applet selected
			return rapduBytes(nil, 0x69, 0x85)
		}
		return c.execute(capdu.Data)

	default:
		// instruction not supported
		return rapduBytes(nil, 0x6D, 0x00)

	}

}

func (c *card) execute(body []byte) []byte {

	var cmd cardCommand

	if err := cbor.Unmarshal(body, &cmd); err != nil {
		c.log.Warn().Err(err).Msg("unparseable command body")
		return rapduBytes(nil, 0x6A, 0x80)
	}

	c.log.Debug().Str("cmd", cmd.Cmd).Str("name", cmd.Name).Msg("card command")

	switch cmd.Cmd {

	case "status":
		return c.respond(cardStatus{
			Version:   "1.0.0",
			PublicKey: c.private.PubKey().SerializeCompressed(),
			Objects:   len(c.data),
		})

	case "put-data":
		if cmd.Name == "" {
			return c.respondError(400, "missing name")
		}
		c.data[cmd.Name] = cmd.Value
		return c.respond(map[string]int{"stored": len(cmd.Value)})

	case "get-data":
		value, ok := c.data[cmd.Name]
		if !ok {
			// warning: referenced data not found
			return rapduBytes(nil, 0x62, 0x82)
		}
		return c.respond(map[string][]byte{"value": value})

	case "sign":
		if len(cmd.Value) != 32 {
			return c.respondError(400, "digest must be 32 bytes")
		}
		signature := ecdsa.Sign(c.private, cmd.Value)
		return c.respond(map[string][]byte{"sig": signature.Serialize()})

	default:
		return c.respondError(404, "unknown command")

	}

}

// respond CBOR-encodes body and frames it, splitting into the concatenation
// path when it exceeds one frame.
func (c *card) respond(body interface{}) []byte {

	serialized, err := cbor.Marshal(body)

	if err != nil {
		c.log.Error().Err(err).Msg("response serialization failed")
		return rapduBytes(nil, 0x6F, 0x00)
	}

	if len(serialized) <= chunkSize {
		return rapduBytes(serialized, 0x90, 0x00)
	}

	c.pending = serialized[chunkSize:]

	return rapduBytes(serialized[:chunkSize], 0x61, remainingHint(len(c.pending)))

}

func (c *card) respondError(code int, message string) []byte {

	serialized, err := cbor.Marshal(cardError{Code: code, Error: message})

	if err != nil {
		return rapduBytes(nil, 0x6F, 0x00)
	}

	return rapduBytes(serialized, 0x6A, 0x80)

}

func (c *card) nextChunk() []byte {

	if len(c.pending) == 0 {
		// conditions of use not satisfied
		return rapduBytes(nil, 0x69, 0x85)
	}

	chunk := c.pending

	if len(chunk) > chunkSize {
		chunk = chunk[:chunkSize]
	}

	c.pending = c.pending[len(chunk):]

	if len(c.pending) > 0 {
		return rapduBytes(chunk, 0x61, remainingHint(len(c.pending)))
	}

	return rapduBytes(chunk, 0x90, 0x00)

}

func remainingHint(remaining int) byte {
	if remaining > 255 {
		return 0x00
	}
	return byte(remaining)
}

func rapduBytes(data []byte, sw1, sw2 byte) []byte {

	rapdu := apdu.Rapdu{Data: data, SW1: sw1, SW2: sw2}

	bytes, err := rapdu.Bytes()

	if err != nil {
		return []byte{0x6F, 0x00}
	}

	return bytes

}

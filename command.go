package selink

// ResponseType classifies a response frame from the secure element.
type ResponseType int

const (
	ResponseSuccess ResponseType = iota
	ResponseWarning
	ResponseError
	ResponseConcatenation
)

func (t ResponseType) String() string {
	switch t {
	case ResponseSuccess:
		return "success"
	case ResponseWarning:
		return "warning"
	case ResponseError:
		return "error"
	case ResponseConcatenation:
		return "concatenation"
	default:
		return "unknown"
	}
}

// Command is one APDU exchange with the secure element. The payload is opaque
// to this package. A Command is owned exclusively by the Executor from the
// moment Execute accepts it until the terminal callback fires.
type Command struct {
	// Payload is the raw command bytes. During a concatenation loop the
	// Executor replaces it with the continuation fragment before re-sending.
	Payload []byte

	// ContinueOnFailure makes an error or warning response resolve as success
	// with whatever bytes were received, instead of failing the command.
	ContinueOnFailure bool

	// ResponseType is the classification of the last response frame received
	// for this command. Filled by the Executor.
	ResponseType ResponseType

	// ResponseData holds the (possibly concatenation-assembled) raw response
	// bytes once the command completes successfully.
	ResponseData []byte
}

// ResultMessage is one decoded response frame, produced by the transport's
// frame decoder and consumed immediately by the Executor.
type ResultMessage struct {
	// Type is the status word classification of the frame.
	Type ResponseType

	// Data is the raw response bytes, trailing status word included.
	Data []byte

	// ConcatenationPayload is the follow-up command fragment to send when
	// Type is ResponseConcatenation.
	ConcatenationPayload []byte
}

package selink

import (
	"log/slog"
	"net"
	"sync"
)

// Transport is the port to the device link. Production hosts back it with
// their BLE layer; PipeTransport backs it with a unix socket for development.
type Transport interface {
	// Send writes one raw command frame. The response arrives asynchronously
	// through the transport's frame decoder.
	Send(command []byte) error

	// IsConnected reports whether the link is currently up.
	IsConnected() bool

	// OnDisconnect registers fn to run when the link drops. The returned
	// cancel releases the subscription; cancelling twice is harmless.
	OnDisconnect(fn func()) (cancel func())
}

// ResultHandler receives decoded response frames from a transport.
type ResultHandler func(msg ResultMessage)

// PipeTransport talks to a secure element emulator over a unix socket.
type PipeTransport struct {
	log      *slog.Logger
	onResult ResultHandler

	mu      sync.Mutex
	conn    net.Conn
	closed  bool
	nextSub int
	subs    map[int]func()
}

// DialPipe connects to the emulator socket at path. Decoded response frames
// are delivered to onResult from a single reader goroutine.
func DialPipe(path string, onResult ResultHandler, log *slog.Logger) (*PipeTransport, error) {

	if log == nil {
		log = slog.Default()
	}

	connection, err := net.Dial("unix", path)

	if err != nil {
		return nil, err
	}

	transport := &PipeTransport{
		log:      log,
		onResult: onResult,
		conn:     connection,
		subs:     make(map[int]func()),
	}

	go transport.readLoop()

	return transport, nil

}

func (t *PipeTransport) readLoop() {

	buf := make([]byte, 4096)

	for {
		n, err := t.conn.Read(buf)

		if err != nil {
			t.markDisconnected()
			return
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])

		msg, err := DecodeResult(frame)

		if err != nil {
			t.log.Warn("dropping undecodable frame", "err", err)
			continue
		}

		t.onResult(msg)
	}

}

func (t *PipeTransport) Send(command []byte) error {

	t.mu.Lock()
	connection, closed := t.conn, t.closed
	t.mu.Unlock()

	if closed || connection == nil {
		return ErrDeviceNotConnected
	}

	_, err := connection.Write(command)

	return err

}

func (t *PipeTransport) IsConnected() bool {

	t.mu.Lock()
	defer t.mu.Unlock()

	return !t.closed && t.conn != nil

}

func (t *PipeTransport) OnDisconnect(fn func()) (cancel func()) {

	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}

}

// Close tears the connection down. The reader goroutine then delivers the
// disconnect to subscribers.
func (t *PipeTransport) Close() error {

	t.mu.Lock()
	connection := t.conn
	t.mu.Unlock()

	if connection == nil {
		return nil
	}

	return connection.Close()

}

func (t *PipeTransport) markDisconnected() {

	t.mu.Lock()

	if t.closed {
		t.mu.Unlock()
		return
	}

	t.closed = true

	subscribers := make([]func(), 0, len(t.subs))
	for _, fn := range t.subs {
		subscribers = append(subscribers, fn)
	}
	t.subs = make(map[int]func())

	t.mu.Unlock()

	t.log.Debug("pipe transport disconnected")

	for _, fn := range subscribers {
		fn()
	}

}

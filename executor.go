package selink

import (
	"log/slog"
	"sync"
)

// ExecutionState is the executor's position in a command exchange.
type ExecutionState int

const (
	StateIdle ExecutionState = iota
	StateInFlight
	StateAwaitingContinuation
)

func (s ExecutionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInFlight:
		return "in-flight"
	case StateAwaitingContinuation:
		return "awaiting-continuation"
	default:
		return "unknown"
	}
}

// SendFunc writes one raw command frame to the device.
type SendFunc func(command []byte) error

// CompletionFunc receives the terminal outcome of an accepted Execute call.
// It is invoked exactly once, with either a populated command or an error.
type CompletionFunc func(cmd *Command, err error)

// Executor drives one command at a time over the transport. At most one
// command is in flight per Executor; the underlying transport supports no
// multiplexing. Response and disconnect notifications may arrive from any
// goroutine and are serialized internally; whichever resolves the pending
// command first wins, the loser is discarded silently.
type Executor struct {
	transport Transport
	log       *slog.Logger

	mu               sync.Mutex
	state            ExecutionState
	generation       uint64
	cmd              *Command
	send             SendFunc
	done             CompletionFunc
	carry            []byte
	cancelDisconnect func()
}

func NewExecutor(transport Transport, log *slog.Logger) *Executor {

	if log == nil {
		log = slog.Default()
	}

	return &Executor{transport: transport, log: log}

}

// State returns the current execution state.
func (e *Executor) State() ExecutionState {

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state

}

// Execute starts one command exchange. It fails with ErrAlreadyExecuting if a
// command is in flight and with ErrDeviceNotConnected if the transport reports
// no connection. On acceptance the executor subscribes to the transport's
// disconnect notification, sends the payload, and later delivers exactly one
// terminal callback through done.
func (e *Executor) Execute(cmd *Command, send SendFunc, done CompletionFunc) error {

	e.mu.Lock()

	if e.state != StateIdle {
		e.mu.Unlock()
		return ErrAlreadyExecuting
	}

	if !e.transport.IsConnected() {
		e.mu.Unlock()
		return ErrDeviceNotConnected
	}

	e.state = StateInFlight
	e.generation++
	generation := e.generation

	e.cmd = cmd
	e.send = send
	e.done = done
	e.carry = nil

	e.cancelDisconnect = e.transport.OnDisconnect(func() {
		e.disconnected(generation)
	})

	payload := cmd.Payload

	e.mu.Unlock()

	e.log.Debug("command accepted", "bytes", len(payload))

	if err := send(payload); err != nil {
		e.resolve(generation, err)
	}

	return nil

}

// HandleResponse delivers one decoded response frame to the executor. Frames
// arriving with no command in flight are discarded: a response losing the
// race against a disconnect is not an error.
func (e *Executor) HandleResponse(msg ResultMessage) {

	e.mu.Lock()

	if e.state == StateIdle || e.cmd == nil {
		e.mu.Unlock()
		e.log.Debug("discarding response with no command in flight")
		return
	}

	generation := e.generation
	cmd := e.cmd
	cmd.ResponseType = msg.Type

	cumulative := make([]byte, 0, len(e.carry)+len(msg.Data))
	cumulative = append(cumulative, e.carry...)
	cumulative = append(cumulative, msg.Data...)

	switch msg.Type {

	case ResponseConcatenation:

		if len(msg.Data) == 0 || len(cumulative) < 2 {
			e.resolveAndUnlock(cmd, ErrResponseDataEmpty)
			return
		}

		// A concatenation result with nothing to send next would loop an
		// empty frame forever; fail it rather than stall.
		if len(msg.ConcatenationPayload) == 0 {
			e.resolveAndUnlock(cmd, ErrMalformedResponse)
			return
		}

		// Strip the trailing status word; the remainder carries over into the
		// next round trip.
		e.carry = cumulative[:len(cumulative)-2]
		cmd.Payload = msg.ConcatenationPayload
		e.state = StateAwaitingContinuation

		send := e.send
		payload := cmd.Payload
		carried := len(cumulative) - 2

		e.mu.Unlock()

		e.log.Debug("concatenated response, requesting more", "carried", carried)

		err := send(payload)

		e.mu.Lock()
		if e.generation == generation && e.state == StateAwaitingContinuation {
			e.state = StateInFlight
		}
		e.mu.Unlock()

		if err != nil {
			e.resolve(generation, err)
		}

	case ResponseError, ResponseWarning:

		if cmd.ContinueOnFailure {
			cmd.ResponseData = cumulative
			e.resolveAndUnlock(cmd, nil)
			return
		}

		cmd.ResponseData = nil
		e.resolveAndUnlock(cmd, ErrApduErrorResponse)

	default:

		cmd.ResponseData = cumulative
		e.resolveAndUnlock(cmd, nil)

	}

}

// disconnected is the transport's disconnect notification for a given
// execution generation. A notification for an already resolved generation is
// a no-op.
func (e *Executor) disconnected(generation uint64) {

	e.mu.Lock()

	if e.generation != generation || e.state == StateIdle {
		e.mu.Unlock()
		return
	}

	cmd := e.cmd

	e.log.Debug("device disconnected while command in flight")

	e.resolveAndUnlock(cmd, ErrDeviceDisconnected)

}

// resolve resolves the given generation if it is still pending.
func (e *Executor) resolve(generation uint64, err error) {

	e.mu.Lock()

	if e.generation != generation || e.state == StateIdle {
		e.mu.Unlock()
		return
	}

	cmd := e.cmd

	e.resolveAndUnlock(cmd, err)

}

// resolveAndUnlock finishes the in-flight exchange: releases the disconnect
// subscription, returns the executor to idle and fires the terminal callback.
// Must be called with e.mu held; e.mu is unlocked on return.
func (e *Executor) resolveAndUnlock(cmd *Command, err error) {

	done := e.done
	cancel := e.cancelDisconnect

	e.state = StateIdle
	e.cmd = nil
	e.send = nil
	e.done = nil
	e.carry = nil
	e.cancelDisconnect = nil

	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if done != nil {
		done(cmd, err)
	}

}

package selink

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	sendErr   error
	sent      [][]byte
	nextSub   int
	subs      map[int]func()
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: true, subs: make(map[int]func())}
}

func (f *fakeTransport) Send(command []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	frame := make([]byte, len(command))
	copy(frame, command)
	f.sent = append(f.sent, frame)
	return f.sendErr
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) OnDisconnect(fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

func (f *fakeTransport) fireDisconnect() {
	f.mu.Lock()
	subscribers := make([]func(), 0, len(f.subs))
	for _, fn := range f.subs {
		subscribers = append(subscribers, fn)
	}
	f.mu.Unlock()
	for _, fn := range subscribers {
		fn()
	}
}

func (f *fakeTransport) subscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeTransport) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

type recorder struct {
	calls int32
	cmd   *Command
	err   error
}

func (r *recorder) done(cmd *Command, err error) {
	atomic.AddInt32(&r.calls, 1)
	r.cmd = cmd
	r.err = err
}

func (r *recorder) count() int32 {
	return atomic.LoadInt32(&r.calls)
}

func TestExecuteRejectsSecondCommand(t *testing.T) {
	transport := newFakeTransport()
	executor := NewExecutor(transport, nil)

	first := &Command{Payload: []byte{0x01}}
	var rec recorder
	require.NoError(t, executor.Execute(first, transport.Send, rec.done))
	require.Equal(t, StateInFlight, executor.State())

	err := executor.Execute(&Command{Payload: []byte{0x02}}, transport.Send, func(*Command, error) {
		t.Fatal("rejected command must never complete")
	})
	require.ErrorIs(t, err, ErrAlreadyExecuting)

	// The original command is undisturbed and still completes.
	require.Len(t, transport.sentFrames(), 1)
	executor.HandleResponse(ResultMessage{Type: ResponseSuccess, Data: []byte{0xAA, 0x90, 0x00}})

	require.Equal(t, int32(1), rec.count())
	require.NoError(t, rec.err)
	assert.Equal(t, []byte{0xAA, 0x90, 0x00}, first.ResponseData)
	assert.Equal(t, StateIdle, executor.State())
}

func TestExecuteRejectsWhenNotConnected(t *testing.T) {
	transport := newFakeTransport()
	transport.connected = false
	executor := NewExecutor(transport, nil)

	err := executor.Execute(&Command{Payload: []byte{0x01}}, transport.Send, func(*Command, error) {
		t.Fatal("must not complete")
	})
	require.ErrorIs(t, err, ErrDeviceNotConnected)
	assert.Empty(t, transport.sentFrames())
}

func TestDisconnectResolvesExactlyOnce(t *testing.T) {
	transport := newFakeTransport()
	executor := NewExecutor(transport, nil)

	cmd := &Command{Payload: []byte{0x01}}
	var rec recorder
	require.NoError(t, executor.Execute(cmd, transport.Send, rec.done))

	transport.fireDisconnect()

	require.Equal(t, int32(1), rec.count())
	require.ErrorIs(t, rec.err, ErrDeviceDisconnected)
	require.Equal(t, StateIdle, executor.State())

	// A late response is a no-op, not a second resolution.
	executor.HandleResponse(ResultMessage{Type: ResponseSuccess, Data: []byte{0x90, 0x00}})
	assert.Equal(t, int32(1), rec.count())
}

func TestDisconnectAfterResolutionIsIgnored(t *testing.T) {
	transport := newFakeTransport()
	executor := NewExecutor(transport, nil)

	cmd := &Command{Payload: []byte{0x01}}
	var rec recorder
	require.NoError(t, executor.Execute(cmd, transport.Send, rec.done))

	executor.HandleResponse(ResultMessage{Type: ResponseSuccess, Data: []byte{0x90, 0x00}})
	require.Equal(t, int32(1), rec.count())

	// The disconnect subscription was released on resolution.
	require.Zero(t, transport.subscriberCount())

	transport.fireDisconnect()
	assert.Equal(t, int32(1), rec.count())
}

func TestConcatenationAssemblesResponse(t *testing.T) {
	transport := newFakeTransport()
	executor := NewExecutor(transport, nil)

	cmd := &Command{Payload: []byte{0x01}}
	var rec recorder
	require.NoError(t, executor.Execute(cmd, transport.Send, rec.done))

	// First response: 8 payload bytes plus a 2 byte status word, with a
	// continuation fragment to fetch the rest.
	first := []byte{0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x61, 0x04}
	continuation := []byte{0x00, 0xC0, 0x00, 0x00, 0x04}

	executor.HandleResponse(ResultMessage{
		Type:                 ResponseConcatenation,
		Data:                 first,
		ConcatenationPayload: continuation,
	})

	// Not resolved yet; the continuation fragment went out on the wire.
	require.Zero(t, rec.count())
	frames := transport.sentFrames()
	require.Len(t, frames, 2)
	assert.Equal(t, continuation, frames[1])
	assert.Equal(t, continuation, cmd.Payload)

	// Final response: 4 more bytes, non-concatenation.
	final := []byte{0x20, 0x21, 0x90, 0x00}
	executor.HandleResponse(ResultMessage{Type: ResponseSuccess, Data: final})

	require.Equal(t, int32(1), rec.count())
	require.NoError(t, rec.err)
	want := append(append([]byte{}, first[:8]...), final...)
	assert.Equal(t, want, cmd.ResponseData)
	assert.Len(t, cmd.ResponseData, 12)
	assert.Equal(t, StateIdle, executor.State())
}

func TestConcatenationWithoutDataFails(t *testing.T) {
	transport := newFakeTransport()
	executor := NewExecutor(transport, nil)

	cmd := &Command{Payload: []byte{0x01}}
	var rec recorder
	require.NoError(t, executor.Execute(cmd, transport.Send, rec.done))

	executor.HandleResponse(ResultMessage{Type: ResponseConcatenation})

	require.Equal(t, int32(1), rec.count())
	require.ErrorIs(t, rec.err, ErrResponseDataEmpty)
	// No continuation went out.
	assert.Len(t, transport.sentFrames(), 1)
}

func TestConcatenationWithoutContinuationFails(t *testing.T) {
	transport := newFakeTransport()
	executor := NewExecutor(transport, nil)

	cmd := &Command{Payload: []byte{0x01}}
	var rec recorder
	require.NoError(t, executor.Execute(cmd, transport.Send, rec.done))

	// A decoder bug could classify a frame as concatenation without
	// attaching the follow-up fragment; the command must fail instead of
	// re-sending an empty frame.
	executor.HandleResponse(ResultMessage{
		Type: ResponseConcatenation,
		Data: []byte{0x10, 0x11, 0x61, 0x02},
	})

	require.Equal(t, int32(1), rec.count())
	require.ErrorIs(t, rec.err, ErrMalformedResponse)
	assert.Len(t, transport.sentFrames(), 1, "no empty continuation went out")
	assert.Equal(t, StateIdle, executor.State())
}

func TestErrorResponseHonorsContinueOnFailure(t *testing.T) {
	for _, responseType := range []ResponseType{ResponseError, ResponseWarning} {
		t.Run(responseType.String(), func(t *testing.T) {
			transport := newFakeTransport()
			executor := NewExecutor(transport, nil)

			// Without ContinueOnFailure the command fails and carries no bytes.
			cmd := &Command{Payload: []byte{0x01}}
			var rec recorder
			require.NoError(t, executor.Execute(cmd, transport.Send, rec.done))
			executor.HandleResponse(ResultMessage{Type: responseType, Data: []byte{0x6A, 0x80}})

			require.Equal(t, int32(1), rec.count())
			require.ErrorIs(t, rec.err, ErrApduErrorResponse)
			assert.Nil(t, cmd.ResponseData)

			// With it, the same response resolves as success with the bytes.
			tolerant := &Command{Payload: []byte{0x01}, ContinueOnFailure: true}
			var rec2 recorder
			require.NoError(t, executor.Execute(tolerant, transport.Send, rec2.done))
			executor.HandleResponse(ResultMessage{Type: responseType, Data: []byte{0x6A, 0x80}})

			require.Equal(t, int32(1), rec2.count())
			require.NoError(t, rec2.err)
			assert.Equal(t, []byte{0x6A, 0x80}, tolerant.ResponseData)
		})
	}
}

func TestSendFailureResolvesCommand(t *testing.T) {
	transport := newFakeTransport()
	transport.sendErr = errors.New("gatt write failed")
	executor := NewExecutor(transport, nil)

	cmd := &Command{Payload: []byte{0x01}}
	var rec recorder
	require.NoError(t, executor.Execute(cmd, transport.Send, rec.done))

	require.Equal(t, int32(1), rec.count())
	require.EqualError(t, rec.err, "gatt write failed")
	assert.Equal(t, StateIdle, executor.State())
	assert.Zero(t, transport.subscriberCount())
}

func TestDisconnectResponseRaceResolvesOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		transport := newFakeTransport()
		executor := NewExecutor(transport, nil)

		cmd := &Command{Payload: []byte{0x01}}
		var calls int32
		require.NoError(t, executor.Execute(cmd, transport.Send, func(*Command, error) {
			atomic.AddInt32(&calls, 1)
		}))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			transport.fireDisconnect()
		}()
		go func() {
			defer wg.Done()
			executor.HandleResponse(ResultMessage{Type: ResponseSuccess, Data: []byte{0x90, 0x00}})
		}()
		wg.Wait()

		require.Equal(t, int32(1), atomic.LoadInt32(&calls))
		require.Equal(t, StateIdle, executor.State())
	}
}

func TestExecutorIsReusableAfterResolution(t *testing.T) {
	transport := newFakeTransport()
	executor := NewExecutor(transport, nil)

	for i := 0; i < 3; i++ {
		cmd := &Command{Payload: []byte{byte(i)}}
		var rec recorder
		require.NoError(t, executor.Execute(cmd, transport.Send, rec.done))
		executor.HandleResponse(ResultMessage{Type: ResponseSuccess, Data: []byte{byte(i), 0x90, 0x00}})
		require.Equal(t, int32(1), rec.count())
		require.NoError(t, rec.err)
	}

	assert.Len(t, transport.sentFrames(), 3)
}

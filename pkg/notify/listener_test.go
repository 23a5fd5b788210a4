package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewListener(t *testing.T) {
	listener := NewListener("host=localhost dbname=test")

	assert.NotNil(t, listener)
	assert.Equal(t, "host=localhost dbname=test", listener.connString)
	assert.NotNil(t, listener.channels)
	assert.NotNil(t, listener.handlers)
}

func TestListener_ChannelTrackingWithoutConnection(t *testing.T) {
	// Without calling Start(), the listener has no connection.
	// Subscribe/Unsubscribe should return errors gracefully.
	listener := NewListener("host=localhost dbname=test")

	t.Run("subscribe without connection returns error", func(t *testing.T) {
		err := listener.Subscribe(t.Context(), "test-channel")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "not established")
	})

	t.Run("unsubscribe without connection is a no-op", func(t *testing.T) {
		err := listener.Unsubscribe(t.Context(), "test-channel")
		assert.NoError(t, err) // not listening, so no-op
	})
}

func TestListener_RegisterHandlerAllowsMultiple(t *testing.T) {
	listener := NewListener("host=localhost dbname=test")

	var calls []string
	listener.RegisterHandler(ChannelTaskNew, func(payload []byte) {
		calls = append(calls, "first:"+string(payload))
	})
	listener.RegisterHandler(ChannelTaskNew, func(payload []byte) {
		calls = append(calls, "second:"+string(payload))
	})

	listener.dispatch(ChannelTaskNew, []byte("hello"))

	assert.Equal(t, []string{"first:hello", "second:hello"}, calls)
}

func TestListener_InvokeSafelyRecoversPanic(t *testing.T) {
	listener := NewListener("host=localhost dbname=test")

	called := false
	listener.RegisterHandler(ChannelSignalNew, func(payload []byte) {
		panic("boom")
	})
	listener.RegisterHandler(ChannelSignalNew, func(payload []byte) {
		called = true
	})

	assert.NotPanics(t, func() {
		listener.dispatch(ChannelSignalNew, []byte("payload"))
	})
	assert.True(t, called, "handler registered after a panicking handler must still run")
}

func TestListener_IsListeningDefaultsFalse(t *testing.T) {
	listener := NewListener("host=localhost dbname=test")
	assert.False(t, listener.isListening("task.new"))
}

package main

import (
	"errors"
	"testing"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	opened int
	err    error
}

func (c *fakeConn) Channel() (*amqp.Channel, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.opened++
	return &amqp.Channel{}, nil
}

func TestPublishChannels(t *testing.T) {
	first := &amqp.Channel{}

	t.Run("sender and publisher do not share", func(t *testing.T) {
		conn := &fakeConn{}
		send, advance, err := publishChannels(conn, first, true)
		require.NoError(t, err)
		assert.Same(t, first, send)
		assert.NotSame(t, send, advance)
		assert.Equal(t, 1, conn.opened)
	})

	t.Run("single publisher keeps the dialled channel", func(t *testing.T) {
		conn := &fakeConn{}
		send, advance, err := publishChannels(conn, first, false)
		require.NoError(t, err)
		assert.Same(t, first, send)
		assert.Same(t, first, advance)
		assert.Zero(t, conn.opened)
	})

	t.Run("open failure", func(t *testing.T) {
		_, _, err := publishChannels(&fakeConn{err: errors.New("channel max reached")}, first, true)
		assert.ErrorContains(t, err, "open channel")
	})
}

package main

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	return conn
}

func TestCloseWithContext_Cancelled(t *testing.T) {
	conn := listenLoopback(t)
	core, logs := observer.New(zap.WarnLevel)

	ctx, cancel := context.WithCancel(context.Background())
	release := closeWithContext(ctx, conn, zap.New(core))
	cancel()

	// the read unblocks once the context closes the socket
	_, _, err := conn.ReadFrom(make([]byte, 16))
	require.ErrorIs(t, err, net.ErrClosed)

	release()
	assert.Zero(t, logs.Len(), "second close must not be attempted")
}

func TestCloseWithContext_Released(t *testing.T) {
	conn := listenLoopback(t)
	core, logs := observer.New(zap.WarnLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	closeWithContext(ctx, conn, zap.New(core))()

	err := conn.SetReadDeadline(time.Now().Add(time.Second))
	assert.True(t, errors.Is(err, net.ErrClosed), "conn still open: %v", err)

	cancel()
	assert.Zero(t, logs.Len())
}

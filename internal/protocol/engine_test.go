package protocol

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poslink/terminal-bridge/internal/wire"
)

// scriptedTerminal accepts one connection and runs script against it.
func scriptedTerminal(t *testing.T, script func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}()
	return ln.Addr().String()
}

func mustFrame(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := wire.Encode(v)
	require.NoError(t, err)
	return data
}

func testTimeouts() Timeouts {
	return Timeouts{Connect: time.Second, Overall: 3 * time.Second, Idle: time.Second}
}

func pingEnvelope() wire.Envelope {
	return wire.NewCommand("Ping", "1", "000042", nil)
}

func logKinds(r Result) []string {
	kinds := make([]string, 0, len(r.Log))
	for _, e := range r.Log {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func TestSessionAckProgressFinal(t *testing.T) {
	addr := scriptedTerminal(t, func(conn net.Conn) {
		buf := make([]byte, 1024)
		conn.Read(buf)

		conn.Write(mustFrame(t, wire.Response{Message: wire.MsgACK}))
		conn.Write(mustFrame(t, wire.Response{Message: wire.MsgDSP, Data: map[string]interface{}{"text": "PROCESSING"}}))
		conn.Write(mustFrame(t, wire.Response{Message: wire.MsgMSG, Data: map[string]interface{}{
			"cmdResult": map[string]interface{}{"result": "Success"},
			"response":  "Ping",
		}}))
		time.Sleep(50 * time.Millisecond)
	})

	result := SendCommand(context.Background(), addr, pingEnvelope(), testTimeouts())
	require.True(t, result.OK)
	require.NotNil(t, result.Final)
	assert.Equal(t, wire.MsgMSG, result.Final.Message)
	assert.Equal(t, "Ping", result.Final.ResponseLabel())
	assert.Equal(t, "Success", result.Final.CmdResult()["result"])

	kinds := logKinds(result)
	assert.Contains(t, kinds, EventConnect)
	assert.Contains(t, kinds, EventSendJSON)
	assert.Contains(t, kinds, EventAck)
	assert.Contains(t, kinds, EventProgress)
	assert.Contains(t, kinds, EventFinal)
}

func TestSessionIdleTimeout(t *testing.T) {
	addr := scriptedTerminal(t, func(conn net.Conn) {
		// Read the command, then go silent.
		buf := make([]byte, 1024)
		conn.Read(buf)
		time.Sleep(2 * time.Second)
	})

	timeouts := Timeouts{Connect: time.Second, Overall: 5 * time.Second, Idle: 150 * time.Millisecond}
	start := time.Now()
	result := SendCommand(context.Background(), addr, pingEnvelope(), timeouts)

	assert.False(t, result.OK)
	assert.Equal(t, ErrIdleTimeout, result.Err)
	assert.Less(t, time.Since(start), time.Second, "idle timeout should fire promptly")
}

func TestSessionOverallTimeoutWithPeriodicBytes(t *testing.T) {
	addr := scriptedTerminal(t, func(conn net.Conn) {
		buf := make([]byte, 1024)
		conn.Read(buf)

		// Drip bytes so the idle timer keeps resetting but a final
		// frame never arrives.
		for i := 0; i < 30; i++ {
			conn.Write([]byte{wire.LF})
			time.Sleep(50 * time.Millisecond)
		}
	})

	timeouts := Timeouts{Connect: time.Second, Overall: 400 * time.Millisecond, Idle: 200 * time.Millisecond}
	result := SendCommand(context.Background(), addr, pingEnvelope(), timeouts)

	assert.False(t, result.OK)
	assert.Equal(t, ErrReadTimeout, result.Err)
}

func TestSessionConnectError(t *testing.T) {
	// Grab a port and close it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	result := SendCommand(context.Background(), addr, pingEnvelope(), testTimeouts())
	assert.False(t, result.OK)
	assert.Equal(t, ErrConnectError, result.Err)
	assert.Nil(t, result.Final)
}

func TestSessionSkipsInvalidFrame(t *testing.T) {
	addr := scriptedTerminal(t, func(conn net.Conn) {
		buf := make([]byte, 1024)
		conn.Read(buf)

		bad := append([]byte{wire.STX, wire.LF}, []byte("garbage payload")...)
		bad = append(bad, wire.LF, wire.ETX, wire.LF)
		conn.Write(bad)
		conn.Write(mustFrame(t, wire.Response{Message: wire.MsgRSP}))
		time.Sleep(50 * time.Millisecond)
	})

	result := SendCommand(context.Background(), addr, pingEnvelope(), testTimeouts())
	require.True(t, result.OK)
	assert.Equal(t, wire.MsgRSP, result.Final.Message)
	assert.Contains(t, logKinds(result), EventInvalidFrame)
}

func TestSessionInvalidFrameThenDisconnect(t *testing.T) {
	addr := scriptedTerminal(t, func(conn net.Conn) {
		buf := make([]byte, 1024)
		conn.Read(buf)

		// An undecodable frame followed by an immediate close: the
		// invalid frame is the real failure, not the dropped socket.
		bad := append([]byte{wire.STX, wire.LF}, []byte("not json")...)
		bad = append(bad, wire.LF, wire.ETX, wire.LF)
		conn.Write(bad)
	})

	result := SendCommand(context.Background(), addr, pingEnvelope(), testTimeouts())
	assert.False(t, result.OK)
	assert.Equal(t, ErrInvalidFrame, result.Err)
	assert.Contains(t, logKinds(result), EventInvalidFrame)
}

func TestSessionDropsLateFrameAfterFinal(t *testing.T) {
	addr := scriptedTerminal(t, func(conn net.Conn) {
		buf := make([]byte, 1024)
		conn.Read(buf)

		// Both finals land in one write so they arrive framed-complete
		// in the same chunk.
		burst := append(mustFrame(t, wire.Response{Message: wire.MsgMSG}), mustFrame(t, wire.Response{Message: wire.MsgMSG})...)
		conn.Write(burst)
		time.Sleep(50 * time.Millisecond)
	})

	result := SendCommand(context.Background(), addr, pingEnvelope(), testTimeouts())
	require.True(t, result.OK)
	assert.Contains(t, logKinds(result), EventLateFrame)
}

func TestSessionUnknownMessageIsNonTerminal(t *testing.T) {
	addr := scriptedTerminal(t, func(conn net.Conn) {
		buf := make([]byte, 1024)
		conn.Read(buf)

		conn.Write(mustFrame(t, wire.Response{Message: "MYSTERY"}))
		conn.Write(mustFrame(t, wire.Response{Message: wire.MsgMSG}))
		time.Sleep(50 * time.Millisecond)
	})

	result := SendCommand(context.Background(), addr, pingEnvelope(), testTimeouts())
	require.True(t, result.OK)
	assert.Contains(t, logKinds(result), EventUnhandled)
	assert.Equal(t, wire.MsgMSG, result.Final.Message)
}

func TestSessionCancellation(t *testing.T) {
	addr := scriptedTerminal(t, func(conn net.Conn) {
		buf := make([]byte, 1024)
		conn.Read(buf)
		time.Sleep(2 * time.Second)
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result := SendCommand(ctx, addr, pingEnvelope(), testTimeouts())
	assert.False(t, result.OK)
	assert.Equal(t, ErrCancelled, result.Err)
	assert.Less(t, time.Since(start), time.Second)
}

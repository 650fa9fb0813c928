// Package protocol drives one terminal command per TCP session: send
// the framed envelope, then consume ACK and progress frames until a
// final response or a timeout.
package protocol

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/poslink/terminal-bridge/internal/wire"
)

// Timeouts is the layered timeout model. Idle resets on every received
// byte chunk; Overall never resets; Connect bounds the dial only.
type Timeouts struct {
	Connect time.Duration
	Overall time.Duration
	Idle    time.Duration
}

// Result is the outcome of one session plus its full ordered log.
type Result struct {
	OK    bool           `json:"ok"`
	Final *wire.Response `json:"rsp,omitempty"`
	Err   ErrorKind      `json:"error,omitempty"`
	Log   []Event        `json:"log"`
}

// chunk is one socket read delivered to the session loop.
type chunk struct {
	data []byte
	err  error
}

// SendCommand runs a complete session against addr. The socket is
// closed on every exit path; any late bytes are discarded.
func SendCommand(ctx context.Context, addr string, env wire.Envelope, t Timeouts) Result {
	log := &sessionLog{}

	conn, err := net.DialTimeout("tcp", addr, t.Connect)
	if err != nil {
		kind := ErrConnectError
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			kind = ErrConnectTimeout
		}
		log.add(EventError, fmt.Sprintf("connect %s: %v", addr, err))
		return Result{Err: kind, Log: log.events}
	}
	defer conn.Close()
	log.add(EventConnect, addr)

	framed, err := wire.Encode(env)
	if err != nil {
		log.add(EventError, err.Error())
		return Result{Err: ErrSocketError, Log: log.events}
	}
	if _, err := conn.Write(framed); err != nil {
		log.add(EventError, fmt.Sprintf("write: %v", err))
		return Result{Err: ErrSocketError, Log: log.events}
	}
	log.add(EventSendJSON, string(framed[2:len(framed)-3]))

	chunks := make(chan chunk, 8)
	done := make(chan struct{})
	defer close(done)
	go readLoop(conn, chunks, done)

	overall := time.NewTimer(t.Overall)
	defer overall.Stop()
	idle := time.NewTimer(t.Idle)
	defer idle.Stop()

	dec := &wire.Decoder{}
	for {
		select {
		case <-ctx.Done():
			log.add(EventError, "session cancelled")
			return Result{Err: ErrCancelled, Log: log.events}

		case <-overall.C:
			log.add(EventError, "overall read timeout")
			return Result{Err: ErrReadTimeout, Log: log.events}

		case <-idle.C:
			// Overall wins when both expired in the same quantum.
			select {
			case <-overall.C:
				log.add(EventError, "overall read timeout")
				return Result{Err: ErrReadTimeout, Log: log.events}
			default:
			}
			log.add(EventError, "idle byte timeout")
			return Result{Err: ErrIdleTimeout, Log: log.events}

		case c := <-chunks:
			if c.err != nil {
				kind := ErrSocketError
				if log.invalid {
					kind = ErrInvalidFrame
				}
				log.add(EventError, fmt.Sprintf("socket: %v", c.err))
				return Result{Err: kind, Log: log.events}
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(t.Idle)

			slog.Debug("[Engine] Received chunk", "addr", addr, "hex", hex.EncodeToString(c.data))
			log.add(EventRecvBytes, hex.EncodeToString(c.data))

			dec.Feed(c.data)
			if res, done := drain(dec, log); done {
				return res
			}
		}
	}
}

// drain pulls every complete frame out of the decoder. It returns a
// terminal Result once a final frame was seen; frames decoded after the
// final within the same chunk are logged as late and dropped.
func drain(dec *wire.Decoder, log *sessionLog) (Result, bool) {
	var final *wire.Response
	for {
		rsp, raw, err := dec.Next()
		if err != nil {
			log.add(EventInvalidFrame, string(raw))
			log.invalid = true
			continue
		}
		if rsp == nil {
			break
		}

		if final != nil {
			log.add(EventLateFrame, rsp.Message)
			continue
		}

		log.add(EventRecvJSON, string(raw))
		switch {
		case rsp.Message == wire.MsgACK:
			log.add(EventAck, "")
		case wire.IsProgress(rsp.Message):
			log.add(EventProgress, rsp.Message)
		case wire.IsFinal(rsp.Message):
			log.add(EventFinal, rsp.Message)
			final = rsp
		default:
			log.add(EventUnhandled, rsp.Message)
		}
	}

	if final != nil {
		return Result{OK: true, Final: final, Log: log.events}, true
	}
	return Result{}, false
}

// readLoop feeds socket bytes to the session loop until the connection
// dies or the session ends. It owns nothing: the session closes the
// socket, which unblocks the pending Read here.
func readLoop(conn net.Conn, out chan<- chunk, done <-chan struct{}) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case out <- chunk{data: data}:
			case <-done:
				return
			}
		}
		if err != nil {
			select {
			case out <- chunk{err: err}:
			case <-done:
			}
			return
		}
	}
}

package wire

import (
	"fmt"
	"time"
)

// Message kinds seen on the wire. ACK is a bare acknowledgment, the
// progress kinds never terminate a session, and MSG/RSP/ERR are the
// only terminal kinds.
const (
	MsgACK   = "ACK"
	MsgEVT   = "EVT"
	MsgDSP   = "DSP"
	MsgPIN   = "PIN"
	MsgCNF   = "CNF"
	MsgREADY = "READY"
	MsgMSG   = "MSG"
	MsgRSP   = "RSP"
	MsgERR   = "ERR"
)

// Envelope is the outer wrapper for every outbound command.
type Envelope struct {
	Message string      `json:"message"`
	Data    CommandData `json:"data"`
}

// CommandData carries the command name, the POS identity, the session
// request id and the command-specific payload.
type CommandData struct {
	Command   string      `json:"command"`
	EcrID     string      `json:"EcrId"`
	RequestID string      `json:"requestId"`
	Data      interface{} `json:"data,omitempty"`
}

// Response is an inbound frame. Data stays schemaless because its shape
// varies per message kind and command.
type Response struct {
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// CmdResult extracts data.cmdResult from a terminal response.
func (r *Response) CmdResult() map[string]interface{} {
	if r == nil || r.Data == nil {
		return nil
	}
	cr, _ := r.Data["cmdResult"].(map[string]interface{})
	return cr
}

// ResponseLabel returns data.response, the command label echoed by the
// terminal ("EOD" for batch close).
func (r *Response) ResponseLabel() string {
	if r == nil || r.Data == nil {
		return ""
	}
	s, _ := r.Data["response"].(string)
	return s
}

// NewCommand builds a MSG envelope for the given command.
func NewCommand(command, ecrID, requestID string, payload interface{}) Envelope {
	return Envelope{
		Message: MsgMSG,
		Data: CommandData{
			Command:   command,
			EcrID:     ecrID,
			RequestID: requestID,
			Data:      payload,
		},
	}
}

// NewRequestID allocates a 6-digit request id from the current epoch
// millis. Unique within a session, which is all the protocol needs.
func NewRequestID() string {
	return fmt.Sprintf("%06d", time.Now().UnixMilli()%1_000_000)
}

// IsFinal reports whether the message kind terminates a session. The
// allow-list is the sole commit gate: everything else is non-terminal.
func IsFinal(message string) bool {
	switch message {
	case MsgMSG, MsgRSP, MsgERR:
		return true
	}
	return false
}

// IsProgress reports whether the message kind is an intermediate
// progress event.
func IsProgress(message string) bool {
	switch message {
	case MsgEVT, MsgDSP, MsgPIN, MsgCNF, MsgREADY:
		return true
	}
	return false
}

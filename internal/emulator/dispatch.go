package emulator

import (
	"log/slog"
	"net"

	"github.com/poslink/terminal-bridge/internal/wire"
)

// Canonical command names.
const (
	cmdSale        = "Sale"
	cmdForceSale   = "ForceSale"
	cmdPreAuth     = "PreAuth"
	cmdCapture     = "AuthCompletion"
	cmdVoid        = "Void"
	cmdRefund      = "Refund"
	cmdTipAdjust   = "TipAdjust"
	cmdEOD         = "EOD"
	cmdPing        = "Ping"
	cmdStatus      = "StatusInquiry"
	cmdBatchStatus = "BatchInquiry"
	cmdTranList    = "TransactionList"
	cmdReset       = "SystemReset"
)

// aliases maps every accepted command spelling to its canonical name.
var aliases = map[string]string{
	"Sale":               cmdSale,
	"CreditSale":         cmdSale,
	"ForceSale":          cmdForceSale,
	"PreAuth":            cmdPreAuth,
	"PreAuthorization":   cmdPreAuth,
	"AuthCompletion":     cmdCapture,
	"Capture":            cmdCapture,
	"TipAdjust":          cmdTipAdjust,
	"TipAdjustment":      cmdTipAdjust,
	"Void":               cmdVoid,
	"VoidTransaction":    cmdVoid,
	"Refund":             cmdRefund,
	"CreditRefund":       cmdRefund,
	"EOD":                cmdEOD,
	"EODProcessing":      cmdEOD,
	"BatchClose":         cmdEOD,
	"Batch":              cmdEOD,
	"Ping":               cmdPing,
	"StatusInquiry":      cmdStatus,
	"TransactionStatus":  cmdStatus,
	"BatchInquiry":       cmdBatchStatus,
	"BatchStatus":        cmdBatchStatus,
	"TransactionList":    cmdTranList,
	"TransactionHistory": cmdTranList,
	"SystemReset":        cmdReset,
	"Reset":              cmdReset,
}

// dispatch routes one decoded inbound frame: ACKs are recorded only, a
// missing command is ignored, everything else gets a framed ACK
// immediately and exactly one final response after the handler delay.
func (s *Server) dispatch(conn net.Conn, frame *wire.Response, remote string) {
	if frame.Message == wire.MsgACK {
		slog.Debug("[Emulator] ACK received", "remote", remote)
		return
	}

	req := newRequest(frame)
	if req.Command == "" {
		slog.Warn("[Emulator] Frame without command ignored", "remote", remote, "message", frame.Message)
		return
	}
	slog.Info("[Emulator] Command received", "remote", remote, "command", req.Command, "requestId", req.RequestID)

	s.send(conn, map[string]interface{}{"message": wire.MsgACK})

	canonical, known := aliases[req.Command]
	if !known {
		s.pause(0)
		s.send(conn, req.failed(req.Command, "CMD001", "unknown command: "+req.Command))
		return
	}

	var rsp map[string]interface{}
	switch canonical {
	case cmdSale:
		s.pause(100)
		rsp = s.handleSale(req, false)
	case cmdForceSale:
		s.pause(100)
		rsp = s.handleSale(req, true)
	case cmdPreAuth:
		s.pause(100)
		rsp = s.handlePreAuth(req)
	case cmdCapture:
		s.pause(50)
		rsp = s.handleCapture(req)
	case cmdVoid:
		s.pause(50)
		rsp = s.handleVoid(req)
	case cmdRefund:
		s.pause(70)
		rsp = s.handleRefund(req)
	case cmdTipAdjust:
		s.pause(50)
		rsp = s.handleTipAdjust(req)
	case cmdEOD:
		s.pause(150)
		rsp = s.handleBatchClose(req)
	case cmdPing:
		s.pause(0)
		rsp = req.success("Ping", nil)
	case cmdStatus:
		s.pause(0)
		rsp = s.handleStatusInquiry(req)
	case cmdBatchStatus:
		s.pause(0)
		rsp = s.handleBatchInquiry(req)
	case cmdTranList:
		s.pause(0)
		rsp = s.handleTransactionList(req)
	case cmdReset:
		s.pause(50)
		rsp = req.success("SystemReset", nil)
	}

	s.send(conn, rsp)
}

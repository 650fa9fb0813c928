package gateway

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/poslink/terminal-bridge/internal/config"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Snapshot()
	addr, _ := queryTarget(r, cfg)

	reachable := false
	if conn, err := net.DialTimeout("tcp", addr, cfg.ConnectTimeout); err == nil {
		conn.Close()
		reachable = true
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"status":   "healthy",
		"uptime":   time.Since(s.started).String(),
		"terminal": map[string]interface{}{"addr": addr, "reachable": reachable},
		"config": map[string]interface{}{
			"terminalIp":        cfg.TerminalIP,
			"terminalPort":      cfg.TerminalPort,
			"terminalPortAlt":   cfg.TerminalPortAlt,
			"ecrId":             cfg.EcrID,
			"connectTimeoutMs":  cfg.ConnectTimeout.Milliseconds(),
			"readTimeoutMs":     cfg.ReadTimeout.Milliseconds(),
			"idleByteTimeoutMs": cfg.IdleTimeout.Milliseconds(),
		},
	})
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Snapshot()
	addr, _ := queryTarget(r, cfg)

	start := time.Now()
	conn, err := net.DialTimeout("tcp", addr, cfg.ConnectTimeout)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":   true,
			"available": false,
			"addr":      addr,
			"error":     err.Error(),
		})
		return
	}
	conn.Close()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"available": true,
		"addr":      addr,
		"connectMs": time.Since(start).Milliseconds(),
	})
}

// handlePing runs a full protocol Ping. Pings bypass the per-terminal
// serialization queue.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	addr, ecrID := queryTarget(r, s.cfg.Snapshot())
	s.runSession(w, "Ping", addr, ecrID, nil, false)
}

// handleSale covers /sale and /sale/lodging.
func (s *Server) handleSale(lodging bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := decodeBody(r)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		m := b.merged("sale")
		addr, ecrID := m.target(s.cfg.Snapshot())

		txn := map[string]interface{}{}
		base, err := m.amountField("baseAmount", true)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		txn["baseAmount"] = base
		for _, key := range []string{"tipAmount", "taxAmount", "cashBackAmount"} {
			v, err := m.amountField(key, false)
			if err != nil {
				badRequest(w, err.Error())
				return
			}
			if v != "" {
				txn[key] = v
			}
		}
		if m.has("allowPartialAuth") {
			txn["allowPartialAuth"] = m.flag("allowPartialAuth")
		}
		if m.has("allowDuplicate") {
			txn["allowDuplicate"] = m.flag("allowDuplicate")
		}
		txn["taxIndicator"] = "0"
		if v := m.str("taxIndicator"); v != "" {
			txn["taxIndicator"] = v
		}
		if v := m.str("invoiceNbr"); v != "" {
			txn["invoiceNbr"] = v
		}
		if v := m.str("cardNumber"); v != "" {
			txn["cardNumber"] = v
		}

		payload := map[string]interface{}{
			"params":      map[string]interface{}{},
			"transaction": txn,
		}
		if lodging {
			block := m.object("lodging")
			if block == nil {
				badRequest(w, "lodging block is required")
				return
			}
			payload["lodging"] = block
		}

		s.runSession(w, "Sale", addr, ecrID, payload, true)
	}
}

func (s *Server) handlePreAuth(w http.ResponseWriter, r *http.Request) {
	b, err := decodeBody(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	m := b.merged("preauth")
	addr, ecrID := m.target(s.cfg.Snapshot())

	amount, err := m.amountField("amount", true)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	txn := map[string]interface{}{"amount": amount}
	if v, err := m.amountField("preAuthAmount", false); err != nil {
		badRequest(w, err.Error())
		return
	} else if v != "" {
		txn["preAuthAmount"] = v
	}
	if v := m.str("cardNumber"); v != "" {
		txn["cardNumber"] = v
	}

	payload := map[string]interface{}{
		"params":      map[string]interface{}{},
		"transaction": txn,
	}
	if block := m.object("lodging"); block != nil {
		payload["lodging"] = block
	}

	s.runSession(w, "PreAuth", addr, ecrID, payload, true)
}

func (s *Server) handleAuthCompletion(w http.ResponseWriter, r *http.Request) {
	b, err := decodeBody(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	m := b.merged("authCompletion")
	addr, ecrID := m.target(s.cfg.Snapshot())

	ref := m.str("referenceNumber")
	if ref == "" {
		badRequest(w, "referenceNumber is required")
		return
	}
	amount, err := m.amountField("amount", true)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	txn := map[string]interface{}{
		"referenceNumber": ref,
		"amount":          amount,
	}
	if v, err := m.amountField("tipAmount", false); err != nil {
		badRequest(w, err.Error())
		return
	} else if v != "" {
		txn["tipAmount"] = v
	}

	s.runSession(w, "AuthCompletion", addr, ecrID, map[string]interface{}{
		"params":      map[string]interface{}{},
		"transaction": txn,
	}, true)
}

func (s *Server) handleVoid(w http.ResponseWriter, r *http.Request) {
	b, err := decodeBody(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	m := b.merged("void")
	addr, ecrID := m.target(s.cfg.Snapshot())

	tranNo := m.str("tranNo")
	ref := m.str("referenceNumber")
	if tranNo == "" && ref == "" {
		badRequest(w, "one of tranNo or referenceNumber is required")
		return
	}
	txn := map[string]interface{}{}
	if tranNo != "" {
		txn["tranNo"] = tranNo
	}
	if ref != "" {
		txn["referenceNumber"] = ref
	}

	s.runSession(w, "Void", addr, ecrID, map[string]interface{}{
		"params":      map[string]interface{}{},
		"transaction": txn,
	}, true)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	b, err := decodeBody(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	m := b.merged("refund")
	addr, ecrID := m.target(s.cfg.Snapshot())

	total, err := m.amountField("totalAmount", true)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	txn := map[string]interface{}{"totalAmount": total}
	if ref := m.str("referenceNumber"); ref != "" {
		txn["referenceNumber"] = ref
	}

	s.runSession(w, "Refund", addr, ecrID, map[string]interface{}{
		"params":      map[string]interface{}{},
		"transaction": txn,
	}, true)
}

func (s *Server) handleTipAdjust(w http.ResponseWriter, r *http.Request) {
	b, err := decodeBody(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	m := b.merged("tipAdjust")
	addr, ecrID := m.target(s.cfg.Snapshot())

	tip, err := m.amountField("tipAmount", true)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	tranNo := m.str("tranNo")
	ref := m.str("referenceNumber")
	if tranNo == "" && ref == "" {
		badRequest(w, "one of tranNo or referenceNumber is required")
		return
	}
	txn := map[string]interface{}{"tipAmount": tip}
	if tranNo != "" {
		txn["tranNo"] = tranNo
	}
	if ref != "" {
		txn["referenceNumber"] = ref
	}

	s.runSession(w, "TipAdjust", addr, ecrID, map[string]interface{}{
		"params":      map[string]interface{}{},
		"transaction": txn,
	}, true)
}

// handleBatchClose accepts both the bare and the {command: ...} body
// shapes; the command field only selects the alias sent on the wire.
func (s *Server) handleBatchClose(w http.ResponseWriter, r *http.Request) {
	b, err := decodeBody(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	m := b.merged("batchClose")
	addr, ecrID := m.target(s.cfg.Snapshot())

	command := m.str("command")
	if command == "" {
		command = "EOD"
	}

	s.runSession(w, command, addr, ecrID, map[string]interface{}{
		"params": map[string]interface{}{},
	}, true)
}

// handleCommand is the generic passthrough for commands without a
// dedicated endpoint.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	b, err := decodeBody(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	m := b.merged("command")
	addr, ecrID := m.target(s.cfg.Snapshot())

	command := b.str("command")
	if command == "" {
		command = m.str("command")
	}
	if command == "" {
		badRequest(w, "command is required")
		return
	}

	s.runSession(w, command, addr, ecrID, b["data"], true)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var o config.Override
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		badRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	s.cfg.Apply(o)

	cfg := s.cfg.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"config": map[string]interface{}{
			"terminalIp":        cfg.TerminalIP,
			"terminalPort":      cfg.TerminalPort,
			"terminalPortAlt":   cfg.TerminalPortAlt,
			"ecrId":             cfg.EcrID,
			"connectTimeoutMs":  cfg.ConnectTimeout.Milliseconds(),
			"readTimeoutMs":     cfg.ReadTimeout.Milliseconds(),
			"idleByteTimeoutMs": cfg.IdleTimeout.Milliseconds(),
		},
	})
}

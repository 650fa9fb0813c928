package emulator

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/poslink/terminal-bridge/internal/store"
)

// Deterministic acquirer simulation thresholds.
var (
	declineAt     = decimal.RequireFromString("500.00")
	partialFrom   = decimal.RequireFromString("155.00")
	partialTo     = decimal.RequireFromString("200.00")
	partialAmount = decimal.RequireFromString("100.00")
)

const defaultPAN = "4111111111111111"

func maskPAN(pan string) string {
	if len(pan) < 10 {
		return pan
	}
	return pan[:6] + "******" + pan[len(pan)-4:]
}

func cardTypeFor(pan string) string {
	switch {
	case strings.HasPrefix(pan, "4"):
		return "VISA"
	case strings.HasPrefix(pan, "5"):
		return "MASTERCARD"
	case strings.HasPrefix(pan, "3"):
		return "AMEX"
	case strings.HasPrefix(pan, "6"):
		return "DISCOVER"
	}
	return "OTHER"
}

// handleSale processes Sale and ForceSale. ForceSale is an operator
// override that skips the decline rules.
func (s *Server) handleSale(req *request, force bool) map[string]interface{} {
	base, ok := req.amount("baseAmount", "amount")
	if !ok {
		return req.failed(req.Command, "AMT001", "baseAmount is required")
	}
	tip, _ := req.amount("tipAmount")
	tax, _ := req.amount("taxAmount")
	cashback, _ := req.amount("cashBackAmount", "cashbackAmount")
	total := base.Add(tip).Add(tax).Add(cashback)

	pan := req.str("cardNumber", "pan", "accountNumber")
	if pan == "" {
		pan = defaultPAN
	}

	tranType := store.TypeSale
	if force {
		tranType = store.TypeForceSale
	}
	amounts := store.Amounts{
		BaseAmount:     base.StringFixed(2),
		TipAmount:      tip.StringFixed(2),
		TaxAmount:      tax.StringFixed(2),
		CashbackAmount: cashback.StringFixed(2),
		TotalAmount:    total.StringFixed(2),
	}

	if !force {
		if reason := declineReason(total, pan); reason != "" {
			ids := s.store.NewIDs()
			s.store.AddTransaction(&store.Transaction{
				TranNo:          ids.TranNo,
				ReferenceNumber: ids.ReferenceNumber,
				ResponseID:      ids.ResponseID,
				Type:            tranType,
				Status:          store.StatusDeclined,
				Amount:          amounts,
				CardAcquisition: store.AcquisitionTap,
				CardType:        cardTypeFor(pan),
				MaskedPAN:       maskPAN(pan),
				DeclineReason:   reason,
				InvoiceNbr:      req.str("invoiceNbr"),
			})
			return req.success(req.Command, map[string]interface{}{
				"errorCode":     "DECLINE",
				"declineReason": reason,
				"host": map[string]interface{}{
					"responseText": "DECLINE",
					"responseCode": "05",
				},
				"amount": map[string]interface{}{
					"totalAmount": amounts.TotalAmount,
				},
			})
		}
	}

	partial := !force && total.GreaterThanOrEqual(partialFrom) && total.LessThan(partialTo)
	authorized := total
	balanceDue := decimal.Zero
	responseCode := "00"
	if partial {
		authorized = partialAmount
		balanceDue = total.Sub(partialAmount)
		responseCode = "10"
	}
	amounts.AuthorizedAmount = authorized.StringFixed(2)

	ids := s.store.NewIDs()
	txn := s.store.AddTransaction(&store.Transaction{
		TranNo:          ids.TranNo,
		ReferenceNumber: ids.ReferenceNumber,
		ResponseID:      ids.ResponseID,
		ApprovalCode:    ids.ApprovalCode,
		Type:            tranType,
		Status:          store.StatusApproved,
		Amount:          amounts,
		CardAcquisition: store.AcquisitionTap,
		CardType:        cardTypeFor(pan),
		MaskedPAN:       maskPAN(pan),
		Partial:         partial,
		InvoiceNbr:      req.str("invoiceNbr"),
	})

	extra := map[string]interface{}{
		"host": map[string]interface{}{
			"responseText":    "APPROVAL",
			"responseCode":    responseCode,
			"approvalCode":    txn.ApprovalCode,
			"tranNo":          txn.TranNo,
			"referenceNumber": txn.ReferenceNumber,
			"responseId":      txn.ResponseID,
			"batchId":         txn.BatchID,
		},
		"amount": map[string]interface{}{
			"baseAmount":       amounts.BaseAmount,
			"tipAmount":        amounts.TipAmount,
			"taxAmount":        amounts.TaxAmount,
			"cashbackAmount":   amounts.CashbackAmount,
			"totalAmount":      amounts.TotalAmount,
			"authorizedAmount": amounts.AuthorizedAmount,
		},
		"card": map[string]interface{}{
			"maskedPAN":       txn.MaskedPAN,
			"cardType":        txn.CardType,
			"cardAcquisition": txn.CardAcquisition,
		},
	}
	if partial {
		extra["partial"] = 1
		extra["balanceDue"] = balanceDue.StringFixed(2)
	}
	return req.success(req.Command, extra)
}

func declineReason(total decimal.Decimal, pan string) string {
	if total.GreaterThanOrEqual(declineAt) {
		return "AMOUNT TOO HIGH"
	}
	if strings.HasSuffix(pan, "0001") {
		return "CARD DECLINED"
	}
	return ""
}

func (s *Server) handlePreAuth(req *request) map[string]interface{} {
	amount, ok := req.amount("amount", "preAuthAmount", "baseAmount")
	if !ok {
		return req.failed(req.Command, "AMT001", "amount is required")
	}

	pan := req.str("cardNumber", "pan", "accountNumber")
	if pan == "" {
		pan = defaultPAN
	}
	if reason := declineReason(amount, pan); reason != "" {
		return req.success(req.Command, map[string]interface{}{
			"errorCode":     "DECLINE",
			"declineReason": reason,
			"host": map[string]interface{}{
				"responseText": "DECLINE",
				"responseCode": "05",
			},
		})
	}

	ids := s.store.NewIDs()
	txn := s.store.AddTransaction(&store.Transaction{
		TranNo:          ids.TranNo,
		ReferenceNumber: ids.ReferenceNumber,
		ResponseID:      ids.ResponseID,
		ApprovalCode:    ids.ApprovalCode,
		Type:            store.TypePreAuth,
		Status:          store.StatusApproved,
		Amount: store.Amounts{
			BaseAmount:       amount.StringFixed(2),
			TipAmount:        "0.00",
			TaxAmount:        "0.00",
			CashbackAmount:   "0.00",
			TotalAmount:      amount.StringFixed(2),
			AuthorizedAmount: amount.StringFixed(2),
		},
		CardAcquisition: store.AcquisitionInsert,
		CardType:        cardTypeFor(pan),
		MaskedPAN:       maskPAN(pan),
	})

	extra := map[string]interface{}{
		"host": map[string]interface{}{
			"responseText":    "APPROVAL",
			"responseCode":    "00",
			"approvalCode":    txn.ApprovalCode,
			"tranNo":          txn.TranNo,
			"referenceNumber": txn.ReferenceNumber,
			"responseId":      txn.ResponseID,
			"batchId":         txn.BatchID,
		},
		"amount": map[string]interface{}{
			"authorizedAmount": txn.Amount.AuthorizedAmount,
		},
	}
	if req.lodging != nil {
		extra["lodging"] = req.lodging
	}
	return req.success(req.Command, extra)
}

// handleCapture completes a PreAuth: the hold becomes a captured amount
// plus optional tip on the original transaction.
func (s *Server) handleCapture(req *request) map[string]interface{} {
	ref := req.str("referenceNumber", "tranNo")
	if ref == "" {
		return req.failed(req.Command, "REF001", "referenceNumber is required")
	}
	amount, ok := req.amount("amount", "totalAmount")
	if !ok {
		return req.failed(req.Command, "AMT001", "amount is required")
	}
	tip, _ := req.amount("tipAmount")

	txn, err := s.store.CompleteAuth(ref, amount, tip)
	if err != nil {
		return req.failedFromStore(req.Command, err)
	}

	return req.success(req.Command, map[string]interface{}{
		"host": map[string]interface{}{
			"responseText":    "APPROVAL",
			"responseCode":    "00",
			"approvalCode":    txn.ApprovalCode,
			"tranNo":          txn.TranNo,
			"referenceNumber": txn.ReferenceNumber,
			"responseId":      txn.ResponseID,
			"batchId":         txn.BatchID,
		},
		"amount": map[string]interface{}{
			"totalAmount": txn.Amount.TotalAmount,
			"tipAmount":   txn.Amount.TipAmount,
		},
	})
}

func (s *Server) handleVoid(req *request) map[string]interface{} {
	ref := req.str("tranNo", "referenceNumber")
	if ref == "" {
		return req.failed(req.Command, "REF001", "tranNo or referenceNumber is required")
	}

	voided, companion, err := s.store.Void(ref)
	if err != nil {
		return req.failedFromStore(req.Command, err)
	}

	return req.success(req.Command, map[string]interface{}{
		"host": map[string]interface{}{
			"responseText":    "VOID APPROVED",
			"responseCode":    "00",
			"tranNo":          companion.TranNo,
			"referenceNumber": companion.ReferenceNumber,
			"responseId":      companion.ResponseID,
			"batchId":         companion.BatchID,
		},
		"originalTranNo": voided.TranNo,
		"amount": map[string]interface{}{
			"totalAmount": voided.Amount.TotalAmount,
		},
	})
}

func (s *Server) handleRefund(req *request) map[string]interface{} {
	amount, ok := req.amount("totalAmount", "amount")
	if !ok {
		return req.failed(req.Command, "AMT001", "totalAmount is required")
	}

	txn, err := s.store.Refund(amount, req.str("referenceNumber", "tranNo"))
	if err != nil {
		return req.failedFromStore(req.Command, err)
	}

	return req.success(req.Command, map[string]interface{}{
		"host": map[string]interface{}{
			"responseText":    "APPROVAL",
			"responseCode":    "00",
			"approvalCode":    txn.ApprovalCode,
			"tranNo":          txn.TranNo,
			"referenceNumber": txn.ReferenceNumber,
			"responseId":      txn.ResponseID,
			"batchId":         txn.BatchID,
		},
		"amount": map[string]interface{}{
			"totalAmount": txn.Amount.TotalAmount,
		},
	})
}

func (s *Server) handleTipAdjust(req *request) map[string]interface{} {
	tip, ok := req.amount("tipAmount")
	if !ok {
		return req.failed(req.Command, "TIP001", "tipAmount is required")
	}
	ref := req.str("tranNo", "referenceNumber")
	if ref == "" {
		return req.failed(req.Command, "REF001", "tranNo or referenceNumber is required")
	}

	adjusted, err := s.store.TipAdjust(ref, tip)
	if err != nil {
		return req.failedFromStore(req.Command, err)
	}

	return req.success(req.Command, map[string]interface{}{
		"host": map[string]interface{}{
			"responseText":    "TIP ADJUSTED",
			"responseCode":    "00",
			"tranNo":          adjusted.TranNo,
			"referenceNumber": adjusted.ReferenceNumber,
			"batchId":         adjusted.BatchID,
		},
		"amount": map[string]interface{}{
			"tipAmount":   adjusted.Amount.TipAmount,
			"totalAmount": adjusted.Amount.TotalAmount,
		},
	})
}

// handleBatchClose settles the open batch. The final label is always
// "EOD" no matter which alias arrived.
func (s *Server) handleBatchClose(req *request) map[string]interface{} {
	summary, err := s.store.CloseBatch()
	if err != nil {
		return req.failed("EOD", "SYS001", err.Error())
	}
	return req.success("EOD", map[string]interface{}{
		"batchSummary": map[string]interface{}{
			"batchId":      summary.BatchID,
			"salesCount":   summary.SalesCount,
			"refundCount":  summary.RefundCount,
			"voidCount":    summary.VoidCount,
			"settledCount": summary.SettledCount,
			"netAmount":    summary.NetAmount,
		},
	})
}

func (s *Server) handleStatusInquiry(req *request) map[string]interface{} {
	ref := req.str("tranNo", "referenceNumber")
	if ref == "" {
		return req.failed(req.Command, "REF001", "tranNo or referenceNumber is required")
	}
	txn, found := s.store.Find(ref)
	if !found {
		return req.failed(req.Command, "REF001", "transaction not found")
	}
	return req.success(req.Command, map[string]interface{}{
		"transaction": transactionView(txn),
	})
}

func (s *Server) handleBatchInquiry(req *request) map[string]interface{} {
	batch := s.store.CurrentBatch()
	unsettled := s.store.Unsettled()

	net := decimal.Zero
	for _, t := range unsettled {
		amt := mustDecimal(t.Amount.TotalAmount)
		if t.Type == store.TypeRefund {
			net = net.Sub(amt)
		} else if t.Type != store.TypeVoid && t.Type != store.TypeTipAdjust {
			net = net.Add(amt)
		}
	}

	return req.success(req.Command, map[string]interface{}{
		"batch": map[string]interface{}{
			"batchId":          batch.ID,
			"isOpen":           batch.IsOpen,
			"openTime":         batch.OpenTime,
			"transactionCount": len(batch.Transactions),
			"unsettledCount":   len(unsettled),
			"netAmount":        net.StringFixed(2),
		},
	})
}

func (s *Server) handleTransactionList(req *request) map[string]interface{} {
	count := 20
	if v := req.str("count", "limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			count = n
		}
	}

	recent := s.store.Recent(count)
	views := make([]map[string]interface{}, 0, len(recent))
	for _, t := range recent {
		views = append(views, transactionView(t))
	}
	return req.success(req.Command, map[string]interface{}{
		"transactions": views,
		"count":        len(views),
	})
}

func transactionView(t *store.Transaction) map[string]interface{} {
	return map[string]interface{}{
		"tranNo":          t.TranNo,
		"referenceNumber": t.ReferenceNumber,
		"responseId":      t.ResponseID,
		"type":            t.Type,
		"status":          t.Status,
		"totalAmount":     t.Amount.TotalAmount,
		"tipAmount":       t.Amount.TipAmount,
		"maskedPAN":       t.MaskedPAN,
		"batchId":         t.BatchID,
		"createdAt":       t.CreatedAt,
		"updatedAt":       t.UpdatedAt,
	}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// failedFromStore maps a store validation error onto a Failed final.
func (r *request) failedFromStore(label string, err error) map[string]interface{} {
	if coded, ok := err.(*store.CodedError); ok {
		return r.failed(label, coded.Code, coded.Message)
	}
	return r.failed(label, "SYS001", err.Error())
}

// Package store holds the emulator's terminal state: transactions,
// batches, counters and running statistics, persisted as a single JSON
// document.
package store

import "time"

// Transaction types.
const (
	TypeSale       = "Sale"
	TypePreAuth    = "PreAuth"
	TypeCapture    = "Capture"
	TypeVoid       = "Void"
	TypeRefund     = "Refund"
	TypeTipAdjust  = "TipAdjust"
	TypeReversal   = "Reversal"
	TypeBatchClose = "BatchClose"
	TypeForceSale  = "ForceSale"
)

// Transaction statuses.
const (
	StatusPending       = "PENDING"
	StatusApproved      = "APPROVED"
	StatusDeclined      = "DECLINED"
	StatusVoided        = "VOIDED"
	StatusSettled       = "SETTLED"
	StatusRefunded      = "REFUNDED"
	StatusPartialVoided = "PARTIAL_VOIDED"
	StatusTipAdjusted   = "TIP_ADJUSTED"
)

// Card acquisition modes.
const (
	AcquisitionInsert = "INSERT"
	AcquisitionSwipe  = "SWIPE"
	AcquisitionManual = "MANUAL"
	AcquisitionTap    = "TAP"
)

// Amounts are decimal strings with two fractional digits. They are
// never round-tripped through binary floats.
type Amounts struct {
	BaseAmount       string `json:"baseAmount"`
	TipAmount        string `json:"tipAmount"`
	TaxAmount        string `json:"taxAmount"`
	CashbackAmount   string `json:"cashbackAmount"`
	TotalAmount      string `json:"totalAmount"`
	AuthorizedAmount string `json:"authorizedAmount"`
}

// Transaction is one terminal transaction. OriginalTransaction is the
// internal id of the transaction a Void/Refund/TipAdjust targets; it is
// a reference for lookup, never ownership.
type Transaction struct {
	ID              string `json:"id"`
	TranNo          string `json:"tranNo"`
	ReferenceNumber string `json:"referenceNumber"`
	ResponseID      int64  `json:"responseId"`
	ApprovalCode    string `json:"approvalCode,omitempty"`

	Type   string  `json:"type"`
	Status string  `json:"status"`
	Amount Amounts `json:"amounts"`

	CardAcquisition string `json:"cardAcquisition,omitempty"`
	CardType        string `json:"cardType,omitempty"`
	MaskedPAN       string `json:"maskedPAN,omitempty"`

	BatchID   string    `json:"batchId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	OriginalTransaction string `json:"originalTransaction,omitempty"`

	DeclineReason string `json:"declineReason,omitempty"`
	Partial       bool   `json:"partial,omitempty"`
	InvoiceNbr    string `json:"invoiceNbr,omitempty"`
}

// Batch groups transactions settled together at EOD. Exactly one batch
// is open at any time.
type Batch struct {
	ID              string     `json:"id"`
	OpenTime        time.Time  `json:"openTime"`
	CloseTime       *time.Time `json:"closeTime,omitempty"`
	IsOpen          bool       `json:"isOpen"`
	Transactions    []string   `json:"transactions"`
	SettlementCount int        `json:"settlementCount,omitempty"`
	TotalAmount     string     `json:"totalAmount,omitempty"`
}

// Counters drive id allocation. They are reconstructed from the
// persisted transactions when missing.
type Counters struct {
	NextTranNo     int64 `json:"nextTranNo"`
	NextBatchNo    int64 `json:"nextBatchNo"`
	NextRefNo      int64 `json:"nextRefNo"`
	NextResponseID int64 `json:"nextResponseId"`
}

// DayStats is the per-day slice of the running statistics.
type DayStats struct {
	Count  int    `json:"count"`
	Volume string `json:"volume"`
}

// Statistics tracks daily and global transaction volume.
type Statistics struct {
	Daily       map[string]DayStats `json:"daily"`
	TotalCount  int                 `json:"totalCount"`
	TotalVolume string              `json:"totalVolume"`
}

// document is the persisted file shape.
type document struct {
	Transactions []*Transaction `json:"transactions"`
	Batches      []*Batch       `json:"batches"`
	Counters     Counters       `json:"counters"`
	CurrentBatch *Batch         `json:"currentBatch"`
	Statistics   Statistics     `json:"statistics"`
}

// BatchSummary is the settlement report produced by CloseBatch.
type BatchSummary struct {
	BatchID      string `json:"batchId"`
	SalesCount   int    `json:"salesCount"`
	RefundCount  int    `json:"refundCount"`
	VoidCount    int    `json:"voidCount"`
	SettledCount int    `json:"settledCount"`
	NetAmount    string `json:"netAmount"`
}

// IDs is one atomically allocated identifier set.
type IDs struct {
	TranNo          string
	ReferenceNumber string
	ResponseID      int64
	ApprovalCode    string
}

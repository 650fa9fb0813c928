package store

import (
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Coded error codes surfaced to the terminal protocol.
const (
	CodeRefNotFound       = "REF001"
	CodeRefundRefNotFound = "REF002"
	CodeAlreadyVoided     = "VOID001"
	CodeVoidSettled       = "VOID002"
	CodeVoidNotAllowed    = "VOID003"
	CodeRefundTooLarge    = "AMT003"
	CodeTipNotAllowed     = "TIP001"
	CodeNotCapturable     = "TRAN009"
)

// CodedError is a validation failure with a terminal error code.
type CodedError struct {
	Code    string
	Message string
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Store is the process-wide terminal state. Every mutation runs inside
// the single mutex: id allocation, inserts, updates, batch open/close
// and the statistics update. Persistence happens outside the lock on a
// dedicated writer goroutine.
type Store struct {
	mu   sync.Mutex
	doc  document
	rand *rand.Rand

	persist *persister
}

// Open loads (or initializes) the state document at path and starts the
// background persistence writer.
func Open(path string) (*Store, error) {
	doc, err := loadDocument(path)
	if err != nil {
		return nil, err
	}

	s := &Store{
		doc:  *doc,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.reconstructCounters()
	if s.doc.CurrentBatch == nil || !s.doc.CurrentBatch.IsOpen {
		s.openBatchLocked()
	}
	if s.doc.Statistics.Daily == nil {
		s.doc.Statistics.Daily = make(map[string]DayStats)
	}
	if s.doc.Statistics.TotalVolume == "" {
		s.doc.Statistics.TotalVolume = "0.00"
	}

	s.persist = newPersister(path)
	s.flushLocked()
	return s, nil
}

// Close flushes outstanding state synchronously and stops the writer.
func (s *Store) Close() error {
	s.mu.Lock()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	return s.persist.close(snap)
}

// reconstructCounters rebuilds missing counters as max(existing)+1.
func (s *Store) reconstructCounters() {
	c := &s.doc.Counters
	for _, t := range s.doc.Transactions {
		if n, err := strconv.ParseInt(t.TranNo, 10, 64); err == nil && n >= c.NextTranNo {
			c.NextTranNo = n + 1
		}
		if n, err := strconv.ParseInt(t.ReferenceNumber, 10, 64); err == nil && n >= c.NextRefNo {
			c.NextRefNo = n + 1
		}
		if t.ResponseID >= c.NextResponseID {
			c.NextResponseID = t.ResponseID + 1
		}
	}
	if c.NextTranNo == 0 {
		c.NextTranNo = 1
	}
	if c.NextRefNo < 200_000_000_000 {
		c.NextRefNo = 200_000_000_000
	}
	if c.NextResponseID == 0 {
		c.NextResponseID = 1
	}
	for _, b := range append(s.doc.Batches, s.doc.CurrentBatch) {
		if b == nil {
			continue
		}
		var n int64
		if _, err := fmt.Sscanf(b.ID, "B%d", &n); err == nil && n >= c.NextBatchNo {
			c.NextBatchNo = n + 1
		}
	}
	if c.NextBatchNo == 0 {
		c.NextBatchNo = 1
	}
}

func (s *Store) openBatchLocked() {
	id := fmt.Sprintf("B%04d", s.doc.Counters.NextBatchNo)
	s.doc.Counters.NextBatchNo++
	s.doc.CurrentBatch = &Batch{
		ID:           id,
		OpenTime:     time.Now().UTC(),
		IsOpen:       true,
		Transactions: []string{},
	}
}

// NewIDs atomically allocates a tranNo, reference number, response id
// and approval code.
func (s *Store) NewIDs() IDs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newIDsLocked()
}

func (s *Store) newIDsLocked() IDs {
	c := &s.doc.Counters
	ids := IDs{
		TranNo:          fmt.Sprintf("%04d", c.NextTranNo),
		ReferenceNumber: fmt.Sprintf("%012d", c.NextRefNo),
		ResponseID:      c.NextResponseID,
		ApprovalCode:    fmt.Sprintf("%06d", s.rand.Intn(1_000_000)),
	}
	c.NextTranNo++
	c.NextRefNo++
	c.NextResponseID++
	return ids
}

// AddTransaction assigns an internal id, binds t to the open batch,
// timestamps it, updates statistics and persists. The returned value is
// a detached copy; the stored transaction is only reachable under the
// lock.
func (s *Store) AddTransaction(t *Transaction) *Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.addLocked(t)
	s.flushLocked()
	cp := *t
	return &cp
}

func (s *Store) addLocked(t *Transaction) {
	now := time.Now().UTC()
	t.ID = uuid.NewString()
	t.BatchID = s.doc.CurrentBatch.ID
	t.CreatedAt = now
	t.UpdatedAt = now

	s.doc.Transactions = append(s.doc.Transactions, t)
	s.doc.CurrentBatch.Transactions = append(s.doc.CurrentBatch.Transactions, t.ID)
	s.updateStatsLocked(t, now)
}

func (s *Store) updateStatsLocked(t *Transaction, now time.Time) {
	day := now.Format("2006-01-02")
	ds := s.doc.Statistics.Daily[day]
	ds.Count++
	ds.Volume = addAmount(ds.Volume, t.Amount.TotalAmount)
	s.doc.Statistics.Daily[day] = ds
	s.doc.Statistics.TotalCount++
	s.doc.Statistics.TotalVolume = addAmount(s.doc.Statistics.TotalVolume, t.Amount.TotalAmount)
}

func addAmount(acc, amt string) string {
	return parseAmount(acc).Add(parseAmount(amt)).StringFixed(2)
}

func parseAmount(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Find looks a transaction up by internal id, then tranNo, then
// reference number, then response id. First match wins. The result is
// a detached copy.
func (s *Store) Find(identifier string) (*Transaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.findLocked(identifier)
	if t == nil {
		return nil, false
	}
	cp := *t
	return &cp, true
}

func (s *Store) findLocked(identifier string) *Transaction {
	for _, t := range s.doc.Transactions {
		if t.ID == identifier {
			return t
		}
	}
	for _, t := range s.doc.Transactions {
		if t.TranNo == identifier {
			return t
		}
	}
	for _, t := range s.doc.Transactions {
		if t.ReferenceNumber == identifier {
			return t
		}
	}
	if n, err := strconv.ParseInt(identifier, 10, 64); err == nil {
		for _, t := range s.doc.Transactions {
			if t.ResponseID == n {
				return t
			}
		}
	}
	return nil
}

// Update applies mutate to the transaction matching identifier (same
// precedence as Find), timestamps it and persists.
func (s *Store) Update(identifier string, mutate func(*Transaction)) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.findLocked(identifier)
	if t == nil {
		return nil, &CodedError{Code: CodeRefNotFound, Message: "transaction not found: " + identifier}
	}
	mutate(t)
	t.UpdatedAt = time.Now().UTC()
	s.flushLocked()
	cp := *t
	return &cp, nil
}

// Unsettled returns the open batch's transactions still awaiting
// settlement (APPROVED or TIP_ADJUSTED), as detached copies.
func (s *Store) Unsettled() []*Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyAll(s.unsettledLocked())
}

func copyAll(ts []*Transaction) []*Transaction {
	out := make([]*Transaction, len(ts))
	for i, t := range ts {
		cp := *t
		out[i] = &cp
	}
	return out
}

func (s *Store) unsettledLocked() []*Transaction {
	var out []*Transaction
	for _, id := range s.doc.CurrentBatch.Transactions {
		t := s.findLocked(id)
		if t == nil {
			continue
		}
		if t.Status == StatusApproved || t.Status == StatusTipAdjusted {
			out = append(out, t)
		}
	}
	return out
}

// CloseBatch settles every unsettled transaction of the open batch,
// closes it and opens the next one. The whole transition is one
// critical section.
func (s *Store) CloseBatch() (BatchSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	batch := s.doc.CurrentBatch
	unsettled := s.unsettledLocked()

	net := decimal.Zero
	summary := BatchSummary{BatchID: batch.ID}
	for _, t := range unsettled {
		amt, err := decimal.NewFromString(t.Amount.TotalAmount)
		if err != nil {
			amt = decimal.Zero
		}
		switch t.Type {
		case TypeRefund:
			summary.RefundCount++
			net = net.Sub(amt)
		case TypeVoid:
			// Companion record; the voided original already dropped out.
			summary.VoidCount++
		case TypeTipAdjust, TypeReversal, TypeBatchClose:
			// Adjustment records carry no monetary effect of their own.
		default:
			summary.SalesCount++
			if t.Partial && t.Amount.AuthorizedAmount != "" {
				if auth, err := decimal.NewFromString(t.Amount.AuthorizedAmount); err == nil {
					amt = auth
				}
			}
			net = net.Add(amt)
		}
		t.Status = StatusSettled
		t.UpdatedAt = now
	}
	summary.SettledCount = len(unsettled)
	summary.NetAmount = net.StringFixed(2)

	batch.IsOpen = false
	batch.CloseTime = &now
	batch.SettlementCount = summary.SettledCount
	batch.TotalAmount = summary.NetAmount
	s.doc.Batches = append(s.doc.Batches, batch)

	s.openBatchLocked()
	s.flushLocked()
	return summary, nil
}

// referenceableType reports whether a transaction may be the target of
// a Void, TipAdjust or referenced Refund. Void and Refund records are
// never valid targets.
func referenceableType(typ string) bool {
	switch typ {
	case TypeSale, TypeForceSale, TypePreAuth, TypeCapture, TypeTipAdjust:
		return true
	}
	return false
}

// ValidateVoid checks whether target may be voided. The result is a
// detached copy; use Void for the actual transition.
func (s *Store) ValidateVoid(identifier string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.validateVoidLocked(identifier)
	if err != nil {
		return nil, err
	}
	cp := *t
	return &cp, nil
}

func (s *Store) validateVoidLocked(identifier string) (*Transaction, error) {
	t := s.findLocked(identifier)
	if t == nil {
		return nil, &CodedError{Code: CodeRefNotFound, Message: "original transaction not found"}
	}
	if !referenceableType(t.Type) {
		return nil, &CodedError{Code: CodeVoidNotAllowed, Message: "transaction of type " + t.Type + " is not voidable"}
	}
	switch t.Status {
	case StatusApproved, StatusTipAdjusted:
		return t, nil
	case StatusVoided:
		return nil, &CodedError{Code: CodeAlreadyVoided, Message: "transaction already voided"}
	case StatusSettled:
		return nil, &CodedError{Code: CodeVoidSettled, Message: "transaction already settled"}
	default:
		return nil, &CodedError{Code: CodeVoidNotAllowed, Message: "transaction not voidable in status " + t.Status}
	}
}

// ValidateRefund checks a referenced refund against its original. The
// result is a detached copy; use Refund for the actual transition.
func (s *Store) ValidateRefund(identifier, amount string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, &CodedError{Code: CodeRefundTooLarge, Message: "invalid refund amount"}
	}
	t, err := s.validateRefundLocked(identifier, want)
	if err != nil {
		return nil, err
	}
	cp := *t
	return &cp, nil
}

func (s *Store) validateRefundLocked(identifier string, want decimal.Decimal) (*Transaction, error) {
	t := s.findLocked(identifier)
	if t == nil {
		return nil, &CodedError{Code: CodeRefundRefNotFound, Message: "original transaction not found"}
	}
	if !referenceableType(t.Type) {
		return nil, &CodedError{Code: CodeRefundRefNotFound, Message: "transaction of type " + t.Type + " is not refundable"}
	}
	if want.GreaterThan(parseAmount(t.Amount.TotalAmount)) {
		return nil, &CodedError{Code: CodeRefundTooLarge, Message: "refund amount exceeds original"}
	}
	return t, nil
}

// ValidateTipAdjust checks whether target may receive a tip adjustment.
// The result is a detached copy; use TipAdjust for the actual
// transition.
func (s *Store) ValidateTipAdjust(identifier string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.validateTipAdjustLocked(identifier)
	if err != nil {
		return nil, err
	}
	cp := *t
	return &cp, nil
}

func (s *Store) validateTipAdjustLocked(identifier string) (*Transaction, error) {
	t := s.findLocked(identifier)
	if t == nil {
		return nil, &CodedError{Code: CodeRefNotFound, Message: "original transaction not found"}
	}
	if !referenceableType(t.Type) {
		return nil, &CodedError{Code: CodeTipNotAllowed, Message: "transaction of type " + t.Type + " is not adjustable"}
	}
	switch t.Status {
	case StatusApproved, StatusTipAdjusted:
		return t, nil
	default:
		return nil, &CodedError{Code: CodeTipNotAllowed, Message: "transaction not adjustable in status " + t.Status}
	}
}

// Void flips the target to VOIDED and records the companion Void
// transaction. Validation, transition and companion insert are one
// critical section, so concurrent voids of the same target produce
// exactly one companion. Both results are detached copies.
func (s *Store) Void(identifier string) (voided, companion *Transaction, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.validateVoidLocked(identifier)
	if err != nil {
		return nil, nil, err
	}
	t.Status = StatusVoided
	t.UpdatedAt = time.Now().UTC()

	ids := s.newIDsLocked()
	c := &Transaction{
		TranNo:              ids.TranNo,
		ReferenceNumber:     ids.ReferenceNumber,
		ResponseID:          ids.ResponseID,
		ApprovalCode:        ids.ApprovalCode,
		Type:                TypeVoid,
		Status:              StatusApproved,
		Amount:              t.Amount,
		CardType:            t.CardType,
		MaskedPAN:           t.MaskedPAN,
		OriginalTransaction: t.ID,
	}
	s.addLocked(c)
	s.flushLocked()

	vc, cc := *t, *c
	return &vc, &cc, nil
}

// TipAdjust sets the new tip on the target, recomputes its totals and
// records the adjustment marker, all in one critical section. The
// result is a detached copy of the adjusted original.
func (s *Store) TipAdjust(identifier string, tip decimal.Decimal) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.validateTipAdjustLocked(identifier)
	if err != nil {
		return nil, err
	}
	total := parseAmount(t.Amount.BaseAmount).
		Add(tip).
		Add(parseAmount(t.Amount.TaxAmount)).
		Add(parseAmount(t.Amount.CashbackAmount))
	t.Amount.TipAmount = tip.StringFixed(2)
	t.Amount.TotalAmount = total.StringFixed(2)
	t.Amount.AuthorizedAmount = total.StringFixed(2)
	t.Status = StatusTipAdjusted
	t.UpdatedAt = time.Now().UTC()

	ids := s.newIDsLocked()
	s.addLocked(&Transaction{
		TranNo:              ids.TranNo,
		ReferenceNumber:     ids.ReferenceNumber,
		ResponseID:          ids.ResponseID,
		Type:                TypeTipAdjust,
		Status:              StatusApproved,
		Amount:              Amounts{TipAmount: tip.StringFixed(2), TotalAmount: "0.00"},
		OriginalTransaction: t.ID,
	})
	s.flushLocked()

	cp := *t
	return &cp, nil
}

// Refund records a refund transaction. A non-empty identifier makes it
// a referenced refund validated against that original; a full
// referenced refund flips the original to REFUNDED. One critical
// section end to end.
func (s *Store) Refund(amount decimal.Decimal, identifier string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var original *Transaction
	if identifier != "" {
		t, err := s.validateRefundLocked(identifier, amount)
		if err != nil {
			return nil, err
		}
		original = t
	}

	ids := s.newIDsLocked()
	refund := &Transaction{
		TranNo:          ids.TranNo,
		ReferenceNumber: ids.ReferenceNumber,
		ResponseID:      ids.ResponseID,
		ApprovalCode:    ids.ApprovalCode,
		Type:            TypeRefund,
		Status:          StatusApproved,
		Amount: Amounts{
			BaseAmount:       amount.StringFixed(2),
			TipAmount:        "0.00",
			TaxAmount:        "0.00",
			CashbackAmount:   "0.00",
			TotalAmount:      amount.StringFixed(2),
			AuthorizedAmount: amount.StringFixed(2),
		},
		CardAcquisition: AcquisitionTap,
	}
	if original != nil {
		refund.OriginalTransaction = original.ID
		refund.CardType = original.CardType
		refund.MaskedPAN = original.MaskedPAN

		// A full refund flips the original into its terminal state.
		if amount.StringFixed(2) == original.Amount.TotalAmount {
			original.Status = StatusRefunded
			original.UpdatedAt = time.Now().UTC()
		}
	}
	s.addLocked(refund)
	s.flushLocked()

	cp := *refund
	return &cp, nil
}

// CompleteAuth captures an approved pre-auth: the hold becomes the
// captured amount plus tip and the type flips to Capture. The result
// is a detached copy.
func (s *Store) CompleteAuth(identifier string, amount, tip decimal.Decimal) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.findLocked(identifier)
	if t == nil || t.Type != TypePreAuth {
		return nil, &CodedError{Code: CodeRefNotFound, Message: "original pre-auth not found"}
	}
	if t.Status != StatusApproved {
		return nil, &CodedError{Code: CodeNotCapturable, Message: "pre-auth not capturable in status " + t.Status}
	}

	total := amount.Add(tip)
	t.Amount.BaseAmount = amount.StringFixed(2)
	t.Amount.TipAmount = tip.StringFixed(2)
	t.Amount.TotalAmount = total.StringFixed(2)
	t.Amount.AuthorizedAmount = total.StringFixed(2)
	t.Type = TypeCapture
	t.UpdatedAt = time.Now().UTC()
	s.flushLocked()

	cp := *t
	return &cp, nil
}

// CurrentBatch returns a copy of the open batch header.
func (s *Store) CurrentBatch() Batch {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := *s.doc.CurrentBatch
	b.Transactions = append([]string(nil), b.Transactions...)
	return b
}

// Recent returns up to n transactions of the open batch, newest first,
// as detached copies.
func (s *Store) Recent(n int) []*Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.doc.CurrentBatch.Transactions
	var out []*Transaction
	for i := len(ids) - 1; i >= 0 && len(out) < n; i-- {
		if t := s.findLocked(ids[i]); t != nil {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

// Stats returns a copy of the running statistics.
func (s *Store) Stats() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.doc.Statistics
	out.Daily = make(map[string]DayStats, len(s.doc.Statistics.Daily))
	for k, v := range s.doc.Statistics.Daily {
		out.Daily[k] = v
	}
	return out
}

// flushLocked enqueues a snapshot for the background writer. Called
// with the mutex held; the writer itself never touches Store state.
func (s *Store) flushLocked() {
	if s.persist != nil {
		s.persist.enqueue(s.snapshotLocked())
	}
}

func (s *Store) snapshotLocked() *document {
	return deepCopy(&s.doc)
}

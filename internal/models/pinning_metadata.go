package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PinningMetadata records why and until when a content id is retained
type PinningMetadata struct {
	CID               string          `json:"cid"`
	FileName          string          `json:"fileName,omitempty"`
	Size              int64           `json:"size"`
	PinDate           time.Time       `json:"pinDate"`
	ExpirationDate    time.Time       `json:"expirationDate"`
	PaymentTxID       string          `json:"paymentTxId,omitempty"`
	Fee               decimal.Decimal `json:"fee"`
	PaymentAmount     decimal.Decimal `json:"paymentAmount"`
	PaymentSufficient bool            `json:"paymentSufficient"`
	NameID            string          `json:"nameId,omitempty"`
	RequirePayment    bool            `json:"requirePayment"`
}

// Expired reports whether now is past the expiration date
func (m *PinningMetadata) Expired(now time.Time) bool {
	return now.After(m.ExpirationDate)
}

// RemainPinned reports whether the content is still entitled to retention: it has not
// expired, payment was never required, or payment was sufficient.
func (m *PinningMetadata) RemainPinned(now time.Time) bool {
	return !m.Expired(now) || !m.RequirePayment || m.PaymentSufficient
}

// DaysRemaining returns whole days until expiration, never negative
func (m *PinningMetadata) DaysRemaining(now time.Time) int {
	if m.Expired(now) {
		return 0
	}
	return int(m.ExpirationDate.Sub(now).Hours() / 24)
}

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OfferStatus represents a state in the gas loan offer lifecycle.
type OfferStatus string

// All lifecycle states. Transitions are monotone: issued may move to
// expired, canceled or executing; executing may move to executed or failed;
// terminal states never change.
const (
	StatusIssued    OfferStatus = "issued"
	StatusExpired   OfferStatus = "expired"
	StatusExecuting OfferStatus = "executing"
	StatusExecuted  OfferStatus = "executed"
	StatusFailed    OfferStatus = "failed"
	StatusCanceled  OfferStatus = "canceled"
)

// BorrowerNonce is the per-borrower allocation counter. NextNonce holds the
// value the next allocation will return; the row is created on first use
// and never deleted.
type BorrowerNonce struct {
	Borrower  string `gorm:"primaryKey;size:42"`
	NextNonce uint64 `gorm:"not null"`
	UpdatedAt time.Time
}

// Offer is a server-signed gas loan offer across its lifecycle. (Borrower,
// Nonce) is the replay-protection key; ID exists for stable external lookup.
type Offer struct {
	ID           uuid.UUID   `gorm:"type:uuid;primaryKey"`
	Borrower     string      `gorm:"size:42;uniqueIndex:uk_borrower_nonce;not null"`
	Nonce        uint64      `gorm:"uniqueIndex:uk_borrower_nonce;not null"`
	AgentID      string      `gorm:"size:128;index"`
	Principal    string      `gorm:"size:96;not null"`
	InterestBps  uint32      `gorm:"not null"`
	Action       uint8       `gorm:"not null"`
	MetadataHash string      `gorm:"size:66"`
	Signature    string      `gorm:"size:256"`
	Status       OfferStatus `gorm:"size:16;index"`
	IssuedAt     int64       `gorm:"not null"`
	DueAt        int64       `gorm:"not null"`
	ExpiresAt    int64       `gorm:"not null;index"`
	TxHash       string      `gorm:"size:66"`
	LoanID       string      `gorm:"size:66"`
	LastError    string      `gorm:"size:512"`
	ExecutingAt  *time.Time
	ExecutedAt   *time.Time
	FailedAt     *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BorrowerPolicy caps what may be offered to a borrower. Absent rows mean
// service defaults apply.
type BorrowerPolicy struct {
	Borrower        string `gorm:"primaryKey;size:42"`
	MaxPrincipal    string `gorm:"size:96"`
	MaxDurationSecs int64
	Enabled         bool `gorm:"not null;default:true"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&BorrowerNonce{},
		&Offer{},
		&BorrowerPolicy{},
	)
}

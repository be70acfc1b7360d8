package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType distinguishes money coming in from money going out.
type TransactionType string

const (
	TypeIncome  TransactionType = "income"
	TypeExpense TransactionType = "expense"
)

// Currencies is the fixed set the ledger accepts.
var Currencies = []string{"EUR", "USD", "LEK", "GBP"}

// ValidCurrency reports whether c is one of the supported currencies.
func ValidCurrency(c string) bool {
	for _, cur := range Currencies {
		if cur == c {
			return true
		}
	}
	return false
}

// ValidType reports whether t is a known transaction type.
func ValidType(t TransactionType) bool {
	return t == TypeIncome || t == TypeExpense
}

// Transaction is a single ledger entry. Rows are never physically removed:
// deleting sets Deleted plus the audit pair DeletedDate/DeletedBy. Either all
// of Document/DocumentName/DocumentSize/DocumentHash are set or none are.
type Transaction struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	RegistrationDate time.Time `gorm:"not null;index" json:"registration_date"`
	CreatedOn        time.Time `gorm:"not null" json:"created_on"`
	Currency         string    `gorm:"size:10;not null" json:"currency"`
	Description      string    `gorm:"size:255;not null" json:"description"`
	Amount           decimal.Decimal `gorm:"type:decimal(18,2);not null" json:"amount"`
	TransactionType  TransactionType `gorm:"size:10;not null" json:"transaction_type"`
	Deleted          bool       `gorm:"default:false;index" json:"deleted"`
	DeletedDate      *time.Time `json:"deleted_date,omitempty"`
	CreatedBy        *uint      `gorm:"index" json:"created_by,omitempty"`
	DeletedBy        *uint      `json:"deleted_by,omitempty"`
	Document         []byte     `json:"-"`
	DocumentName     *string    `gorm:"size:255" json:"document_name,omitempty"`
	DocumentSize     *int64     `json:"document_size,omitempty"`
	DocumentHash     *string    `gorm:"size:64" json:"-"`
}

// HasDocument reports whether the document column group is populated.
func (t *Transaction) HasDocument() bool {
	return len(t.Document) > 0 && t.DocumentName != nil && t.DocumentSize != nil && t.DocumentHash != nil
}

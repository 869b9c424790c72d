package model

import (
	"time"

	"github.com/google/uuid"
)

// BillerType represents where a biller comes from.
type BillerType string

const (
	BillerTypeNetwork BillerType = "network"
	BillerTypeCustom  BillerType = "custom"
)

// Biller is a payee (utility, merchant) that loans can be disbursed to.
type Biller struct {
	ID                uuid.UUID        `json:"id" gorm:"type:uuid;primaryKey"`
	Name              string           `json:"name" gorm:"not null"`
	Type              BillerType       `json:"type" gorm:"not null;default:network"`
	PaymentAccountID  *uuid.UUID       `json:"payment_account_id,omitempty" gorm:"type:uuid"`
	ExternalBillerID  *string          `json:"external_biller_id,omitempty" gorm:"uniqueIndex"`
	ExternalBillerKey string           `json:"external_biller_key,omitempty"`
	LiveDate          *time.Time       `json:"live_date,omitempty" gorm:"type:date"`
	BillerClass       *string          `json:"biller_class,omitempty"`
	BillerType        *string          `json:"biller_type,omitempty"`
	LineOfBusiness    *string          `json:"line_of_business,omitempty"`
	TerritoryCode     *string          `json:"territory_code,omitempty"`
	CRC32             int64            `json:"crc32" gorm:"column:crc32;not null"`
	Names             []*BillerName    `json:"names,omitempty" gorm:"foreignKey:BillerID"`
	Masks             []*BillerMask    `json:"masks,omitempty" gorm:"foreignKey:BillerID"`
	Addresses         []*BillerAddress `json:"addresses,omitempty" gorm:"foreignKey:BillerID"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (Biller) TableName() string {
	return "billers"
}

// BillerName is an alternative (AKA or previous) name of a biller.
type BillerName struct {
	ID        uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	BillerID  uuid.UUID  `json:"biller_id" gorm:"type:uuid;not null;index"`
	Name      string     `json:"name" gorm:"not null"`
	Key       *string    `json:"key,omitempty"`
	Effective *time.Time `json:"effective,omitempty" gorm:"type:date"`
}

// TableName returns the table name for GORM.
func (BillerName) TableName() string {
	return "biller_names"
}

// BillerMask is an account number mask accepted by a biller.
type BillerMask struct {
	ID        uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	BillerID  uuid.UUID  `json:"biller_id" gorm:"type:uuid;not null;index"`
	Key       *string    `json:"key,omitempty"`
	Length    *int       `json:"length,omitempty"`
	Mask      string     `json:"mask" gorm:"not null"`
	Effective *time.Time `json:"effective,omitempty" gorm:"type:date"`
}

// TableName returns the table name for GORM.
func (BillerMask) TableName() string {
	return "biller_masks"
}

// BillerAddress is a remittance address of a biller.
type BillerAddress struct {
	ID                uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	BillerID          uuid.UUID  `json:"biller_id" gorm:"type:uuid;not null;index"`
	Key               *string    `json:"key,omitempty"`
	Type              *string    `json:"type,omitempty"`
	AddressLine1      *string    `json:"address_line1,omitempty"`
	AddressLine2      *string    `json:"address_line2,omitempty"`
	City              *string    `json:"city,omitempty"`
	StateProvinceCode *string    `json:"state_province_code,omitempty"`
	CountryCode       *string    `json:"country_code,omitempty"`
	PostalCode        *string    `json:"postal_code,omitempty"`
	Effective         *time.Time `json:"effective,omitempty" gorm:"type:date"`
}

// TableName returns the table name for GORM.
func (BillerAddress) TableName() string {
	return "biller_addresses"
}

// BillerImportResult summarizes one catalogue import run.
type BillerImportResult struct {
	Lines     int `json:"lines"`
	Parsed    int `json:"parsed"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
	BadLines  int `json:"bad_lines"`
}

// LendingModels lists every lending entity for schema migration.
func LendingModels() []any {
	return []any{
		&PaymentAccount{},
		&Biller{},
		&BillerName{},
		&BillerMask{},
		&BillerAddress{},
		&Loan{},
		&LoanPayment{},
		&LoanPaymentStep{},
		&Transfer{},
		&TransferError{},
		&PaymentsRoute{},
		&PaymentsRouteStep{},
		&WebhookEvent{},
	}
}

package models

import (
	"time"
)

// RelayRequest is the relational row of a relay request. Status and chain
// are columns for scans; the full record lives in Payload.
type RelayRequest struct {
	ID          string    `gorm:"primaryKey;type:varchar(64)"`
	Status      string    `gorm:"type:varchar(32);index"`
	ChainID     uint64    `gorm:"type:bigint;index"`
	PaymentType string    `gorm:"type:varchar(16)"`
	Payload     []byte    `gorm:"type:bytea;not null"`
	CreatedAt   time.Time `gorm:"type:timestamp(6);autoCreateTime:false"`
	UpdatedAt   time.Time `gorm:"type:timestamp(6);autoUpdateTime:false"`
}

func (RelayRequest) TableName() string {
	return "relay_requests"
}

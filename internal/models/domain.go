package models

import (
	"time"
)

// Domain represents an email domain the forwarder accepts mail for.
// Domains are owned by the external admin service; the forwarding core
// only ever reads them.
type Domain struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex;not null;size:255" json:"name"`
	IsDeleted bool      `gorm:"default:false;index" json:"is_deleted"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	// CatchAll, when set, receives mail for any local part without a
	// live alias under this domain.
	CatchAll string `gorm:"size:255" json:"catch_all,omitempty"`

	// DKIM signing material. An empty key disables signing for mail
	// forwarded on behalf of this domain.
	DKIMPrivateKey string `gorm:"type:text" json:"-"`
	DKIMSelector   string `gorm:"size:63;default:default" json:"dkim_selector"`

	// Relationships
	Aliases []Alias `gorm:"foreignKey:DomainID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName returns the table name for Domain
func (Domain) TableName() string {
	return "domains"
}

package models

import (
	"strings"
	"time"
)

// TargetSeparator delimits forwarding targets in the stored target list.
const TargetSeparator = ","

// Alias maps a local part under a domain to one or more forwarding
// target addresses. An alias whose ExpiresAt lies in the past is treated
// as absent by the resolver.
type Alias struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	DomainID  uint       `gorm:"not null;index:idx_aliases_domain_local" json:"domain_id"`
	LocalPart string     `gorm:"not null;size:255;index:idx_aliases_domain_local" json:"local_part"`
	Targets   string     `gorm:"type:text;not null" json:"targets"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	IsDeleted bool       `gorm:"default:false;index" json:"is_deleted"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	// Relationships
	Domain Domain `gorm:"foreignKey:DomainID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName returns the table name for Alias
func (Alias) TableName() string {
	return "aliases"
}

// TargetList splits the stored target text into individual addresses,
// dropping empty entries.
func (a *Alias) TargetList() []string {
	var targets []string
	for _, t := range strings.Split(a.Targets, TargetSeparator) {
		t = strings.TrimSpace(t)
		if t != "" {
			targets = append(targets, t)
		}
	}
	return targets
}

// Expired reports whether the alias has an expiry in the past relative to now.
func (a *Alias) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

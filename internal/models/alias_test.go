package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAlias_TargetList(t *testing.T) {
	tests := []struct {
		name    string
		targets string
		want    []string
	}{
		{"single target", "a@example.com", []string{"a@example.com"}},
		{"multiple targets", "a@example.com,b@example.com", []string{"a@example.com", "b@example.com"}},
		{"whitespace trimmed", " a@example.com , b@example.com ", []string{"a@example.com", "b@example.com"}},
		{"empty entries dropped", "a@example.com,,b@example.com,", []string{"a@example.com", "b@example.com"}},
		{"empty string", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alias := &Alias{Targets: tt.targets}
			assert.Equal(t, tt.want, alias.TargetList())
		})
	}
}

func TestAlias_Expired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.False(t, (&Alias{}).Expired(now), "no expiry never expires")
	assert.True(t, (&Alias{ExpiresAt: &past}).Expired(now))
	assert.False(t, (&Alias{ExpiresAt: &future}).Expired(now))
	assert.True(t, (&Alias{ExpiresAt: &now}).Expired(now), "expiry boundary counts as expired")
}

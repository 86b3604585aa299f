package entitlement

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldBlockDowngrade(t *testing.T) {
	tests := []struct {
		name              string
		existingIsPremium bool
		allowDowngrade    bool
		want              bool
	}{
		{"premium without downgrade intent blocks", true, false, true},
		{"premium with explicit downgrade intent passes", true, true, false},
		{"not premium without intent passes (nothing to protect)", false, false, false},
		{"not premium with intent passes", false, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldBlockDowngrade(tt.existingIsPremium, tt.allowDowngrade))
		})
	}
}

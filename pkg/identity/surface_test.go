package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeSurface(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"", "", true}, // surface is optional
		{"squared2", "squared2", true},
		{"squared²", "squared2", true},
		{"squared", "squared2", true},
		{"square2", "squared2", true},
		{"SQUARED2", "squared2", true},
		{"  atelier3d  ", "atelier", true},
		{"showroom", "gallery", true},
		{"ops-console", "console", true},
		{"holodeck", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := NormalizeSurface(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeSurface_Idempotent(t *testing.T) {
	for _, canonical := range CanonicalSurfaces() {
		got, ok := NormalizeSurface(canonical)
		assert.True(t, ok)
		assert.Equal(t, canonical, got, "canonical ids must round-trip unchanged")
	}
}

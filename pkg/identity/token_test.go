package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenGenerator_Generate(t *testing.T) {
	gen := NewTokenGenerator("kst_")

	token, hash, err := gen.Generate()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(token, "kst_"))
	assert.Len(t, hash, 64, "hash should be hex-encoded SHA-256")
	assert.Equal(t, gen.Hash(token), hash)
}

func TestTokenGenerator_Uniqueness(t *testing.T) {
	gen := NewTokenGenerator("kst_")

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, _, err := gen.Generate()
		require.NoError(t, err)
		assert.False(t, seen[token], "generated duplicate token")
		seen[token] = true
	}
}

func TestTokenGenerator_ValidateFormat(t *testing.T) {
	gen := NewTokenGenerator("kst_")

	valid, _, err := gen.Generate()
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{"valid token", valid, false},
		{"empty", "", true},
		{"wrong prefix", "sk_" + strings.TrimPrefix(valid, "kst_"), true},
		{"prefix only", "kst_", true},
		{"invalid base64", "kst_!!!!not-base64!!!!", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := gen.ValidateFormat(tt.token)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTokenGenerator_DefaultPrefix(t *testing.T) {
	gen := NewTokenGenerator("")

	token, _, err := gen.Generate()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "kst_"))
}

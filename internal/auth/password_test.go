package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePassword(t *testing.T) {
	testCases := []struct {
		name     string
		password string
		wantRule string
	}{
		{name: "valid", password: "ValidPass1!"},
		{name: "too short", password: "short1!", wantRule: "must be at least 8 characters"},
		{name: "no uppercase", password: "alllowercase1!", wantRule: "must contain an uppercase letter"},
		{name: "no lowercase", password: "ALLUPPERCASE1!", wantRule: "must contain a lowercase letter"},
		{name: "no digit", password: "NoDigitsHere!", wantRule: "must contain a digit"},
		{name: "no special", password: "NoSpecial123", wantRule: "must contain a special character"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePassword(tc.password)
			if tc.wantRule == "" {
				assert.NoError(t, err)
				return
			}

			var policyErr ErrPasswordPolicy
			require.ErrorAs(t, err, &policyErr)
			assert.Equal(t, tc.wantRule, policyErr.Rule)
		})
	}
}

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("ValidPass1!")
	require.NoError(t, err)
	assert.NotEqual(t, "ValidPass1!", hash)

	assert.True(t, CheckPassword("ValidPass1!", hash))
	assert.False(t, CheckPassword("WrongPass1!", hash))
}

func TestHashPasswordUniqueSalts(t *testing.T) {
	first, err := HashPassword("ValidPass1!")
	require.NoError(t, err)
	second, err := HashPassword("ValidPass1!")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

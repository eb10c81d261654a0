package names

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Generated names are built from the token tables plus a separator, so
// if every token is a valid nickname on its own, a combination of them
// is probably valid too.
func TestNameTokensAreValidNicknames(t *testing.T) {
	for _, first := range firstnames {
		assert.NoError(t, ValidateNickname(first), "invalid first name %q", first)
	}
	for _, last := range lastnames {
		assert.NoError(t, ValidateNickname(last), "invalid last name %q", last)
	}
}

// Needed in addition to the token test to ensure the separator is also
// valid, and that no First.Last combination exceeds the length limit.
func TestGeneratedNamesAreValidNicknames(t *testing.T) {
	for range 200 {
		name := Generate()
		require.NoError(t, ValidateNickname(name), "invalid name %q", name)

		parts := strings.Split(name, separator)
		require.Len(t, parts, 2)
		assert.Contains(t, firstnames, parts[0])
		assert.Contains(t, lastnames, parts[1])
	}
}

func TestValidateNicknameRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"empty":        "",
		"too long":     strings.Repeat("a", MaxNicknameLength+1),
		"at sign":      "alice@bob",
		"space":        "alice bob",
		"tab":          "alice\tbob",
		"newline":      "alice\nbob",
		"control char": "alice\x00bob",
	}
	for name, nickname := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, ValidateNickname(nickname))
		})
	}
}

func TestValidateNicknameCountsRunesNotBytes(t *testing.T) {
	// 30 multi-byte runes are fine even though they exceed 30 bytes.
	assert.NoError(t, ValidateNickname(strings.Repeat("ü", MaxNicknameLength)))
}

package fetch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		content string
		valid   bool
	}{
		{"empty", "", false},
		{"short whitespace only", "  \n\t", false},
		{"long whitespace only", strings.Repeat(" ", 70), true},
		{"short html", "<html></html>", true},
		{"short properties", "<properties/>", true},
		{"xml declaration", `<?xml version="1.0"?><a/>`, true},
		{"doctype any case", "<!doctype html><p>", true},
		{"leading whitespace before markup", "\n  <HTML><body/>", true},
		{"xml without space is not a declaration", "<?xml>", false},
		{"50 chars without prefix", strings.Repeat("e", 50), false},
		{"60 chars without prefix", strings.Repeat("e", 60), false},
		{"61 chars without prefix", strings.Repeat("e", 61), true},
		{"70 chars without prefix", strings.Repeat("x", 70), true},
		{"short error text", "Service temporarily unavailable", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.content)
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidateCountsCharactersNotBytes(t *testing.T) {
	// 40 two-byte runes are 80 bytes but only 40 characters.
	assert.Error(t, Validate(strings.Repeat("ø", 40)))
	assert.NoError(t, Validate(strings.Repeat("ø", 61)))
}

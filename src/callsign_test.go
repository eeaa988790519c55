package elmer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidCallsign(t *testing.T) {
	tests := []struct {
		callsign string
		valid    bool
	}{
		{"W1ABC", true},
		{"w1abc", true},
		{"N0CALL-7", true},
		{"VE3XYZ-15", true},
		{"2E0ABC", true},
		{"K1A", true},
		{" W1ABC ", true},
		{"", false},
		{"HELLO", false},     // no digit in position
		{"W1ABC-", false},    // dangling dash
		{"W1ABC-1X", false},  // non-numeric SSID
		{"W1!BC", false},      // bad character
		{"ABCDE1FGHI", false}, // too long
	}

	for _, tt := range tests {
		assert.Equal(t, tt.valid, ValidCallsign(tt.callsign), "callsign %q", tt.callsign)
	}
}

func TestSplitCallsignSSID(t *testing.T) {
	tests := []struct {
		in           string
		expectedBase string
		expectedSSID int
	}{
		{"W1ABC", "W1ABC", 0},
		{"W1ABC-7", "W1ABC", 7},
		{"w1abc-15", "W1ABC", 15},
		{"W1ABC-X", "W1ABC", -1}, // caller rejects
	}

	for _, tt := range tests {
		var base, ssid = SplitCallsignSSID(tt.in)

		assert.Equal(t, tt.expectedBase, base, "base of %q", tt.in)
		assert.Equal(t, tt.expectedSSID, ssid, "SSID of %q", tt.in)
	}
}

func TestNormalizeCallsign(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"W2ASM-2", "W2ASM"},
		{"w2asm", "W2ASM"},
		{"  W2ASM  ", "W2ASM"},
		{"W2ASM/P", "W2ASM"},
		{"9A/W2ASM", "W2ASM"}, // prefix starting with a digit is skipped
		{"W2ASM/QRP/P", "W2ASM"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, NormalizeCallsign(tt.in), "normalize %q", tt.in)
	}
}

package elmer

/*------------------------------------------------------------------
 *
 * Name:	callsign
 *
 * Purpose:	Amateur radio callsign parsing, validation, and
 *		normalization.
 *
 * Description:	Callsigns arrive from three different directions: the
 *		AX.25 address field (already split into base + SSID),
 *		telnet environment variables or login prompts (free
 *		text), and operator configuration.  Everything funnels
 *		through here so "w2asm-2", "9A/W2ASM/P" and "W2ASM"
 *		all resolve to the same station identity.
 *
 *		Validation uses the conventional prefix-digit-suffix
 *		shape.  It will not catch every exotic special-event
 *		callsign but it keeps obvious garbage from reaching the
 *		license lookup and the rate limiter tables.
 *
 *---------------------------------------------------------------*/

import (
	"regexp"
	"strconv"
	"strings"
)

var callsignPattern = regexp.MustCompile(`^[A-Z0-9]{1,2}[0-9][A-Z0-9]{1,4}(-[0-9]{1,2})?$`)

// ValidCallsign reports whether s looks like an amateur callsign,
// optionally with an -SSID suffix.  Case-insensitive.
func ValidCallsign(s string) bool {
	return callsignPattern.MatchString(strings.ToUpper(strings.TrimSpace(s)))
}

// SplitCallsignSSID separates "CALL-SSID" text form into base callsign
// and numeric SSID.  A missing or unparsable SSID yields 0; a malformed
// number yields -1 so the caller can reject it.
func SplitCallsignSSID(s string) (string, int) {
	s = strings.ToUpper(strings.TrimSpace(s))

	var dash = strings.LastIndex(s, "-")
	if dash < 0 {
		return s, 0
	}

	var ssid, err = strconv.Atoi(s[dash+1:])
	if err != nil {
		return s[:dash], -1
	}

	return s[:dash], ssid
}

// NormalizeCallsign reduces a callsign to its base form: uppercase,
// SSID removed, portable prefixes and suffixes stripped.
//
//	W2ASM-2  -> W2ASM
//	W2ASM/P  -> W2ASM
//	9A/W2ASM -> W2ASM
//	w2asm    -> W2ASM
func NormalizeCallsign(callsign string) string {
	if callsign == "" {
		return ""
	}

	callsign = strings.ToUpper(strings.TrimSpace(callsign))

	// SSID is everything after the last hyphen.
	if i := strings.LastIndex(callsign, "-"); i >= 0 {
		callsign = callsign[:i]
	}

	// Portable operation markers: keep the part that looks like a base
	// callsign, i.e. starts with a letter and contains a digit.
	if strings.Contains(callsign, "/") {
		for _, part := range strings.Split(callsign, "/") {
			if part == "" {
				continue
			}

			if !isLetter(part[0]) {
				continue
			}

			if strings.ContainsAny(part, "0123456789") {
				callsign = part
				break
			}
		}
	}

	return callsign
}

func isLetter(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}

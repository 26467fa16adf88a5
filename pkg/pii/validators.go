package pii

import (
	"net/netip"
	"strings"
	"time"
)

// Validator confirms a raw pattern match. It returns ok=false to discard the candidate,
// otherwise the confidence to attach to the detection. Validators must be pure.
type Validator func(match string) (confidence float64, ok bool)

// luhnFailureConfidence is reported for card-shaped numbers that fail the checksum.
const luhnFailureConfidence = 0.5

func digitsOf(s string) []byte {
	digits := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			digits = append(digits, s[i]-'0')
		}
	}
	return digits
}

// luhnValid reports whether the digit sequence passes the Luhn checksum.
func luhnValid(digits []byte) bool {
	if len(digits) == 0 {
		return false
	}
	sum := 0
	alternate := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i])
		if alternate {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alternate = !alternate
	}
	return sum%10 == 0
}

// ValidateCreditCard keeps 13-19 digit numbers; Luhn failures are downgraded, not discarded.
func ValidateCreditCard(match string) (float64, bool) {
	digits := digitsOf(match)
	if len(digits) < 13 || len(digits) > 19 {
		return 0, false
	}
	if !luhnValid(digits) {
		return luhnFailureConfidence, true
	}
	return 1.0, true
}

// ValidateSSN rejects numbers the SSA never issues: area 000, 666 or 9xx, group 00, serial 0000.
func ValidateSSN(match string) (float64, bool) {
	digits := digitsOf(match)
	if len(digits) != 9 {
		return 0, false
	}
	area := int(digits[0])*100 + int(digits[1])*10 + int(digits[2])
	group := int(digits[3])*10 + int(digits[4])
	serial := int(digits[5])*1000 + int(digits[6])*100 + int(digits[7])*10 + int(digits[8])
	if area == 0 || area == 666 || area >= 900 || group == 0 || serial == 0 {
		return 0, false
	}
	return 1.0, true
}

// ValidateIPAddress parses the match as an IPv4 or IPv6 address.
func ValidateIPAddress(match string) (float64, bool) {
	if _, err := netip.ParseAddr(match); err != nil {
		return 0, false
	}
	return 1.0, true
}

// ValidatePhone requires 10 to 15 digits, the E.164 bounds.
func ValidatePhone(match string) (float64, bool) {
	n := len(digitsOf(match))
	if n < 10 || n > 15 {
		return 0, false
	}
	return 0.9, true
}

// ValidateIBAN applies the ISO 13616 mod-97 check.
func ValidateIBAN(match string) (float64, bool) {
	compact := strings.ToUpper(strings.ReplaceAll(match, " ", ""))
	if len(compact) < 15 || len(compact) > 34 {
		return 0, false
	}
	rearranged := compact[4:] + compact[:4]
	remainder := 0
	for i := 0; i < len(rearranged); i++ {
		c := rearranged[i]
		switch {
		case c >= '0' && c <= '9':
			remainder = (remainder*10 + int(c-'0')) % 97
		case c >= 'A' && c <= 'Z':
			v := int(c-'A') + 10
			remainder = (remainder*100 + v) % 97
		default:
			return 0, false
		}
	}
	if remainder != 1 {
		return 0, false
	}
	return 1.0, true
}

var dateLayouts = []string{"2006-01-02", "1/2/2006", "1-2-2006"}

// ValidateDateOfBirth accepts calendar-valid dates between 1900 and today.
func ValidateDateOfBirth(match string) (float64, bool) {
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, match)
		if err != nil {
			continue
		}
		if t.Year() < 1900 || t.After(time.Now()) {
			return 0, false
		}
		return 0.8, true
	}
	return 0, false
}

// safeValidate runs v and treats a panic as a rejected candidate.
func safeValidate(v Validator, match string) (confidence float64, ok bool) {
	defer func() {
		if recover() != nil {
			confidence, ok = 0, false
		}
	}()
	confidence, ok = v(match)
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence, ok
}

package gateway

import "strings"

// NormalizePhone reduces raw to E.164 digits without the plus sign,
// prepending countryCode when the number carries no country code.
// Brazilian national numbers have 10 or 11 digits; anything at most that
// long is treated as national. A leading trunk zero is dropped.
func NormalizePhone(raw, countryCode string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if strings.HasPrefix(strings.TrimSpace(raw), "+") {
		return digits
	}

	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return ""
	}
	if countryCode == "" || len(digits) > 11 {
		return digits
	}
	return countryCode + digits
}

package util

import "strings"

// NormalizeEmail trims surrounding whitespace and lowercases the address
// so lookups are case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsDigitCode reports whether s is exactly n ASCII digits. Used as a
// cheap pre-filter before any TOTP secret is touched.
func IsDigitCode(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < n; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// NormalizeRecoveryCode uppercases a recovery code and strips separators
// so AB12-CD34 and ab12cd34 compare equal.
func NormalizeRecoveryCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.ReplaceAll(code, "-", "")
}

package util

import (
	"regexp"
	"strings"
)

// Employee ids are restricted to ASCII letters and digits; unicode.IsLetter
// would let non-Latin alphanumerics through.
var employeeIDPattern = regexp.MustCompile(`^[A-Za-z0-9]{1,50}$`)

// ValidEmployeeID reports whether id is 1-50 ASCII alphanumerics.
func ValidEmployeeID(id string) bool {
	return employeeIDPattern.MatchString(id)
}

// NormalizeName folds case and drops all whitespace, including the
// ideographic space, so OCR output can be compared with directory values.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), ""))
}

// MaskID keeps the last four characters of an identifier for log lines.
func MaskID(id string) string {
	if len(id) <= 4 {
		return strings.Repeat("*", len(id))
	}
	return strings.Repeat("*", len(id)-4) + id[len(id)-4:]
}

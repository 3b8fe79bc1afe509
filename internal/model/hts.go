package model

import "strings"

// HTSDigits strips dots from an HTS code, leaving the bare digit string.
func HTSDigits(code string) string {
	return strings.ReplaceAll(code, ".", "")
}

// HTSDotted renders a bare digit string in the conventional dotted form
// (NNNN.NN.NN.NN). Codes already containing dots are returned unchanged.
func HTSDotted(code string) string {
	if strings.Contains(code, ".") {
		return code
	}
	var b strings.Builder
	for i, r := range code {
		if i == 4 || i == 6 || i == 8 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// PlausibleHTS reports whether a token can be a product classification:
// 6 to 10 digits, and not itself a Chapter 99 program code.
func PlausibleHTS(code string) bool {
	digits := HTSDigits(code)
	if len(digits) < 6 || len(digits) > 10 {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return !strings.HasPrefix(digits, "9903")
}

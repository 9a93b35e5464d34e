// Package cnpj validates Brazilian company tax identifiers.
package cnpj

import "strings"

// Length is the number of digits in a CNPJ.
const Length = 14

var (
	firstWeights  = []int{5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
	secondWeights = []int{6, 5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
)

// Clean keeps only the ASCII digits of s.
func Clean(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// Pad cleans s and left-pads it with zeros to 14 digits. Longer input is
// returned unchanged.
func Pad(s string) string {
	digits := Clean(s)
	if len(digits) >= Length {
		return digits
	}
	return strings.Repeat("0", Length-len(digits)) + digits
}

// IsValid reports whether s carries a CNPJ with correct check digits.
func IsValid(s string) bool {
	digits := Clean(s)
	if digits == "" || len(digits) > Length {
		return false
	}
	digits = Pad(digits)
	if strings.Count(digits, digits[:1]) == Length {
		return false
	}
	if checkDigit(digits[:12], firstWeights) != int(digits[12]-'0') {
		return false
	}
	return checkDigit(digits[:13], secondWeights) == int(digits[13]-'0')
}

// Format renders a valid-length CNPJ as 00.000.000/0000-00.
func Format(s string) string {
	d := Pad(s)
	if len(d) != Length {
		return s
	}
	return d[0:2] + "." + d[2:5] + "." + d[5:8] + "/" + d[8:12] + "-" + d[12:14]
}

func checkDigit(base string, weights []int) int {
	sum := 0
	for i, w := range weights {
		sum += int(base[i]-'0') * w
	}
	r := sum % 11
	if r < 2 {
		return 0
	}
	return 11 - r
}

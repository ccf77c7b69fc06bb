package store

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const numberPad = 3

var numberPattern = regexp.MustCompile(`^[A-Z]+[0-9]{3,}$`)

// FormatNumber renders the display form of a sequence number, e.g.
// "GQ007". The display form is cosmetic: ordering always uses the raw
// sequence integer.
func FormatNumber(prefix string, seq int64) string {
	return fmt.Sprintf("%s%0*d", prefix, numberPad, seq)
}

// ValidNumber reports whether a caller-supplied display number is well
// formed (letter prefix followed by at least three digits).
func ValidNumber(number string) bool {
	return numberPattern.MatchString(number)
}

// NewAccessCode builds the public access code handed to the client,
// e.g. "GQ-007-4F9A2C". The random suffix keeps codes unguessable.
func NewAccessCode(prefix string, seq int64) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:6]
	return fmt.Sprintf("%s-%0*d-%s", prefix, numberPad, seq, suffix)
}

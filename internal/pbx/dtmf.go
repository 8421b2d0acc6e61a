package pbx

import (
	"fmt"
	"strings"
)

// validDTMFDigits is the set of characters accepted by the PBX's DTMF
// generator (RFC 4733 telephone-event digits 0-9, *, #, A-D).
var validDTMFDigits = map[byte]bool{
	'0': true, '1': true, '2': true, '3': true, '4': true,
	'5': true, '6': true, '7': true, '8': true, '9': true,
	'*': true, '#': true,
	'A': true, 'B': true, 'C': true, 'D': true,
}

// ValidateDTMFDigits reports an error if digits contains any character
// outside the RFC 4733 digit set, so callers catch malformed input before
// it reaches the PBX.
func ValidateDTMFDigits(digits string) error {
	if digits == "" {
		return fmt.Errorf("pbx: empty dtmf digit string")
	}
	upper := strings.ToUpper(digits)
	for i := 0; i < len(upper); i++ {
		if !validDTMFDigits[upper[i]] {
			return fmt.Errorf("pbx: invalid dtmf digit %q at position %d", upper[i], i)
		}
	}
	return nil
}

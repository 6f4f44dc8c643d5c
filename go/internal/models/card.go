package models

import "fmt"

// CardValue is one value of the estimation scale.
type CardValue int

// CardValues is the closed, ascending set of permissible estimation values.
// Client and store share it; anything else is invalid input.
var CardValues = []CardValue{1, 2, 3, 5, 8, 13, 21, 34, 55, 89, 144}

// Valid reports whether v belongs to the permissible set.
func (v CardValue) Valid() bool {
	for _, c := range CardValues {
		if c == v {
			return true
		}
	}
	return false
}

// ParseCardValue validates a raw integer coming from user input or the wire.
func ParseCardValue(n int) (CardValue, error) {
	v := CardValue(n)
	if !v.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidCard, n)
	}
	return v, nil
}

// Card returns a pointer to v, for use as a selection.
func Card(v CardValue) *CardValue {
	return &v
}

package provider

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// ErrPINSpaceExhausted is returned when no free PIN could be drawn.
var ErrPINSpaceExhausted = errors.New("no free PIN available")

const (
	maxDraws = 64
	maxScan  = 100000
)

// PINGenerator draws random numeric PINs of a bounded length.
type PINGenerator struct {
	minLength int
	maxLength int
}

// NewPINGenerator creates a generator for PINs of minLength..maxLength digits.
func NewPINGenerator(minLength, maxLength int) *PINGenerator {
	if minLength < 4 {
		minLength = 4
	}
	if maxLength < minLength {
		maxLength = minLength
	}
	if maxLength > 10 {
		maxLength = 10
	}

	return &PINGenerator{
		minLength: minLength,
		maxLength: maxLength,
	}
}

// Generate draws a PIN with no leading zero that is not in taken.
func (g *PINGenerator) Generate(taken map[string]bool) (string, error) {
	for i := 0; i < maxDraws; i++ {
		length := g.minLength
		if g.maxLength > g.minLength {
			n, err := randInt(int64(g.maxLength - g.minLength + 1))
			if err != nil {
				return "", err
			}
			length += int(n)
		}

		lo := pow10(length - 1)
		n, err := randInt(pow10(length) - lo)
		if err != nil {
			return "", err
		}
		pin := fmt.Sprintf("%d", lo+n)
		if !taken[pin] {
			return pin, nil
		}
	}

	// Dense lock: walk the space instead of drawing.
	scanned := 0
	for length := g.minLength; length <= g.maxLength; length++ {
		for n := pow10(length - 1); n < pow10(length) && scanned < maxScan; n++ {
			scanned++
			if pin := fmt.Sprintf("%d", n); !taken[pin] {
				return pin, nil
			}
		}
	}
	return "", ErrPINSpaceExhausted
}

// validate checks a PIN against the generator's length and digit rules.
func (g *PINGenerator) validate(pin string) error {
	if len(pin) < g.minLength {
		return fmt.Errorf("PIN must be at least %d digits", g.minLength)
	}
	if len(pin) > g.maxLength {
		return fmt.Errorf("PIN must be at most %d digits", g.maxLength)
	}

	for _, c := range pin {
		if c < '0' || c > '9' {
			return fmt.Errorf("PIN must contain only digits")
		}
	}
	if pin[0] == '0' {
		return fmt.Errorf("PIN must not start with 0")
	}

	return nil
}

func randInt(n int64) (int64, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return 0, fmt.Errorf("reading random: %w", err)
	}
	return v.Int64(), nil
}

func pow10(n int) int64 {
	result := int64(1)
	for i := 0; i < n; i++ {
		result *= 10
	}
	return result
}

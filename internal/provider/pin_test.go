package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPINGenerator_Generate(t *testing.T) {
	g := NewPINGenerator(4, 6)
	for i := 0; i < 200; i++ {
		pin, err := g.Generate(nil)
		require.NoError(t, err)
		assert.NoError(t, g.validate(pin), pin)
	}
}

func TestPINGenerator_AvoidsTaken(t *testing.T) {
	g := NewPINGenerator(4, 4)
	taken := make(map[string]bool)
	for n := 1000; n < 9999; n++ {
		taken[itoa(n)] = true
	}

	pin, err := g.Generate(taken)
	require.NoError(t, err)
	assert.Equal(t, "9999", pin)
}

func TestPINGenerator_Exhausted(t *testing.T) {
	g := NewPINGenerator(4, 4)
	taken := make(map[string]bool)
	for n := 1000; n <= 9999; n++ {
		taken[itoa(n)] = true
	}

	_, err := g.Generate(taken)
	assert.ErrorIs(t, err, ErrPINSpaceExhausted)
}

func TestPINGenerator_Validate(t *testing.T) {
	g := NewPINGenerator(4, 6)
	assert.Error(t, g.validate("123"))
	assert.Error(t, g.validate("1234567"))
	assert.Error(t, g.validate("12a4"))
	assert.Error(t, g.validate("0123"))
	assert.NoError(t, g.validate("48213"))
}

func itoa(n int) string {
	return string([]byte{byte('0' + n/1000), byte('0' + n/100%10), byte('0' + n/10%10), byte('0' + n%10)})
}

package amount

import (
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"0", "0", false},
		{"1000", "1000", false},
		{"007", "7", false},
		{"115792089237316195423570985008687907853269984665640564039457584007913129639935", "115792089237316195423570985008687907853269984665640564039457584007913129639935", false},
		{"115792089237316195423570985008687907853269984665640564039457584007913129639936", "", true},
		{"", "", true},
		{"-1", "", true},
		{"+1", "", true},
		{"1.5", "", true},
		{"0x10", "", true},
		{" 1", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			v, err := Parse(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, Format(v))
		})
	}
}

func TestParsePositive_RejectsZero(t *testing.T) {
	_, err := ParsePositive("0")
	assert.ErrorIs(t, err, ErrInvalid)

	v, err := ParsePositive("5")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v.Uint64())
}

func TestAdd_Overflow(t *testing.T) {
	_, err := Add(Max(), uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrOverflow)

	v, err := Add(uint256.NewInt(2), uint256.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v.Uint64())
}

func TestSub_Underflow(t *testing.T) {
	_, err := Sub(uint256.NewInt(2), uint256.NewInt(3))
	assert.ErrorIs(t, err, ErrUnderflow)

	v, err := Sub(uint256.NewInt(3), uint256.NewInt(3))
	require.NoError(t, err)
	assert.True(t, v.IsZero())
}

func TestAdd_DoesNotAliasInputs(t *testing.T) {
	a := uint256.NewInt(10)
	b := uint256.NewInt(5)
	_, err := Add(a, b)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), a.Uint64())
	assert.Equal(t, uint64(5), b.Uint64())
}

func TestSum(t *testing.T) {
	v, err := Sum(uint256.NewInt(1), nil, uint256.NewInt(2), uint256.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), v.Uint64())

	_, err = Sum(Max(), uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestFormatUnits(t *testing.T) {
	assert.Equal(t, "1.500000", FormatUnits(uint256.NewInt(1500000), 6))
	assert.Equal(t, "0.000001", FormatUnits(uint256.NewInt(1), 6))
	assert.Equal(t, "42", FormatUnits(uint256.NewInt(42), 0))
	assert.Equal(t, "0", Format(nil))
}

func TestFromBig(t *testing.T) {
	v, err := FromBig(big.NewInt(99))
	require.NoError(t, err)
	assert.Equal(t, uint64(99), v.Uint64())

	_, err = FromBig(big.NewInt(-1))
	assert.ErrorIs(t, err, ErrUnderflow)

	huge := new(big.Int).Lsh(big.NewInt(1), 256)
	_, err = FromBig(huge)
	assert.ErrorIs(t, err, ErrOverflow)
}

package common

import (
	"errors"
	"math/big"
)

var (
	// ErrFloatOverflow is used when a value is bigger than the biggest
	// packable value of the format
	ErrFloatOverflow = errors.New("packed float overflow")
	// ErrFloatNotEnoughPrecision is used when a value can not be packed
	// without losing precision
	ErrFloatNotEnoughPrecision = errors.New("packed float error, not enough precision")
	// ErrFloatBytesLen is used when unpacking a byte slice of the wrong length
	ErrFloatBytesLen = errors.New("packed float error, wrong bytes length")

	ten = big.NewInt(10) //nolint:gomnd
)

// FloatFormat describes a base 10 packed float: a mantissa multiplied by
// 10^exponent, serialized big-endian as `mantissa << ExpBits | exponent`
type FloatFormat struct {
	ExpBits      uint
	MantissaBits uint
	BytesLen     int
}

var (
	// AmountFloat is the packed format of transfer amounts (5 bytes)
	AmountFloat = FloatFormat{ExpBits: 5, MantissaBits: 35, BytesLen: 5} //nolint:gomnd
	// FeeFloat is the packed format of fees (2 bytes)
	FeeFloat = FloatFormat{ExpBits: 5, MantissaBits: 11, BytesLen: 2} //nolint:gomnd
)

func (f FloatFormat) maxMantissa() *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), f.MantissaBits)
}

func (f FloatFormat) maxExp() uint64 {
	return (1 << f.ExpBits) - 1
}

// split returns the canonical (mantissa, exponent) of the closest packable
// value that is not bigger than v.  The canonical form uses the smallest
// exponent so that re-packing an unpacked value gives the same bytes.
func (f FloatFormat) split(v *big.Int) (*big.Int, uint64, error) {
	if v == nil || v.Sign() < 0 {
		return nil, 0, Wrap(ErrNumOverflow)
	}
	limit := f.maxMantissa()
	m := new(big.Int).Set(v)
	var e uint64
	for m.Cmp(limit) >= 0 {
		m.Div(m, ten)
		e++
	}
	if e > f.maxExp() {
		return nil, 0, Wrap(ErrFloatOverflow)
	}
	for e > 0 {
		next := new(big.Int).Mul(m, ten)
		if next.Cmp(limit) >= 0 {
			break
		}
		m = next
		e--
	}
	return m, e, nil
}

func (f FloatFormat) encode(m *big.Int, e uint64) []byte {
	n := new(big.Int).Lsh(m, f.ExpBits)
	n.Or(n, new(big.Int).SetUint64(e))
	out := make([]byte, f.BytesLen)
	n.FillBytes(out)
	return out
}

// PackDown packs the closest packable value that is not bigger than v
func (f FloatFormat) PackDown(v *big.Int) ([]byte, error) {
	m, e, err := f.split(v)
	if err != nil {
		return nil, Wrap(err)
	}
	return f.encode(m, e), nil
}

// Pack packs v, returning an error if v is not exactly representable
func (f FloatFormat) Pack(v *big.Int) ([]byte, error) {
	b, err := f.PackDown(v)
	if err != nil {
		return nil, Wrap(err)
	}
	u, err := f.Unpack(b)
	if err != nil {
		return nil, Wrap(err)
	}
	if u.Cmp(v) != 0 {
		return nil, Wrap(ErrFloatNotEnoughPrecision)
	}
	return b, nil
}

// Unpack returns mantissa * 10^exponent of the packed bytes
func (f FloatFormat) Unpack(b []byte) (*big.Int, error) {
	if len(b) != f.BytesLen {
		return nil, Wrap(ErrFloatBytesLen)
	}
	n := new(big.Int).SetBytes(b)
	e := new(big.Int).And(n, new(big.Int).SetUint64(f.maxExp())).Uint64()
	m := new(big.Int).Rsh(n, f.ExpBits)
	exp := new(big.Int).Exp(ten, new(big.Int).SetUint64(e), nil)
	return m.Mul(m, exp), nil
}

// RoundDown returns the closest packable value that is not bigger than v
func (f FloatFormat) RoundDown(v *big.Int) (*big.Int, error) {
	b, err := f.PackDown(v)
	if err != nil {
		return nil, Wrap(err)
	}
	return f.Unpack(b)
}

// IsPackable returns true when v round-trips the packed encoding
func (f FloatFormat) IsPackable(v *big.Int) bool {
	_, err := f.Pack(v)
	return err == nil
}

// IsAmountPackable returns true when v is a packable amount
func IsAmountPackable(v *big.Int) bool {
	return AmountFloat.IsPackable(v)
}

// IsFeePackable returns true when v is a packable fee
func IsFeePackable(v *big.Int) bool {
	return FeeFloat.IsPackable(v)
}

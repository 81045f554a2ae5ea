package wire

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// EncodeDecimal converts a decimal.Decimal into its wire tuple: the base-10 scale
// and the unscaled value as a big-endian two's-complement integer (spec.md §6), so
// a non-Go client can round-trip full precision without adopting Go's decimal type.
func EncodeDecimal(d decimal.Decimal) Decimal {
	return Decimal{
		Scale:         -d.Exponent(),
		UnscaledValue: bigIntToTwosComplement(d.Coefficient()),
	}
}

// DecodeDecimal reconstructs a decimal.Decimal from its wire tuple.
func DecodeDecimal(w Decimal) decimal.Decimal {
	unscaled := twosComplementToBigInt(w.UnscaledValue)
	return decimal.NewFromBigInt(unscaled, -w.Scale)
}

// bigIntToTwosComplement renders n as a big-endian two's-complement byte string,
// minimal except for negatives of the form -2^(8k-1), which get one extra sign
// byte (-128 encodes as 0xFF80). math/big has no built-in for this;
// Bytes()/SetBytes() are sign-magnitude.
func bigIntToTwosComplement(n *big.Int) []byte {
	if n.Sign() == 0 {
		return []byte{0}
	}
	if n.Sign() > 0 {
		b := n.Bytes()
		if b[0]&0x80 != 0 {
			b = append([]byte{0}, b...)
		}
		return b
	}

	abs := new(big.Int).Abs(n)
	absBytes := abs.Bytes()
	nBytes := len(absBytes)
	if absBytes[0]&0x80 != 0 {
		nBytes++
	}

	mod := new(big.Int).Lsh(big.NewInt(1), uint(nBytes*8))
	v := new(big.Int).Add(mod, n)
	b := v.Bytes()
	if len(b) < nBytes {
		padded := make([]byte, nBytes)
		copy(padded[nBytes-len(b):], b)
		b = padded
	}
	return b
}

// twosComplementToBigInt is the inverse of bigIntToTwosComplement.
func twosComplementToBigInt(b []byte) *big.Int {
	if len(b) == 0 {
		return big.NewInt(0)
	}
	v := new(big.Int).SetBytes(b)
	if b[0]&0x80 != 0 {
		mod := new(big.Int).Lsh(big.NewInt(1), uint(len(b)*8))
		v.Sub(v, mod)
	}
	return v
}

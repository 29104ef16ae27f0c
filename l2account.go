package walletgate

import (
	"encoding/binary"
	"math/big"

	tedwards "github.com/consensys/gnark-crypto/ecc/bn254/twistededwards"
	"github.com/ethereum/go-ethereum/crypto"
)

// L2AccountInfo is an account on the rollup, derived deterministically
// from an L1 wallet signature. The same wallet signing the same
// application message always lands on the same L2 account, so nothing
// about it needs to be persisted.
//
// The secret scalar never leaves this struct; log and serialize only the
// public parts.
type L2AccountInfo struct {
	secret *big.Int
	pubX   *big.Int
	pubY   *big.Int
	pid    [2]uint64
}

// DeriveL2Account maps a wallet signature onto a key pair on the curve the
// rollup uses for in-circuit signature checks. The scalar is the keccak256
// digest of the signature reduced into the curve's prime-order subgroup;
// the player ID is read from the public key's x coordinate.
func DeriveL2Account(signature []byte) (*L2AccountInfo, error) {
	if len(signature) == 0 {
		return nil, typedErrf(ErrSignerUnavailable, nil, "empty signature")
	}

	curve := tedwards.GetEdwardsCurve()

	scalar := new(big.Int).SetBytes(crypto.Keccak256(signature))
	scalar.Mod(scalar, &curve.Order)
	if scalar.Sign() == 0 {
		return nil, typedErrf(ErrSignerUnavailable, nil, "derived scalar is zero")
	}

	var pub tedwards.PointAffine
	pub.ScalarMultiplication(&curve.Base, scalar)

	xBytes := pub.X.Bytes()
	yBytes := pub.Y.Bytes()

	acc := &L2AccountInfo{
		secret: scalar,
		pubX:   new(big.Int).SetBytes(xBytes[:]),
		pubY:   new(big.Int).SetBytes(yBytes[:]),
	}

	// Player ID words are the first two 64-bit limbs of the x coordinate
	// in little-endian byte order, matching the rollup's field element
	// layout.
	le := reverseBytes(xBytes[:])
	acc.pid[0] = binary.LittleEndian.Uint64(le[0:8])
	acc.pid[1] = binary.LittleEndian.Uint64(le[8:16])

	return acc, nil
}

// PID returns the two-word player identifier used by rollup queries and
// the deposit contract.
func (a *L2AccountInfo) PID() [2]uint64 {
	return a.pid
}

// PublicKey returns copies of the affine public key coordinates.
func (a *L2AccountInfo) PublicKey() (x, y *big.Int) {
	return new(big.Int).Set(a.pubX), new(big.Int).Set(a.pubY)
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

package crypto

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the canonical r||s||v signature size.
const SignatureLength = 65

// Sign produces a 65-byte r||s||v signature over the domain digest of the
// given struct hash. Used by tests and fixtures; the coordinator itself
// only verifies.
func Sign(d *Domain, structHash common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := gethcrypto.Sign(d.Digest(structHash).Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// RecoverSigner recovers the address that signed the domain digest of the
// given struct hash. Accepts v in either 0/1 or 27/28 form.
func RecoverSigner(d *Domain, structHash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(sig))
	}
	norm := make([]byte, SignatureLength)
	copy(norm, sig)
	if norm[64] >= 27 {
		norm[64] -= 27
	}
	if norm[64] > 1 {
		return common.Address{}, fmt.Errorf("invalid recovery id %d", sig[64])
	}
	pub, err := gethcrypto.SigToPub(d.Digest(structHash).Bytes(), norm)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover: %w", err)
	}
	return gethcrypto.PubkeyToAddress(*pub), nil
}

// VerifySigner checks that sig over structHash recovers exactly want.
func VerifySigner(d *Domain, structHash common.Hash, sig []byte, want common.Address) error {
	got, err := RecoverSigner(d, structHash, sig)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("signer mismatch: recovered %s, want %s", got.Hex(), want.Hex())
	}
	return nil
}

// Package crypto implements the typed-data hashing and secp256k1 signature
// scheme every channel message and state snapshot is bound to. Hashing
// follows the EIP-712 structured-data rules; nested amount arrays hash as
// the keccak of their concatenated element hashes.
package crypto

import (
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	// DomainName and DomainVersion bind signatures to this protocol.
	DomainName    = "PhotonX"
	DomainVersion = "1"
)

var domainTypehash = gethcrypto.Keccak256(
	[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
)

// Domain is the typed-data domain separator context. Build one at startup
// and pass it by reference; Separator() is cached.
type Domain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract common.Address

	separator common.Hash
}

// NewDomain builds the protocol domain for a chain and verifying contract.
func NewDomain(chainID uint64, verifyingContract common.Address) *Domain {
	d := &Domain{
		Name:              DomainName,
		Version:           DomainVersion,
		ChainID:           chainID,
		VerifyingContract: verifyingContract,
	}
	d.separator = common.BytesToHash(gethcrypto.Keccak256(
		domainTypehash,
		gethcrypto.Keccak256([]byte(d.Name)),
		gethcrypto.Keccak256([]byte(d.Version)),
		padUint64(d.ChainID),
		padAddress(d.VerifyingContract),
	))
	return d
}

// Separator returns the cached domain separator hash.
func (d *Domain) Separator() common.Hash { return d.separator }

// Digest produces the final signable digest for a struct hash:
// keccak(0x19 0x01 ‖ separator ‖ structHash).
func (d *Domain) Digest(structHash common.Hash) common.Hash {
	return common.BytesToHash(gethcrypto.Keccak256(
		[]byte{0x19, 0x01},
		d.separator.Bytes(),
		structHash.Bytes(),
	))
}

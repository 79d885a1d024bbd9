// Package oraclereport authenticates finalization reports submitted by
// the external oracle: an EIP-712 digest over (max_share_rate,
// max_timestamp, batches, amount_to_lock, report_at), signed by a
// quorum of oracle operators.
package oraclereport

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	EIP712DomainName    = "Withdrawal Queue"
	EIP712DomainVersion = "1"
)

var (
	eip712DomainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	eip712NameHash       = crypto.Keccak256Hash([]byte(EIP712DomainName))
	eip712VersionHash    = crypto.Keccak256Hash([]byte(EIP712DomainVersion))

	reportTypeHash = crypto.Keccak256Hash([]byte(
		"Report(uint256 maxShareRate,uint256 maxTimestamp,bytes32 batchesHash,uint256 amountToLock,uint256 reportAt)",
	))

	ErrInvalidSignature = errors.New("oraclereport: invalid signature")
)

// Report mirrors the oracle's submitted finalization report (spec §6).
type Report struct {
	MaxShareRate  *big.Int
	MaxTimestamp  time.Time
	Batches       []uint64
	AmountToLock  *big.Int
	ReportAt      time.Time
	ChainID       uint64
	QueueContract common.Address
}

// Digest computes the EIP-712 digest a report signer signs over.
func Digest(r Report) common.Hash {
	domainSep := domainSeparator(r.ChainID, r.QueueContract)
	structHash := structHash(r)
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domainSep[:], structHash[:])
}

// SignDigest signs an EIP-712 digest, returning a 65-byte r||s||v
// signature with v normalized to 27/28.
func SignDigest(key *ecdsa.PrivateKey, digest common.Hash) ([]byte, error) {
	if key == nil {
		return nil, errors.New("oraclereport: nil private key")
	}
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return nil, fmt.Errorf("oraclereport: sign digest: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("oraclereport: unexpected signature length %d", len(sig))
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// RecoverSigner recovers the address that produced sig over digest.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	s := make([]byte, 65)
	copy(s, sig)
	switch s[64] {
	case 0, 1:
	case 27, 28:
		s[64] -= 27
	default:
		return common.Address{}, fmt.Errorf("%w: bad v %d", ErrInvalidSignature, s[64])
	}

	pub, err := crypto.SigToPub(digest[:], s)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func domainSeparator(chainID uint64, verifyingContract common.Address) common.Hash {
	b := make([]byte, 0, 32*5)
	b = append(b, eip712DomainTypeHash[:]...)
	b = append(b, eip712NameHash[:]...)
	b = append(b, eip712VersionHash[:]...)
	b = append(b, encodeUint256FromUint64(chainID)...)
	b = append(b, encodeAddress(verifyingContract)...)
	return crypto.Keccak256Hash(b)
}

func structHash(r Report) common.Hash {
	batchesHash := hashBatches(r.Batches)

	b := make([]byte, 0, 32*6)
	b = append(b, reportTypeHash[:]...)
	b = append(b, encodeUint256(r.MaxShareRate)...)
	b = append(b, encodeUint256FromUint64(uint64(r.MaxTimestamp.Unix()))...)
	b = append(b, batchesHash[:]...)
	b = append(b, encodeUint256(r.AmountToLock)...)
	b = append(b, encodeUint256FromUint64(uint64(r.ReportAt.Unix()))...)
	return crypto.Keccak256Hash(b)
}

func hashBatches(batches []uint64) common.Hash {
	b := make([]byte, 0, len(batches)*32)
	for _, id := range batches {
		b = append(b, encodeUint256FromUint64(id)...)
	}
	return crypto.Keccak256Hash(b)
}

func encodeUint256FromUint64(v uint64) []byte {
	var out [32]byte
	binary.BigEndian.PutUint64(out[24:], v)
	return out[:]
}

func encodeUint256(v *big.Int) []byte {
	var out [32]byte
	if v != nil {
		v.FillBytes(out[:])
	}
	return out[:]
}

func encodeAddress(a common.Address) []byte {
	var out [32]byte
	copy(out[12:], a[:])
	return out[:]
}

package batchcalc

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

// BatchListDigestV1 computes a deterministic content hash of a batch
// list: keccak256("WITHDRAWAL_QUEUE_BATCH_LIST_V1" || be64(ids[0]) ||
// ... || be64(ids[n])). The calculation driver logs it when a calculation
// session finishes.
func BatchListDigestV1(batches []uint64) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte("WITHDRAWAL_QUEUE_BATCH_LIST_V1"))
	var buf [8]byte
	for _, id := range batches {
		binary.BigEndian.PutUint64(buf[:], id)
		_, _ = h.Write(buf[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

package wire

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/roach88/scenestore/internal/hlc"
)

// Domain prefix for content-addressed transaction identity. The version
// suffix enables future algorithm migration.
const domainTxn = "scenestore/txn/v1"

// TxnID computes a content-addressed transaction id from the coordinator
// shard, the transaction's HLC, and its op sequence. The same inputs always
// produce the same id, so a coordinator retrying an append after leader loss
// cannot mint a second identity for the same transaction.
//
// Format: first 8 bytes of SHA256(domain + 0x00 + coordShard + hlc + ops),
// big-endian. The null separator prevents domain/data boundary ambiguity.
func TxnID(coordShard ShardID, ts hlc.Timestamp, ops []Op) uint64 {
	h := sha256.New()
	h.Write([]byte(domainTxn))
	h.Write([]byte{0x00})

	var fixed [14]byte
	binary.BigEndian.PutUint16(fixed[0:2], uint16(coordShard))
	binary.BigEndian.PutUint64(fixed[2:10], ts.L)
	binary.BigEndian.PutUint32(fixed[10:14], ts.C)
	h.Write(fixed[:])

	h.Write(EncodeOps(ops))

	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

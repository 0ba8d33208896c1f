package identity

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// protocolDomain separates protocol-id hashes from any other use of the
// hash function.
const protocolDomain = "streamsock protocol "

// Fingerprint returns a short printable id for a public key: the first 8
// bytes of its BLAKE3 hash, hex encoded. Used in logs and prompts only.
func Fingerprint(publicKey []byte) string {
	sum := blake3.Sum256(publicKey)
	return hex.EncodeToString(sum[:8])
}

// ProtocolID derives the 64-bit protocol id advertised in discovery and
// checked in the handshake. Only the major component of version counts,
// so peers of the same major version interoperate.
func ProtocolID(version string) uint64 {
	major, _, _ := strings.Cut(strings.TrimPrefix(version, "v"), ".")
	sum := blake3.Sum256([]byte(protocolDomain + major))
	return binary.LittleEndian.Uint64(sum[:8])
}

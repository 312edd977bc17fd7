package channels

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Domain scopes channel identities to one ledger deployment.
type Domain struct {
	Salt    [32]byte
	Custody common.Address
}

// NewDomain builds a Domain from a hex salt. An empty salt draws a random one.
func NewDomain(custody common.Address, saltHex string) (Domain, error) {
	d := Domain{Custody: custody}
	if saltHex == "" {
		if _, err := rand.Read(d.Salt[:]); err != nil {
			return Domain{}, fmt.Errorf("channels: generate salt: %w", err)
		}
		return d, nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(saltHex, "0x"))
	if err != nil || len(raw) != len(d.Salt) {
		return Domain{}, fmt.Errorf("channels: salt must be 32 bytes of hex")
	}
	copy(d.Salt[:], raw)
	return d, nil
}

// DeriveID computes a channel id. It is a pure function of its inputs; the
// registry-wide sequence keeps ids unique when every other input repeats.
// The replica tag is length-prefixed so no two (replica, seq) pairs share
// an encoding.
func DeriveID(d Domain, sender, recipient common.Address, replicaID string, seq uint64) string {
	buf := make([]byte, 0, 32+20+20+4+len(replicaID)+8)
	buf = append(buf, d.Salt[:]...)
	buf = append(buf, d.Custody.Bytes()...)
	buf = append(buf, sender.Bytes()...)
	buf = append(buf, recipient.Bytes()...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(replicaID)))
	buf = append(buf, replicaID...)
	buf = binary.BigEndian.AppendUint64(buf, seq)
	return "0x" + hex.EncodeToString(crypto.Keccak256(buf))
}

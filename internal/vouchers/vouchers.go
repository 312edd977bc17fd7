// Package vouchers implements off-channel claim authorizations: the channel
// sender signs (domain, channel id, nonce, amount) and hands the signature to
// the recipient, who presents it when claiming.
package vouchers

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/mbd888/mpescrow/internal/amount"
	"github.com/mbd888/mpescrow/internal/channels"
	"github.com/mbd888/mpescrow/internal/ethsig"
)

// ErrInvalidProof is returned for a voucher that does not authorize the claim.
var ErrInvalidProof = errors.New("vouchers: invalid proof")

// Voucher is the claim authorization a sender signs.
type Voucher struct {
	Domain    string
	ChannelID string
	Nonce     uint64
	Amount    *uint256.Int
}

// Message is the text that gets EIP-191 signed.
// Format: "mpescrow-voucher|{domain}|{channelID}|{nonce}|{amount}"
func (v Voucher) Message() string {
	return fmt.Sprintf("mpescrow-voucher|%s|%s|%d|%s",
		strings.ToLower(v.Domain),
		strings.ToLower(v.ChannelID),
		v.Nonce,
		amount.Format(v.Amount),
	)
}

// Sign signs v with the sender's key.
func Sign(key *ecdsa.PrivateKey, v Voucher) (string, error) {
	return ethsig.Sign(key, v.Message())
}

// Verifier checks vouchers issued for one ledger domain.
type Verifier struct {
	domain string
}

// NewVerifier binds vouchers to domain, normally the custody address.
func NewVerifier(domain string) *Verifier {
	return &Verifier{domain: strings.ToLower(domain)}
}

// Domain returns the domain vouchers must name.
func (v *Verifier) Domain() string { return v.domain }

// VerifyClaim checks that proof is the channel sender's signature over
// (domain, ch.ID, nonce, amt).
func (v *Verifier) VerifyClaim(ch *channels.Channel, nonce uint64, amt *uint256.Int, proof string) error {
	if proof == "" {
		return fmt.Errorf("%w: missing signature", ErrInvalidProof)
	}
	msg := Voucher{Domain: v.domain, ChannelID: ch.ID, Nonce: nonce, Amount: amt}.Message()
	if err := ethsig.Verify(msg, proof, ch.Sender); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	return nil
}

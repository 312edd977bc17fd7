// Package auth authenticates API callers by Ethereum signature.
//
// A client signs the canonical request string (method, request URI,
// unix timestamp and keccak256 of the body) with the account key and
// sends X-Account, X-Timestamp and X-Signature. The verified account is
// the caller passed to every escrow operation.
package auth

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mbd888/mpescrow/internal/ethsig"
	"github.com/mbd888/mpescrow/internal/validation"
)

const (
	HeaderAccount   = "X-Account"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"

	// DefaultMaxSkew is how far a request timestamp may drift from now.
	DefaultMaxSkew = 5 * time.Minute
)

var (
	ErrMissingHeaders = errors.New("auth: missing authentication headers")
	ErrBadTimestamp   = errors.New("auth: timestamp outside allowed window")
	ErrBadAccount     = errors.New("auth: invalid account")
	ErrReplayed       = errors.New("auth: signature already used")
)

// Canonical is the string a client signs for one request.
func Canonical(method, requestURI string, timestamp int64, body []byte) string {
	return fmt.Sprintf("mpescrow-request|%s|%s|%d|0x%s",
		method, requestURI, timestamp, hex.EncodeToString(crypto.Keccak256(body)))
}

// SignRequest sets the authentication headers on req for key. body must be
// the exact bytes that will be sent.
func SignRequest(req *http.Request, key *ecdsa.PrivateKey, body []byte, now time.Time) error {
	ts := now.Unix()
	sig, err := ethsig.Sign(key, Canonical(req.Method, req.URL.RequestURI(), ts, body))
	if err != nil {
		return err
	}
	req.Header.Set(HeaderAccount, ethsig.AddressOf(key))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, sig)
	return nil
}

// Verifier checks signed requests and remembers the requests it has accepted
// until they fall out of the skew window.
type Verifier struct {
	maxSkew time.Duration
	now     func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewVerifier returns a Verifier accepting timestamps within maxSkew of now.
func NewVerifier(maxSkew time.Duration) *Verifier {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &Verifier{maxSkew: maxSkew, now: time.Now, seen: make(map[string]time.Time)}
}

// Verify returns the lower-case account that signed the request.
func (v *Verifier) Verify(method, requestURI, account, timestamp, signature string, body []byte) (string, error) {
	if account == "" || timestamp == "" || signature == "" {
		return "", ErrMissingHeaders
	}
	acct, ok := validation.NormalizeAccount(account)
	if !ok {
		return "", ErrBadAccount
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadTimestamp, err)
	}
	now := v.now()
	if d := now.Sub(time.Unix(ts, 0)); d > v.maxSkew || d < -v.maxSkew {
		return "", ErrBadTimestamp
	}
	msg := Canonical(method, requestURI, ts, body)
	if err := ethsig.Verify(msg, signature, acct); err != nil {
		return "", err
	}
	// Keyed on what was signed, not on the signature's encoding, so a
	// re-encoded signature over the same request is still a replay.
	if err := v.remember(replayKey(acct, msg), now); err != nil {
		return "", err
	}
	return acct, nil
}

func replayKey(account, canonical string) string {
	return crypto.Keccak256Hash([]byte(account), []byte{'|'}, []byte(canonical)).Hex()
}

func (v *Verifier) remember(key string, now time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for k, exp := range v.seen {
		if now.After(exp) {
			delete(v.seen, k)
		}
	}
	if _, dup := v.seen[key]; dup {
		return ErrReplayed
	}
	v.seen[key] = now.Add(2 * v.maxSkew)
	return nil
}

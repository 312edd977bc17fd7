package auth

import (
	"encoding/hex"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mbd888/mpescrow/internal/ethsig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, method, uri string, body []byte, now time.Time) (acct, ts, sig string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	req, err := http.NewRequest(method, "http://localhost"+uri, nil)
	require.NoError(t, err)
	require.NoError(t, SignRequest(req, key, body, now))
	return req.Header.Get(HeaderAccount), req.Header.Get(HeaderTimestamp), req.Header.Get(HeaderSignature)
}

func fixedVerifier(now time.Time) *Verifier {
	v := NewVerifier(time.Minute)
	v.now = func() time.Time { return now }
	return v
}

func TestCanonical_BindsEveryPart(t *testing.T) {
	base := Canonical("POST", "/v1/deposits", 100, []byte(`{"amount":"1"}`))
	assert.True(t, strings.HasPrefix(base, "mpescrow-request|POST|/v1/deposits|100|0x"))
	assert.NotEqual(t, base, Canonical("PUT", "/v1/deposits", 100, []byte(`{"amount":"1"}`)))
	assert.NotEqual(t, base, Canonical("POST", "/v1/withdrawals", 100, []byte(`{"amount":"1"}`)))
	assert.NotEqual(t, base, Canonical("POST", "/v1/deposits", 101, []byte(`{"amount":"1"}`)))
	assert.NotEqual(t, base, Canonical("POST", "/v1/deposits", 100, []byte(`{"amount":"2"}`)))
}

func TestVerify_Valid(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"amount":"5"}`)
	acct, ts, sig := signed(t, "POST", "/v1/deposits", body, now)

	got, err := fixedVerifier(now).Verify("POST", "/v1/deposits", strings.ToUpper(acct[2:]), ts, sig, body)
	require.NoError(t, err)
	assert.Equal(t, acct, got)
}

func TestVerify_Rejections(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"amount":"5"}`)
	acct, ts, sig := signed(t, "POST", "/v1/deposits", body, now)
	other, _, _ := signed(t, "POST", "/v1/deposits", body, now)

	tests := []struct {
		name    string
		account string
		ts      string
		sig     string
		body    []byte
		wantErr error
	}{
		{"missing signature", acct, ts, "", body, ErrMissingHeaders},
		{"missing account", "", ts, sig, body, ErrMissingHeaders},
		{"bad account", "0x1234", ts, sig, body, ErrBadAccount},
		{"bad timestamp", acct, "yesterday", sig, body, ErrBadTimestamp},
		{"stale", acct, strconv.FormatInt(now.Add(-2*time.Minute).Unix(), 10), sig, body, ErrBadTimestamp},
		{"future", acct, strconv.FormatInt(now.Add(2*time.Minute).Unix(), 10), sig, body, ErrBadTimestamp},
		{"tampered body", acct, ts, sig, []byte(`{"amount":"500"}`), ethsig.ErrSignerMismatch},
		{"wrong account", other, ts, sig, body, ethsig.ErrSignerMismatch},
		{"garbage signature", acct, ts, "0xzz", body, ethsig.ErrInvalidSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fixedVerifier(now).Verify("POST", "/v1/deposits", tt.account, tt.ts, tt.sig, tt.body)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestVerify_RejectsReplay(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	acct, ts, sig := signed(t, "POST", "/v1/withdrawals", nil, now)
	v := fixedVerifier(now)

	_, err := v.Verify("POST", "/v1/withdrawals", acct, ts, sig, nil)
	require.NoError(t, err)
	_, err = v.Verify("POST", "/v1/withdrawals", acct, ts, sig, nil)
	assert.ErrorIs(t, err, ErrReplayed)
}

func TestVerify_RejectsReencodedReplay(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"to":"0x2222222222222222222222222222222222222222","amount":"100"}`)
	acct, ts, sig := signed(t, "POST", "/v1/transfers", body, now)
	v := fixedVerifier(now)

	_, err := v.Verify("POST", "/v1/transfers", acct, ts, sig, body)
	require.NoError(t, err)

	raw, err := hex.DecodeString(sig[2:])
	require.NoError(t, err)
	rawV := append([]byte(nil), raw...)
	rawV[64] -= 27

	highS := append([]byte(nil), raw...)
	n := crypto.S256().Params().N
	s := new(big.Int).SetBytes(raw[32:64])
	new(big.Int).Sub(n, s).FillBytes(highS[32:64])
	highS[64] = 27 + (1 - (raw[64] - 27))

	tests := []struct {
		name    string
		sig     string
		wantErr error
	}{
		{"without 0x", sig[2:], ErrReplayed},
		{"upper-case hex", "0x" + strings.ToUpper(sig[2:]), ErrReplayed},
		{"raw recovery id", "0x" + hex.EncodeToString(rawV), ErrReplayed},
		{"malleated s", "0x" + hex.EncodeToString(highS), ethsig.ErrInvalidSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify("POST", "/v1/transfers", acct, ts, tt.sig, body)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestVerify_DistinctRequestsFromSameAccount(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	v := fixedVerifier(now)

	for _, body := range [][]byte{[]byte(`{"amount":"1"}`), []byte(`{"amount":"2"}`)} {
		req, err := http.NewRequest("POST", "http://localhost/v1/deposits", nil)
		require.NoError(t, err)
		require.NoError(t, SignRequest(req, key, body, now))
		_, err = v.Verify("POST", "/v1/deposits", req.Header.Get(HeaderAccount), req.Header.Get(HeaderTimestamp), req.Header.Get(HeaderSignature), body)
		require.NoError(t, err)
	}
}

func TestVerify_ForgetsExpiredSignatures(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := fixedVerifier(now)
	acct, ts, sig := signed(t, "POST", "/v1/transfers", nil, now)
	_, err := v.Verify("POST", "/v1/transfers", acct, ts, sig, nil)
	require.NoError(t, err)

	v.now = func() time.Time { return now.Add(3 * time.Minute) }
	a2, ts2, sig2 := signed(t, "POST", "/v1/transfers", nil, now.Add(3*time.Minute))
	_, err = v.Verify("POST", "/v1/transfers", a2, ts2, sig2, nil)
	require.NoError(t, err)

	v.mu.Lock()
	defer v.mu.Unlock()
	assert.Len(t, v.seen, 1)
}

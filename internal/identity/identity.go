// Package identity derives ledger caller addresses from signed HTTP requests.
// A caller is the SS58 address of the sr25519 key that signed the request.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"meshledger/internal/crypto"
	"meshledger/internal/ledger"
)

const (
	HeaderCaller    = "X-Caller"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
	HeaderNonce     = "X-Nonce"
)

const (
	// DefaultTolerance bounds the clock skew accepted on X-Timestamp
	DefaultTolerance = 5 * time.Minute
	// DefaultNonceCapacity is how many recent nonces a Verifier remembers
	DefaultNonceCapacity = 1 << 16

	maxNonceLength = 128
)

var (
	ErrMissingCredentials = errors.New("missing signature headers")
	ErrStaleTimestamp     = errors.New("request timestamp outside tolerance")
	ErrBadSignature       = errors.New("invalid request signature")
	ErrReplayed           = errors.New("replayed request")
)

// SigningPayload is the byte string a caller signs for one request
func SigningPayload(method, path string, body []byte, timestamp int64, nonce string) []byte {
	payload := make([]byte, 0, len(method)+len(path)+len(body)+len(nonce)+25)
	payload = append(payload, method...)
	payload = append(payload, '\n')
	payload = append(payload, path...)
	payload = append(payload, '\n')
	payload = append(payload, body...)
	payload = append(payload, '\n')
	payload = strconv.AppendInt(payload, timestamp, 10)
	payload = append(payload, '\n')
	payload = append(payload, nonce...)
	return payload
}

// SignRequest sets the identity headers on req with a fresh nonce. body must
// be the exact bytes sent as the request body.
func SignRequest(req *http.Request, signer crypto.Signer, prefix uint8, body []byte, now time.Time) error {
	addr, err := EncodeAddress(signer.PublicKey(), prefix)
	if err != nil {
		return err
	}
	ts := now.Unix()
	nonce := uuid.NewString()
	sig, err := signer.Sign(SigningPayload(req.Method, req.URL.Path, body, ts, nonce))
	if err != nil {
		return err
	}
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderCaller, addr)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	return nil
}

// Verifier authenticates signed requests. Each caller nonce is accepted once
// while its timestamp is within tolerance; the most recent
// DefaultNonceCapacity nonces are remembered.
type Verifier struct {
	Tolerance time.Duration
	Now       func() time.Time
	// Prefix is the SS58 network callers must use; negative accepts any
	Prefix int

	mu   sync.Mutex
	seen *lru.Cache // caller+nonce -> unix time the entry stops mattering
}

func NewVerifier(tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	seen, err := lru.New(DefaultNonceCapacity)
	if err != nil {
		panic(err)
	}
	return &Verifier{Tolerance: tolerance, Now: time.Now, Prefix: -1, seen: seen}
}

// Verify checks the identity headers of req against body and returns the
// caller's address.
func (v *Verifier) Verify(req *http.Request, body []byte) (ledger.Address, error) {
	caller := req.Header.Get(HeaderCaller)
	tsHeader := req.Header.Get(HeaderTimestamp)
	sigHeader := req.Header.Get(HeaderSignature)
	nonce := req.Header.Get(HeaderNonce)
	if caller == "" || tsHeader == "" || sigHeader == "" || nonce == "" {
		return "", ErrMissingCredentials
	}
	if len(nonce) > maxNonceLength {
		return "", fmt.Errorf("%w: nonce too long", ErrBadSignature)
	}

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStaleTimestamp, err)
	}
	skew := v.Now().Sub(time.Unix(ts, 0))
	if skew < -v.Tolerance || skew > v.Tolerance {
		return "", ErrStaleTimestamp
	}

	prefix, publicKey, err := DecodeAddress(caller)
	if err != nil {
		return "", err
	}
	if v.Prefix >= 0 && int(prefix) != v.Prefix {
		return "", fmt.Errorf("%w: network prefix %d", ErrInvalidAddress, prefix)
	}
	sig, err := hex.DecodeString(sigHeader)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	ok, err := crypto.VerifySr25519(SigningPayload(req.Method, req.URL.Path, body, ts, nonce), sig, publicKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ok {
		return "", ErrBadSignature
	}
	if err := v.remember(caller, nonce, ts); err != nil {
		return "", err
	}
	return ledger.Address(caller), nil
}

// remember records a verified nonce, failing if it is already live
func (v *Verifier) remember(caller, nonce string, ts int64) error {
	key := caller + "\n" + nonce
	now := v.Now().Unix()

	v.mu.Lock()
	defer v.mu.Unlock()
	if until, ok := v.seen.Peek(key); ok && until.(int64) >= now {
		return ErrReplayed
	}
	v.seen.Add(key, ts+int64(v.Tolerance/time.Second))
	return nil
}

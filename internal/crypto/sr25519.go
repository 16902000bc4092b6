package crypto

import (
	"fmt"

	"github.com/ChainSafe/go-schnorrkel"
	"github.com/gtank/merlin"
)

// SigningContext is used to create a domain-specific signing context
const SigningContext = "meshledger"

const (
	PublicKeySize = 32
	SignatureSize = 64
)

func transcript(message []byte) *merlin.Transcript {
	t := merlin.NewTranscript(SigningContext)
	t.AppendMessage([]byte("sign-bytes"), message)
	return t
}

// VerifySr25519 verifies an sr25519 signature
func VerifySr25519(message, signature, publicKey []byte) (bool, error) {
	if len(publicKey) != PublicKeySize {
		return false, fmt.Errorf("public key must be %d bytes, got %d", PublicKeySize, len(publicKey))
	}
	if len(signature) != SignatureSize {
		return false, fmt.Errorf("signature must be %d bytes, got %d", SignatureSize, len(signature))
	}

	var pubKeyBytes [PublicKeySize]byte
	copy(pubKeyBytes[:], publicKey)
	pubKey, err := schnorrkel.NewPublicKey(pubKeyBytes)
	if err != nil {
		return false, err
	}

	var sigBytes [SignatureSize]byte
	copy(sigBytes[:], signature)
	sig := new(schnorrkel.Signature)
	if err := sig.Decode(sigBytes); err != nil {
		return false, err
	}

	return pubKey.Verify(sig, transcript(message))
}

// Keypair is an sr25519 key pair. It implements Signer.
type Keypair struct {
	secret *schnorrkel.SecretKey
	public *schnorrkel.PublicKey
}

// GenerateKeypair creates a random key pair
func GenerateKeypair() (*Keypair, error) {
	secret, public, err := schnorrkel.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("generating sr25519 keypair: %w", err)
	}
	return &Keypair{secret: secret, public: public}, nil
}

func (k *Keypair) Sign(message []byte) ([]byte, error) {
	sig, err := k.secret.Sign(transcript(message))
	if err != nil {
		return nil, fmt.Errorf("signing message: %w", err)
	}
	enc := sig.Encode()
	return enc[:], nil
}

func (k *Keypair) Verify(message, signature []byte) bool {
	ok, err := VerifySr25519(message, signature, k.PublicKey())
	return err == nil && ok
}

func (k *Keypair) PublicKey() []byte {
	enc := k.public.Encode()
	return enc[:]
}

package signer

import (
	"crypto"
	"crypto/rand"
	_ "crypto/sha1"
	_ "crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	AlgorithmRSASHA1   = "rsa-sha1"
	AlgorithmRSASHA256 = "rsa-sha256"

	// Validity is the lifetime of the signed timestamp.
	Validity = 5 * time.Minute

	// TimestampID is the reference id of the signed timestamp element.
	TimestampID = "_0"

	timeLayout = "2006-01-02T15:04:05.000Z"
)

var (
	ErrSigningKeyMismatch   = errors.New("signing key does not match certificate")
	ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")
)

// Credential is what the signer needs from a loaded credential bundle.
type Credential interface {
	Certificate() *x509.Certificate
	Signer() crypto.Signer
}

// Envelope is a signed authentication request, ready to post once.
type Envelope struct {
	Body      []byte
	Digest    string
	Signature string
	TokenID   string
	Algorithm string
	Created   time.Time
	Expires   time.Time
}

type algorithm struct {
	hash            crypto.Hash
	signatureMethod string
	digestMethod    string
}

var algorithms = map[string]algorithm{
	AlgorithmRSASHA1: {
		hash:            crypto.SHA1,
		signatureMethod: "http://www.w3.org/2000/09/xmldsig#rsa-sha1",
		digestMethod:    "http://www.w3.org/2000/09/xmldsig#sha1",
	},
	AlgorithmRSASHA256: {
		hash:            crypto.SHA256,
		signatureMethod: "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256",
		digestMethod:    "http://www.w3.org/2001/04/xmlenc#sha256",
	},
}

// Signer builds WS-Security authentication envelopes. Output depends only on
// the credential, the clock and the token id generator.
type Signer struct {
	clock     clockwork.Clock
	algorithm string
	newID     func() string
}

type Option func(*Signer)

// WithAlgorithm forces the signature algorithm. Empty keeps rsa-sha1.
func WithAlgorithm(name string) Option {
	return func(s *Signer) {
		if name != "" {
			s.algorithm = name
		}
	}
}

// WithIDGenerator replaces the random security token id.
func WithIDGenerator(f func() string) Option {
	return func(s *Signer) {
		s.newID = f
	}
}

func New(clock clockwork.Clock, opts ...Option) *Signer {
	s := &Signer{
		clock:     clock,
		algorithm: AlgorithmRSASHA1,
		newID: func() string {
			return "uuid-" + uuid.NewString() + "-1"
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SignAuthentication signs a timestamp valid from now for Validity and
// returns the complete authentication envelope.
func (s *Signer) SignAuthentication(cred Credential) (Envelope, error) {
	alg, ok := algorithms[s.algorithm]
	if !ok || !alg.hash.Available() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, s.algorithm)
	}

	cert := cred.Certificate()
	key := cred.Signer()
	if cert == nil || key == nil {
		return Envelope{}, fmt.Errorf("%w: certificate or key missing", ErrSigningKeyMismatch)
	}
	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(cert.PublicKey) {
		return Envelope{}, ErrSigningKeyMismatch
	}

	created := s.clock.Now().UTC().Truncate(time.Millisecond)
	expires := created.Add(Validity)

	digest := digestOf(alg.hash, canonicalTimestamp(TimestampID, created, expires))
	signedInfo := canonicalSignedInfo(alg, TimestampID, digest)

	h := alg.hash.New()
	h.Write(signedInfo)
	sig, err := key.Sign(rand.Reader, h.Sum(nil), alg.hash)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to sign timestamp: %w", err)
	}
	signature := base64.StdEncoding.EncodeToString(sig)

	tokenID := s.newID()
	body := fmt.Sprintf(envelopeFormat,
		wsuNS,
		wsseNS,
		TimestampID, created.Format(timeLayout), expires.Format(timeLayout),
		tokenID, x509TokenType, base64BinaryType, base64.StdEncoding.EncodeToString(cert.Raw),
		signedInfoBody(alg, TimestampID, digest),
		signature,
		x509TokenType, tokenID,
		authNS,
	)

	return Envelope{
		Body:      []byte(body),
		Digest:    digest,
		Signature: signature,
		TokenID:   tokenID,
		Algorithm: s.algorithm,
		Created:   created,
		Expires:   expires,
	}, nil
}

func digestOf(h crypto.Hash, data []byte) string {
	d := h.New()
	d.Write(data)
	return base64.StdEncoding.EncodeToString(d.Sum(nil))
}

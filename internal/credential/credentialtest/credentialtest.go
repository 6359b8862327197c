// Package credentialtest builds throwaway certificates and encrypted keys
// shaped like the authority's advanced signature credentials.
package credentialtest

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/youmark/pkcs8"

	"github.com/gateway-fm/cfdi-descarga/internal/credential"
)

const DefaultRFC = "EKU9003173C9"

type Options struct {
	CommonName   string
	Organization string
	RFC          string
	NotBefore    time.Time
	NotAfter     time.Time
	Passphrase   string
	// Key reuses an existing key instead of generating one.
	Key *rsa.PrivateKey
}

type Fixture struct {
	Cert       *x509.Certificate
	CertDER    []byte
	Key        *rsa.PrivateKey
	KeyDER     []byte // encrypted PKCS#8
	Passphrase string
}

// Material returns fresh copies so callers may zero them.
func (f Fixture) Material() credential.Material {
	return credential.Material{
		Cert:       append([]byte(nil), f.CertDER...),
		Key:        append([]byte(nil), f.KeyDER...),
		Passphrase: []byte(f.Passphrase),
	}
}

// New creates a self-signed credential. Zero fields get defaults valid around
// the current time.
func New(t testing.TB, opts Options) Fixture {
	t.Helper()
	f, err := Generate(opts)
	require.NoError(t, err)
	return f
}

// Generate is New for callers without a testing.TB.
func Generate(opts Options) (Fixture, error) {
	if opts.RFC == "" {
		opts.RFC = DefaultRFC
	}
	if opts.CommonName == "" {
		opts.CommonName = "ESCUELA KEMPER URGATE SA DE CV"
	}
	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Now().Add(-24 * time.Hour)
	}
	if opts.NotAfter.IsZero() {
		opts.NotAfter = time.Now().Add(2 * 365 * 24 * time.Hour)
	}
	if opts.Passphrase == "" {
		opts.Passphrase = "12345678a"
	}

	key := opts.Key
	if key == nil {
		var err error
		if key, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			return Fixture{}, fmt.Errorf("failed to generate key: %w", err)
		}
	}

	subject := pkix.Name{
		CommonName: opts.CommonName,
		ExtraNames: []pkix.AttributeTypeAndValue{
			{Type: asn1.ObjectIdentifier{2, 5, 4, 45}, Value: opts.RFC + " / "},
		},
	}
	if opts.Organization != "" {
		subject.Organization = []string{opts.Organization}
	}

	tpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      subject,
		NotBefore:    opts.NotBefore,
		NotAfter:     opts.NotAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection, x509.ExtKeyUsageClientAuth},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &key.PublicKey, key)
	if err != nil {
		return Fixture{}, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return Fixture{}, fmt.Errorf("failed to parse certificate: %w", err)
	}

	keyDER, err := pkcs8.MarshalPrivateKey(key, []byte(opts.Passphrase), nil)
	if err != nil {
		return Fixture{}, fmt.Errorf("failed to encrypt key: %w", err)
	}

	return Fixture{
		Cert:       cert,
		CertDER:    certDER,
		Key:        key,
		KeyDER:     keyDER,
		Passphrase: opts.Passphrase,
	}, nil
}

// MemoryStore serves fixtures by owner reference.
type MemoryStore map[string]Fixture

func (s MemoryStore) Fetch(_ context.Context, ownerRef string) (credential.Material, error) {
	f, ok := s[ownerRef]
	if !ok {
		return credential.Material{}, fmt.Errorf("%w: %s", credential.ErrNotFound, ownerRef)
	}
	return f.Material(), nil
}

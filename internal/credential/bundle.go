package credential

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/youmark/pkcs8"
)

// ExpiryWarningWindow is how close to NotAfter a certificate is reported as
// expiring soon.
const ExpiryWarningWindow = 60 * 24 * time.Hour

// Bundle is a parsed and validated certificate/key pair. It is built once by
// Parse and only read afterwards until Zero discards the key material.
type Bundle struct {
	cert        *x509.Certificate
	key         *rsa.PrivateKey
	rfc         string
	operational bool
	expiresSoon bool
}

// Certificate returns the holder's certificate.
func (b *Bundle) Certificate() *x509.Certificate {
	return b.cert
}

// Signer returns the private key. It is nil after Zero.
func (b *Bundle) Signer() crypto.Signer {
	if b.key == nil {
		return nil
	}
	return b.key
}

// RFC is the taxpayer id found in the certificate subject, if any.
func (b *Bundle) RFC() string {
	return b.rfc
}

// Operational reports a seal (CSD) certificate where the advanced signature
// certificate is expected. The remote service rejects these, but loading
// still succeeds so the caller gets the remote diagnosis.
func (b *Bundle) Operational() bool {
	return b.operational
}

// ExpiresSoon reports a certificate within ExpiryWarningWindow of NotAfter.
func (b *Bundle) ExpiresSoon() bool {
	return b.expiresSoon
}

// Zero overwrites the private key and drops the reference to it.
func (b *Bundle) Zero() {
	if b.key == nil {
		return
	}
	zeroInt(b.key.D)
	for _, p := range b.key.Primes {
		zeroInt(p)
	}
	zeroInt(b.key.Precomputed.Dp)
	zeroInt(b.key.Precomputed.Dq)
	zeroInt(b.key.Precomputed.Qinv)
	b.key = nil
}

func zeroInt(n *big.Int) {
	if n == nil {
		return
	}
	words := n.Bits()
	for i := range words {
		words[i] = 0
	}
	n.SetInt64(0)
}

// Parse validates material and builds a Bundle. The certificate validity
// window must contain now and the key must match the certificate.
func Parse(m Material, now time.Time) (*Bundle, error) {
	cert, err := parseCertificate(m.Cert)
	if err != nil {
		return nil, err
	}

	key, err := parseKey(m.Key, normalizePassphrase(m.Passphrase))
	if err != nil {
		return nil, err
	}

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: certificate public key is not RSA", ErrFormatInvalid)
	}
	if !pub.Equal(&key.PublicKey) {
		return nil, ErrKeyMismatch
	}

	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return nil, fmt.Errorf("%w: valid from %s to %s", ErrExpired,
			cert.NotBefore.UTC().Format(time.RFC3339), cert.NotAfter.UTC().Format(time.RFC3339))
	}

	return &Bundle{
		cert:        cert,
		key:         key,
		rfc:         subjectRFC(cert),
		operational: looksOperational(cert),
		expiresSoon: cert.NotAfter.Sub(now) <= ExpiryWarningWindow,
	}, nil
}

func parseCertificate(raw []byte) (*x509.Certificate, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty certificate", ErrFormatInvalid)
	}
	der := raw
	if block, _ := pem.Decode(raw); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("%w: certificate file holds a %q block", ErrFormatInvalid, block.Type)
		}
		der = block.Bytes
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse certificate: %v", ErrFormatInvalid, err)
	}
	return cert, nil
}

func parseKey(raw, passphrase []byte) (*rsa.PrivateKey, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty private key", ErrFormatInvalid)
	}
	if bytes.Contains(raw, []byte("Bag Attributes")) || bytes.Contains(raw, []byte("BEGIN PKCS12")) {
		return nil, fmt.Errorf("%w: key file is a PKCS#12 export, extract the key and certificate separately", ErrFormatInvalid)
	}

	der := raw
	if block, _ := pem.Decode(raw); block != nil {
		switch block.Type {
		case "CERTIFICATE":
			return nil, fmt.Errorf("%w: key file holds a certificate, not a private key", ErrFormatInvalid)
		case "ENCRYPTED PRIVATE KEY", "PRIVATE KEY", "RSA PRIVATE KEY":
			der = block.Bytes
		default:
			return nil, fmt.Errorf("%w: unexpected %q block in key file", ErrFormatInvalid, block.Type)
		}
	} else {
		if _, err := x509.ParseCertificate(raw); err == nil {
			return nil, fmt.Errorf("%w: key file holds a certificate, not a private key", ErrFormatInvalid)
		}
		if isPKCS12(raw) {
			return nil, fmt.Errorf("%w: key file is a PKCS#12 container, extract the key and certificate separately", ErrFormatInvalid)
		}
	}

	var parsed any
	if k, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		parsed = k
	} else if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		parsed = k
	} else {
		if len(passphrase) == 0 {
			return nil, fmt.Errorf("%w: key is encrypted and no passphrase was provided", ErrFormatInvalid)
		}
		k, err := pkcs8.ParsePKCS8PrivateKey(der, passphrase)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decrypt private key, check the passphrase: %v", ErrFormatInvalid, err)
		}
		parsed = k
	}

	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: private key is %T, expected RSA", ErrFormatInvalid, parsed)
	}
	return key, nil
}

func isPKCS12(der []byte) bool {
	var pfx struct {
		Version  int
		AuthSafe asn1.RawValue
		MacData  asn1.RawValue `asn1:"optional"`
	}
	if _, err := asn1.Unmarshal(der, &pfx); err != nil {
		return false
	}
	return pfx.Version == 3
}

// normalizePassphrase keeps the first line of a passphrase file, without BOM
// or surrounding whitespace.
func normalizePassphrase(raw []byte) []byte {
	s := string(raw)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	s = strings.ReplaceAll(s, "\ufeff", "")
	return []byte(strings.TrimSpace(s))
}

func looksOperational(cert *x509.Certificate) bool {
	text := strings.ToUpper(cert.Subject.CommonName + " " + strings.Join(cert.Subject.Organization, " "))
	return strings.Contains(text, "SELLO") || strings.Contains(text, "CSD")
}

package credential_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/cfdi-descarga/internal/credential"
	"github.com/gateway-fm/cfdi-descarga/internal/credential/credentialtest"
)

func Test_Parse(t *testing.T) {
	now := time.Now()
	good := credentialtest.New(t, credentialtest.Options{})
	other := credentialtest.New(t, credentialtest.Options{})

	pemCert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: good.CertDER})
	plainKey, err := x509.MarshalPKCS8PrivateKey(good.Key)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: plainKey})
	pemEncrypted := pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: good.KeyDER})

	var tests = map[string]struct {
		material    credential.Material
		expectedErr error
	}{
		"encrypted der key": {
			material: good.Material(),
		},
		"pem certificate and unencrypted pem key": {
			material: credential.Material{Cert: pemCert, Key: pemKey},
		},
		"encrypted pem key": {
			material: credential.Material{Cert: good.CertDER, Key: pemEncrypted, Passphrase: []byte(good.Passphrase)},
		},
		"passphrase file with bom and newline": {
			material: credential.Material{Cert: good.CertDER, Key: good.KeyDER, Passphrase: []byte("\ufeff" + good.Passphrase + "\r\n")},
		},
		"wrong passphrase": {
			material:    credential.Material{Cert: good.CertDER, Key: good.KeyDER, Passphrase: []byte("nope")},
			expectedErr: credential.ErrFormatInvalid,
		},
		"missing passphrase": {
			material:    credential.Material{Cert: good.CertDER, Key: good.KeyDER},
			expectedErr: credential.ErrFormatInvalid,
		},
		"certificate uploaded as key": {
			material:    credential.Material{Cert: good.CertDER, Key: good.CertDER, Passphrase: []byte(good.Passphrase)},
			expectedErr: credential.ErrFormatInvalid,
		},
		"pem certificate uploaded as key": {
			material:    credential.Material{Cert: good.CertDER, Key: pemCert},
			expectedErr: credential.ErrFormatInvalid,
		},
		"pkcs12 export as key": {
			material:    credential.Material{Cert: good.CertDER, Key: []byte("Bag Attributes\n    localKeyID: 01\n")},
			expectedErr: credential.ErrFormatInvalid,
		},
		"garbage certificate": {
			material:    credential.Material{Cert: []byte("not a certificate"), Key: good.KeyDER, Passphrase: []byte(good.Passphrase)},
			expectedErr: credential.ErrFormatInvalid,
		},
		"key of another certificate": {
			material:    credential.Material{Cert: good.CertDER, Key: other.KeyDER, Passphrase: []byte(other.Passphrase)},
			expectedErr: credential.ErrKeyMismatch,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			b, err := credential.Parse(test.material, now)
			if test.expectedErr != nil {
				require.ErrorIs(t, err, test.expectedErr)
				assert.Nil(t, b)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, credentialtest.DefaultRFC, b.RFC())
			assert.False(t, b.Operational())
			assert.False(t, b.ExpiresSoon())
			assert.NotNil(t, b.Signer())
		})
	}
}

func Test_ParseValidityWindow(t *testing.T) {
	now := time.Now()
	var tests = map[string]struct {
		notBefore   time.Time
		notAfter    time.Time
		expectedErr error
		expiresSoon bool
	}{
		"expired": {
			notBefore:   now.Add(-3 * 365 * 24 * time.Hour),
			notAfter:    now.Add(-time.Hour),
			expectedErr: credential.ErrExpired,
		},
		"not yet valid": {
			notBefore:   now.Add(time.Hour),
			notAfter:    now.Add(365 * 24 * time.Hour),
			expectedErr: credential.ErrExpired,
		},
		"expires within sixty days": {
			notBefore:   now.Add(-time.Hour),
			notAfter:    now.Add(30 * 24 * time.Hour),
			expiresSoon: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			f := credentialtest.New(t, credentialtest.Options{NotBefore: test.notBefore, NotAfter: test.notAfter})
			b, err := credential.Parse(f.Material(), now)
			if test.expectedErr != nil {
				require.ErrorIs(t, err, test.expectedErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expiresSoon, b.ExpiresSoon())
		})
	}
}

func Test_ParseFlagsSealCertificate(t *testing.T) {
	f := credentialtest.New(t, credentialtest.Options{CommonName: "SELLO DIGITAL SUCURSAL CENTRO"})

	b, err := credential.Parse(f.Material(), time.Now())

	require.NoError(t, err)
	assert.True(t, b.Operational())
}

func Test_ParseRejectsMalformedKey(t *testing.T) {
	f := credentialtest.New(t, credentialtest.Options{})
	bogus := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: []byte{0x30, 0x03, 0x02, 0x01, 0x00}})

	_, err := credential.Parse(credential.Material{Cert: f.CertDER, Key: bogus}, time.Now())

	require.ErrorIs(t, err, credential.ErrFormatInvalid)
}

func Test_BundleZero(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	f := credentialtest.New(t, credentialtest.Options{Key: key})

	b, err := credential.Parse(f.Material(), time.Now())
	require.NoError(t, err)

	signer := b.Signer().(*rsa.PrivateKey)
	b.Zero()

	assert.Nil(t, b.Signer())
	assert.Zero(t, signer.D.Sign())
	for _, p := range signer.Primes {
		assert.Zero(t, p.Sign())
	}
	// zeroing twice is harmless
	b.Zero()
}

func Test_MaterialZero(t *testing.T) {
	m := credential.Material{Cert: []byte{1}, Key: []byte{1, 2, 3}, Passphrase: []byte("secret")}
	key, pass := m.Key, m.Passphrase

	m.Zero()

	assert.Nil(t, m.Key)
	assert.Nil(t, m.Passphrase)
	assert.Equal(t, []byte{0, 0, 0}, key)
	assert.Equal(t, make([]byte, 6), pass)
	assert.Equal(t, []byte{1}, m.Cert)
}

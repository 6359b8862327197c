package signer

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidEnvelope   = errors.New("invalid authentication envelope")
	ErrDigestMismatch    = errors.New("timestamp digest mismatch")
	ErrBadSignature      = errors.New("signature verification failed")
	ErrTimestampOutdated = errors.New("timestamp outside its validity window")
)

type parsedEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Header  struct {
		Security struct {
			Timestamp struct {
				ID      string `xml:"Id,attr"`
				Created string `xml:"Created"`
				Expires string `xml:"Expires"`
			} `xml:"Timestamp"`
			Token struct {
				ID    string `xml:"Id,attr"`
				Value string `xml:",chardata"`
			} `xml:"BinarySecurityToken"`
			Signature struct {
				SignedInfo struct {
					SignatureMethod struct {
						Algorithm string `xml:"Algorithm,attr"`
					} `xml:"SignatureMethod"`
					Reference struct {
						URI         string `xml:"URI,attr"`
						DigestValue string `xml:"DigestValue"`
					} `xml:"Reference"`
				} `xml:"SignedInfo"`
				SignatureValue string `xml:"SignatureValue"`
				TokenRef       struct {
					URI string `xml:"URI,attr"`
				} `xml:"KeyInfo>SecurityTokenReference>Reference"`
			} `xml:"Signature"`
		} `xml:"Security"`
	} `xml:"Header"`
}

// Verify checks an authentication envelope the way the remote service does:
// token reference, timestamp digest, signature over SignedInfo and the
// timestamp window at now. It returns the embedded certificate.
func Verify(body []byte, now time.Time) (*x509.Certificate, error) {
	var env parsedEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	sec := env.Header.Security
	sig := sec.Signature

	if sec.Token.ID == "" || sig.TokenRef.URI != "#"+sec.Token.ID {
		return nil, fmt.Errorf("%w: key info does not reference the security token", ErrInvalidEnvelope)
	}
	if sec.Timestamp.ID == "" || sig.SignedInfo.Reference.URI != "#"+sec.Timestamp.ID {
		return nil, fmt.Errorf("%w: signature does not reference the timestamp", ErrInvalidEnvelope)
	}

	var alg algorithm
	var found bool
	for _, a := range algorithms {
		if a.signatureMethod == sig.SignedInfo.SignatureMethod.Algorithm {
			alg, found = a, true
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, sig.SignedInfo.SignatureMethod.Algorithm)
	}

	der, err := base64.StdEncoding.DecodeString(sec.Token.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: security token is not base64: %v", ErrInvalidEnvelope, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: security token is not a certificate: %v", ErrInvalidEnvelope, err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: certificate key is not RSA", ErrInvalidEnvelope)
	}

	created, err := time.Parse(timeLayout, sec.Timestamp.Created)
	if err != nil {
		return nil, fmt.Errorf("%w: created: %v", ErrInvalidEnvelope, err)
	}
	expires, err := time.Parse(timeLayout, sec.Timestamp.Expires)
	if err != nil {
		return nil, fmt.Errorf("%w: expires: %v", ErrInvalidEnvelope, err)
	}

	digest := digestOf(alg.hash, canonicalTimestamp(sec.Timestamp.ID, created, expires))
	if digest != sig.SignedInfo.Reference.DigestValue {
		return nil, ErrDigestMismatch
	}

	rawSig, err := base64.StdEncoding.DecodeString(sig.SignatureValue)
	if err != nil {
		return nil, fmt.Errorf("%w: signature is not base64: %v", ErrInvalidEnvelope, err)
	}
	h := alg.hash.New()
	h.Write(canonicalSignedInfo(alg, sec.Timestamp.ID, digest))
	if err := rsa.VerifyPKCS1v15(pub, alg.hash, h.Sum(nil), rawSig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	if now.Before(created) || now.After(expires) {
		return nil, ErrTimestampOutdated
	}

	return cert, nil
}

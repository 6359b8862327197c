package signer

import (
	"fmt"
	"time"
)

const (
	soapNS = "http://schemas.xmlsoap.org/soap/envelope/"
	wsuNS  = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
	wsseNS = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	dsigNS = "http://www.w3.org/2000/09/xmldsig#"
	authNS = "http://DescargaMasivaTerceros.gob.mx"

	excC14N          = "http://www.w3.org/2001/10/xml-exc-c14n#"
	x509TokenType    = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-x509-token-profile-1.0#X509v3"
	base64BinaryType = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary"
)

// Timestamp and SignedInfo are serialized in exclusive canonical form.
const envelopeFormat = `<s:Envelope xmlns:s="` + soapNS + `" xmlns:u="%s">` +
	`<s:Header>` +
	`<o:Security s:mustUnderstand="1" xmlns:o="%s">` +
	`<u:Timestamp u:Id="%s"><u:Created>%s</u:Created><u:Expires>%s</u:Expires></u:Timestamp>` +
	`<o:BinarySecurityToken u:Id="%s" ValueType="%s" EncodingType="%s">%s</o:BinarySecurityToken>` +
	`<Signature xmlns="` + dsigNS + `">` +
	`<SignedInfo>%s</SignedInfo>` +
	`<SignatureValue>%s</SignatureValue>` +
	`<KeyInfo><o:SecurityTokenReference><o:Reference ValueType="%s" URI="#%s"/></o:SecurityTokenReference></KeyInfo>` +
	`</Signature>` +
	`</o:Security>` +
	`</s:Header>` +
	`<s:Body><Autentica xmlns="%s"/></s:Body>` +
	`</s:Envelope>`

func canonicalTimestamp(id string, created, expires time.Time) []byte {
	return []byte(fmt.Sprintf(
		`<u:Timestamp xmlns:u="%s" u:Id="%s"><u:Created>%s</u:Created><u:Expires>%s</u:Expires></u:Timestamp>`,
		wsuNS, id, created.Format(timeLayout), expires.Format(timeLayout)))
}

func signedInfoBody(alg algorithm, refID, digest string) string {
	return fmt.Sprintf(
		`<CanonicalizationMethod Algorithm="%s"></CanonicalizationMethod>`+
			`<SignatureMethod Algorithm="%s"></SignatureMethod>`+
			`<Reference URI="#%s">`+
			`<Transforms><Transform Algorithm="%s"></Transform></Transforms>`+
			`<DigestMethod Algorithm="%s"></DigestMethod>`+
			`<DigestValue>%s</DigestValue>`+
			`</Reference>`,
		excC14N, alg.signatureMethod, refID, excC14N, alg.digestMethod, digest)
}

func canonicalSignedInfo(alg algorithm, refID, digest string) []byte {
	return []byte(`<SignedInfo xmlns="` + dsigNS + `">` + signedInfoBody(alg, refID, digest) + `</SignedInfo>`)
}

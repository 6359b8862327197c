package credential

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"regexp"
	"strings"
	"time"
)

var (
	rfcPattern  = regexp.MustCompile(`[A-ZÑ&]{3,4}\d{6}[A-Z0-9]{3}`)
	rfcExact    = regexp.MustCompile(`^[A-ZÑ&]{3,4}\d{6}[A-Z0-9]{3}$`)
	oidUniqueID = asn1.ObjectIdentifier{2, 5, 4, 45}
	oidExtKeyUs = asn1.ObjectIdentifier{2, 5, 29, 37}
)

// Info describes a certificate for operators deciding whether it can be used
// against the bulk retrieval service.
type Info struct {
	CommonName     string    `json:"subject_common_name"`
	SerialNumber   string    `json:"subject_serial_number,omitempty"`
	RFC            string    `json:"rfc,omitempty"`
	PersonaMoral   *bool     `json:"persona_moral,omitempty"`
	RFCAnalysis    RFCInfo   `json:"rfc_analysis"`
	Issuer         string    `json:"issuer"`
	NotBefore      time.Time `json:"valid_from"`
	NotAfter       time.Time `json:"valid_to"`
	SerialHex      string    `json:"serial_hex"`
	SHA256         string    `json:"sha256"`
	WillExpireSoon bool      `json:"will_expire_soon"`
	Expired        bool      `json:"expired"`
	Operational    bool      `json:"is_probably_csd"`
	ExtKeyUsages   []string  `json:"ext_key_usages"`
	Policies       []string  `json:"certificate_policies"`
}

// RFCInfo is the outcome of ClassifyRFC.
type RFCInfo struct {
	Valid        bool   `json:"valid"`
	Normalized   string `json:"normalized,omitempty"`
	PersonaMoral bool   `json:"persona_moral"`
	Reason       string `json:"reason,omitempty"`
}

// Inspect reads a certificate (DER or PEM) without needing the private key.
func Inspect(raw []byte, now time.Time) (Info, error) {
	cert, err := parseCertificate(raw)
	if err != nil {
		return Info{}, err
	}

	sum := sha256.Sum256(cert.Raw)
	info := Info{
		CommonName:     cert.Subject.CommonName,
		SerialNumber:   cert.Subject.SerialNumber,
		RFC:            subjectRFC(cert),
		Issuer:         cert.Issuer.String(),
		NotBefore:      cert.NotBefore.UTC(),
		NotAfter:       cert.NotAfter.UTC(),
		SerialHex:      strings.ToUpper(cert.SerialNumber.Text(16)),
		SHA256:         hex.EncodeToString(sum[:]),
		WillExpireSoon: cert.NotAfter.Sub(now) <= ExpiryWarningWindow,
		Expired:        now.Before(cert.NotBefore) || now.After(cert.NotAfter),
		Operational:    looksOperational(cert),
		ExtKeyUsages:   extKeyUsages(cert),
	}
	for _, p := range cert.PolicyIdentifiers {
		info.Policies = append(info.Policies, p.String())
	}

	if info.RFC != "" {
		info.RFCAnalysis = ClassifyRFC(info.RFC, now)
		moral := len(info.RFC) == 12
		if info.RFCAnalysis.Valid {
			moral = info.RFCAnalysis.PersonaMoral
		}
		info.PersonaMoral = &moral
	}

	return info, nil
}

// ClassifyRFC validates a taxpayer id. Twelve characters is a legal entity
// (persona moral), thirteen an individual (persona física). The embedded
// YYMMDD must be a real date between 1930 and next year.
func ClassifyRFC(rfc string, now time.Time) RFCInfo {
	rfc = strings.ToUpper(strings.TrimSpace(rfc))
	if rfc == "" {
		return RFCInfo{Reason: "empty"}
	}
	out := RFCInfo{Normalized: rfc}
	if !rfcExact.MatchString(rfc) {
		out.Reason = "pattern mismatch"
		return out
	}

	runes := []rune(rfc)
	start := 3
	if len(runes) == 13 {
		start = 4
	}
	if !validDateFragment(string(runes[start:start+6]), now) {
		out.Reason = "invalid date"
		return out
	}

	out.Valid = true
	out.PersonaMoral = len(runes) == 12
	return out
}

func validDateFragment(frag string, now time.Time) bool {
	yy := atoi2(frag[0:2])
	mm := atoi2(frag[2:4])
	dd := atoi2(frag[4:6])
	if yy < 0 || mm < 0 || dd < 0 {
		return false
	}
	year := 2000 + yy
	if yy > now.Year()%100 {
		year = 1900 + yy
	}
	if year < 1930 || year > now.Year()+1 {
		return false
	}
	d := time.Date(year, time.Month(mm), dd, 0, 0, 0, 0, time.UTC)
	return d.Year() == year && int(d.Month()) == mm && d.Day() == dd
}

func atoi2(s string) int {
	if len(s) != 2 || s[0] < '0' || s[0] > '9' || s[1] < '0' || s[1] > '9' {
		return -1
	}
	return int(s[0]-'0')*10 + int(s[1]-'0')
}

// subjectRFC looks for the taxpayer id in x500UniqueIdentifier first, then in
// CN, serialNumber and O.
func subjectRFC(cert *x509.Certificate) string {
	sources := make([]string, 0, 4)
	for _, n := range cert.Subject.Names {
		if n.Type.Equal(oidUniqueID) {
			if s, ok := n.Value.(string); ok {
				sources = append(sources, s)
			}
		}
	}
	sources = append(sources, cert.Subject.CommonName, cert.Subject.SerialNumber)
	sources = append(sources, cert.Subject.Organization...)

	for _, s := range sources {
		if m := rfcPattern.FindString(strings.ToUpper(s)); m != "" {
			return m
		}
	}
	return ""
}

func extKeyUsages(cert *x509.Certificate) []string {
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(oidExtKeyUs) {
			continue
		}
		var oids []asn1.ObjectIdentifier
		if _, err := asn1.Unmarshal(ext.Value, &oids); err != nil {
			return nil
		}
		out := make([]string, 0, len(oids))
		for _, o := range oids {
			out = append(out, o.String())
		}
		return out
	}
	return nil
}

package codesigning

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/juju/errors"
)

// projectInformationOID identifies the certificate extension carrying "<project id>,<scope key>".
var projectInformationOID = asn1.ObjectIdentifier{1, 2, 840, 113556, 1, 8000, 2554, 43437, 254, 128, 102, 157, 7894389, 20439, 2, 1}

// ProjectInformation identifies the project a code signing certificate was issued for.
type ProjectInformation struct {
	ProjectID string `json:"project_id"`
	ScopeKey  string `json:"scope_key"`
}

// Matches reports whether the certificate was issued for the given project.
func (p ProjectInformation) Matches(scopeKey, projectID string) bool {
	return p.ScopeKey == scopeKey && p.ProjectID == projectID
}

// SplitCertificateChain splits concatenated PEM certificates, leaf first.
func SplitCertificateChain(chain string) ([]string, error) {
	var out []string
	rest := []byte(chain)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			return nil, errors.NotValidf("pem block %q in certificate chain", block.Type)
		}
		out = append(out, string(pem.EncodeToMemory(block)))
	}
	if len(bytes.TrimSpace(rest)) != 0 {
		return nil, errors.NotValidf("trailing data in certificate chain")
	}
	if len(out) == 0 {
		return nil, errors.NotFoundf("certificate in chain")
	}
	return out, nil
}

func parseCertificateChain(chain string) ([]*x509.Certificate, error) {
	blocks, err := SplitCertificateChain(chain)
	if err != nil {
		return nil, err
	}
	certificates := make([]*x509.Certificate, 0, len(blocks))
	for _, block := range blocks {
		p, _ := pem.Decode([]byte(block))
		certificate, err := x509.ParseCertificate(p.Bytes)
		if err != nil {
			return nil, errors.Annotatef(err, "certificate %d of chain", len(certificates))
		}
		certificates = append(certificates, certificate)
	}
	return certificates, nil
}

// validateChain checks a chain ordered leaf first and returns the leaf.
func validateChain(chain []*x509.Certificate, trustedRoot *x509.Certificate, now time.Time) (*x509.Certificate, error) {
	if len(chain) == 0 {
		return nil, errors.NotFoundf("code signing certificate")
	}
	leaf := chain[0]
	if leaf.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		return nil, errors.NotValidf("leaf certificate without digital signature key usage")
	}
	if !slices.Contains(leaf.ExtKeyUsage, x509.ExtKeyUsageCodeSigning) {
		return nil, errors.NotValidf("leaf certificate without code signing extended key usage")
	}
	for i, certificate := range chain {
		if now.Before(certificate.NotBefore) || now.After(certificate.NotAfter) {
			return nil, errors.NotValidf("certificate %q outside its validity period", certificate.Subject.CommonName)
		}
		if i == len(chain)-1 {
			break
		}
		issuer := chain[i+1]
		if !issuer.IsCA {
			return nil, errors.NotValidf("issuer %q is not a certificate authority", issuer.Subject.CommonName)
		}
		if err := certificate.CheckSignatureFrom(issuer); err != nil {
			return nil, errors.Annotatef(err, "certificate %q", certificate.Subject.CommonName)
		}
	}

	root := chain[len(chain)-1]
	if !root.IsCA || !bytes.Equal(root.RawIssuer, root.RawSubject) {
		return nil, errors.NotValidf("root certificate %q is not a self-signed certificate authority", root.Subject.CommonName)
	}
	if err := root.CheckSignatureFrom(root); err != nil {
		return nil, errors.Annotatef(err, "root certificate %q", root.Subject.CommonName)
	}
	if !root.Equal(trustedRoot) {
		return nil, errors.NotValidf("root certificate %q is not trusted", root.Subject.CommonName)
	}

	leafProject, leafHasProject, err := projectInformation(leaf)
	if err != nil {
		return nil, err
	}
	// only intermediates below the root may carry the project extension
	for _, intermediate := range chain[1 : len(chain)-1] {
		project, ok, err := projectInformation(intermediate)
		if err != nil {
			return nil, err
		}
		if ok && (!leafHasProject || project != leafProject) {
			return nil, errors.NotValidf("project information of %q does not match the leaf certificate", intermediate.Subject.CommonName)
		}
	}
	return leaf, nil
}

// projectInformation reads the project information extension.
// The value is either a DER UTF8String or the raw UTF-8 text.
func projectInformation(certificate *x509.Certificate) (ProjectInformation, bool, error) {
	for _, ext := range certificate.Extensions {
		if !ext.Id.Equal(projectInformationOID) {
			continue
		}
		var value string
		if rest, err := asn1.UnmarshalWithParams(ext.Value, &value, "utf8"); err != nil || len(rest) != 0 {
			if !utf8.Valid(ext.Value) {
				return ProjectInformation{}, false, errors.NotValidf("project information of %q", certificate.Subject.CommonName)
			}
			value = string(ext.Value)
		}
		projectID, scopeKey, ok := strings.Cut(value, ",")
		if !ok || strings.Contains(scopeKey, ",") {
			return ProjectInformation{}, false, errors.NotValidf("project information %q", value)
		}
		return ProjectInformation{ProjectID: projectID, ScopeKey: scopeKey}, true, nil
	}
	return ProjectInformation{}, false, nil
}

package codesigning

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"

	"github.com/juju/clock"
	"github.com/juju/errors"
)

// Status is the verdict on a manifest signature.
type Status int

const (
	Valid Status = iota
	Invalid
	// Skipped means the manifest was not signed and unsigned manifests are allowed.
	Skipped
)

func (s Status) String() string {
	switch s {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	case Skipped:
		return "skipped"
	}
	return "unknown"
}

// ValidationResult is the outcome of ValidateSignature.
// ProjectInformation is only set for valid signatures by a certificate carrying it.
type ValidationResult struct {
	Status             Status
	ProjectInformation *ProjectInformation
}

// Verifier checks manifest signatures against a Configuration.
type Verifier struct {
	config *Configuration
	clock  clock.Clock
}

// NewVerifier uses the wall clock when clk is nil.
func NewVerifier(config *Configuration, clk clock.Clock) *Verifier {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Verifier{config: config, clock: clk}
}

// ValidateSignature checks signedData against the signature header of a manifest response.
// responseChain is the PEM certificate chain sent with the manifest, possibly empty.
//
// Errors are reserved for requests the configuration rejects outright: a missing
// or malformed header, or a key id or algorithm other than the configured one.
// A signature that does not verify, or a chain that is not trusted, is Invalid.
func (v *Verifier) ValidateSignature(signatureHeader string, signedData []byte, responseChain string) (ValidationResult, error) {
	if signatureHeader == "" {
		if v.config.options.AllowUnsignedManifests {
			return ValidationResult{Status: Skipped}, nil
		}
		return ValidationResult{}, ErrSignatureRequired
	}
	info, err := ParseSignatureHeader(signatureHeader)
	if err != nil {
		return ValidationResult{}, err
	}
	if info.KeyID != v.config.keyID {
		return ValidationResult{}, errors.Annotatef(ErrKeyIDMismatch, "expected %q, got %q", v.config.keyID, info.KeyID)
	}
	if info.Algorithm != v.config.algorithm {
		return ValidationResult{}, errors.Annotatef(ErrAlgorithmMismatch, "expected %q, got %q", v.config.algorithm, info.Algorithm)
	}
	signature, err := base64.StdEncoding.DecodeString(info.Signature)
	if err != nil {
		return ValidationResult{}, errors.Annotatef(ErrMalformedSignatureHeader, "signature is not base64: %v", err)
	}

	chain, err := v.certificateChain(responseChain)
	if err != nil {
		logger.Warningf("manifest certificate chain: %v", err)
		return ValidationResult{Status: Invalid}, nil
	}
	leaf, err := validateChain(chain, v.config.root(), v.clock.Now())
	if err != nil {
		logger.Warningf("untrusted code signing certificate: %v", err)
		return ValidationResult{Status: Invalid}, nil
	}
	publicKey, ok := leaf.PublicKey.(*rsa.PublicKey)
	if !ok {
		logger.Warningf("code signing certificate %q has no rsa key", leaf.Subject.CommonName)
		return ValidationResult{Status: Invalid}, nil
	}
	digest := sha256.Sum256(signedData)
	if err := rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, digest[:], signature); err != nil {
		logger.Debugf("manifest signature does not verify: %v", err)
		return ValidationResult{Status: Invalid}, nil
	}

	result := ValidationResult{Status: Valid}
	// validateChain already rejected malformed project information
	if project, ok, _ := projectInformation(leaf); ok {
		result.ProjectInformation = &project
	}
	return result, nil
}

// certificateChain is the response chain followed by the configured certificates.
func (v *Verifier) certificateChain(responseChain string) ([]*x509.Certificate, error) {
	if !v.config.options.IncludeManifestResponseCertificateChain || responseChain == "" {
		return v.config.embeddedCertificates, nil
	}
	fromResponse, err := parseCertificateChain(responseChain)
	if err != nil {
		return nil, err
	}
	return append(fromResponse, v.config.embeddedCertificates...), nil
}

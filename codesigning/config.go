// Package codesigning decides whether a manifest fetched from an update server can be trusted.
//
// Manifests are signed with the key of a code signing certificate. The certificate
// chain must end in the root certificate configured for the application.
package codesigning

import (
	"crypto/x509"
	"fmt"

	"github.com/dunglas/httpsfv"
	"github.com/juju/errors"

	"github.com/tweag/update-launcher/internal/logging"
)

var logger = logging.Child("codesigning")

const (
	ErrUnsupportedAlgorithm     = errors.ConstError("unsupported code signing algorithm")
	ErrKeyIDMismatch            = errors.ConstError("key id of signature does not match configuration")
	ErrAlgorithmMismatch        = errors.ConstError("algorithm of signature does not match configuration")
	ErrMalformedSignatureHeader = errors.ConstError("malformed signature header")
	ErrSignatureRequired        = errors.ConstError("manifest is not signed")
)

// Algorithm names a signature scheme as written in signature headers.
type Algorithm string

const RSASHA256 Algorithm = "rsa-v1_5-sha256"

const (
	DefaultAlgorithm = RSASHA256
	DefaultKeyID     = "root"
)

// Keys of the code signing metadata.
const (
	MetadataKeyID     = "keyid"
	MetadataAlgorithm = "alg"
)

// ParseAlgorithm accepts the empty string as the default algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(name) {
	case "":
		return DefaultAlgorithm, nil
	case RSASHA256:
		return RSASHA256, nil
	}
	return "", errors.Annotatef(ErrUnsupportedAlgorithm, "%q", name)
}

// Options are the switches of a Configuration.
type Options struct {
	// IncludeManifestResponseCertificateChain trusts intermediate certificates
	// sent along with the manifest, as long as they chain up to the configured root.
	IncludeManifestResponseCertificateChain bool
	AllowUnsignedManifests                  bool
}

// Configuration is the immutable code signing setup of an application.
type Configuration struct {
	embeddedCertificates []*x509.Certificate
	keyID                string
	algorithm            Algorithm
	options              Options
}

// NewConfiguration parses the trusted certificate PEM. It may be a chain ending in the root.
// metadata holds the expected "keyid" and "alg"; both have defaults.
// A key id that cannot be written in a signature header is rejected.
func NewConfiguration(certificatePEM string, metadata map[string]string, opts Options) (*Configuration, error) {
	algorithm, err := ParseAlgorithm(metadata[MetadataAlgorithm])
	if err != nil {
		return nil, err
	}
	keyID := metadata[MetadataKeyID]
	if keyID == "" {
		keyID = DefaultKeyID
	}
	// key ids travel as structured field strings, which only carry printable ASCII
	if _, err := httpsfv.Marshal(httpsfv.NewItem(keyID)); err != nil {
		return nil, errors.NewNotValid(err, fmt.Sprintf("code signing key id %q", keyID))
	}
	certificates, err := parseCertificateChain(certificatePEM)
	if err != nil {
		return nil, errors.Annotate(err, "code signing certificate")
	}
	return &Configuration{
		embeddedCertificates: certificates,
		keyID:                keyID,
		algorithm:            algorithm,
		options:              opts,
	}, nil
}

func (c *Configuration) KeyID() string { return c.keyID }

func (c *Configuration) Algorithm() Algorithm { return c.algorithm }

func (c *Configuration) Options() Options { return c.options }

// root is the last configured certificate.
func (c *Configuration) root() *x509.Certificate {
	return c.embeddedCertificates[len(c.embeddedCertificates)-1]
}

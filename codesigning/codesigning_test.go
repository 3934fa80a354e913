package codesigning_test

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/require"

	"github.com/tweag/update-launcher/codesigning"
)

const (
	testScopeKey  = "@test/app"
	testProjectID = "285dc9ca-a25d-4f60-93be-36dc312266d7"
)

var (
	now                   = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	projectInformationOID = asn1.ObjectIdentifier{1, 2, 840, 113556, 1, 8000, 2554, 43437, 254, 128, 102, 157, 7894389, 20439, 2, 1}
)

type testCertificate struct {
	certificate *x509.Certificate
	key         *rsa.PrivateKey
	pem         string
}

type certificateOptions struct {
	commonName  string
	ca          bool
	codeSigning bool
	project     string
	derProject  bool
	notAfter    time.Time
}

func newCertificate(t *testing.T, opts certificateOptions, parent *testCertificate) *testCertificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	require.NoError(t, err)
	notAfter := opts.notAfter
	if notAfter.IsZero() {
		notAfter = now.Add(365 * 24 * time.Hour)
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: opts.commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		IsCA:                  opts.ca,
	}
	if opts.ca {
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	} else {
		template.KeyUsage = x509.KeyUsageDigitalSignature
	}
	if opts.codeSigning {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning}
	}
	if opts.project != "" {
		value := []byte(opts.project)
		if opts.derProject {
			value, err = asn1.MarshalWithParams(opts.project, "utf8")
			require.NoError(t, err)
		}
		template.ExtraExtensions = []pkix.Extension{{Id: projectInformationOID, Value: value}}
	}
	signerCert, signerKey := template, key
	if parent != nil {
		signerCert, signerKey = parent.certificate, parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, template, signerCert, &key.PublicKey, signerKey)
	require.NoError(t, err)
	certificate, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testCertificate{
		certificate: certificate,
		key:         key,
		pem:         string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
	}
}

type fixture struct {
	root, intermediate, leaf *testCertificate
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	project := testProjectID + "," + testScopeKey
	root := newCertificate(t, certificateOptions{commonName: "root", ca: true}, nil)
	intermediate := newCertificate(t, certificateOptions{commonName: "intermediate", ca: true, project: project}, root)
	leaf := newCertificate(t, certificateOptions{commonName: "leaf", codeSigning: true, project: project, derProject: true}, intermediate)
	return fixture{root: root, intermediate: intermediate, leaf: leaf}
}

func sign(t *testing.T, key *rsa.PrivateKey, data []byte) string {
	t.Helper()
	digest := sha256.Sum256(data)
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(signature)
}

func header(signature, keyID string) string {
	return fmt.Sprintf(`sig="%s", keyid="%s", alg="rsa-v1_5-sha256"`, signature, keyID)
}

func newVerifier(t *testing.T, certificatePEM string, opts codesigning.Options) *codesigning.Verifier {
	t.Helper()
	config, err := codesigning.NewConfiguration(certificatePEM, nil, opts)
	require.NoError(t, err)
	return codesigning.NewVerifier(config, testclock.NewClock(now))
}

var manifest = []byte(`{"id":"0754dad0-d200-d634-113c-ef1f26106028","createdAt":"2024-03-01T12:00:00.000Z","runtimeVersion":"1.0.0"}`)

func TestValidSignatureWithResponseChain(t *testing.T) {
	f := newFixture(t)
	v := newVerifier(t, f.root.pem, codesigning.Options{IncludeManifestResponseCertificateChain: true})

	result, err := v.ValidateSignature(header(sign(t, f.leaf.key, manifest), "root"), manifest, f.leaf.pem+f.intermediate.pem)
	require.NoError(t, err)
	require.Equal(t, codesigning.Valid, result.Status)
	require.NotNil(t, result.ProjectInformation)
	require.Equal(t, testScopeKey, result.ProjectInformation.ScopeKey)
	require.Equal(t, testProjectID, result.ProjectInformation.ProjectID)
	require.True(t, result.ProjectInformation.Matches(testScopeKey, testProjectID))
}

func TestValidSignatureWithEmbeddedChain(t *testing.T) {
	f := newFixture(t)
	v := newVerifier(t, f.leaf.pem+"\n"+f.intermediate.pem+"\n"+f.root.pem, codesigning.Options{})

	// the response chain is ignored unless explicitly trusted
	result, err := v.ValidateSignature(header(sign(t, f.leaf.key, manifest), "root"), manifest, "garbage")
	require.NoError(t, err)
	require.Equal(t, codesigning.Valid, result.Status)
}

func TestInvalidSignatures(t *testing.T) {
	f := newFixture(t)
	v := newVerifier(t, f.root.pem, codesigning.Options{IncludeManifestResponseCertificateChain: true})
	chain := f.leaf.pem + f.intermediate.pem

	tests := []struct {
		name      string
		signature string
		data      []byte
		chain     string
	}{
		{"tampered signature", "aGVsbG8=", manifest, chain},
		{"tampered manifest", sign(t, f.leaf.key, manifest), append([]byte(" "), manifest...), chain},
		{"signed by another key", sign(t, f.intermediate.key, manifest), manifest, chain},
		{"missing intermediate", sign(t, f.leaf.key, manifest), manifest, f.leaf.pem},
		{"no response chain", sign(t, f.leaf.key, manifest), manifest, ""},
		{"unparsable chain", sign(t, f.leaf.key, manifest), manifest, "-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := v.ValidateSignature(header(tc.signature, "root"), tc.data, tc.chain)
			require.NoError(t, err)
			require.Equal(t, codesigning.Invalid, result.Status)
			require.Nil(t, result.ProjectInformation)
		})
	}
}

func TestUntrustedRoot(t *testing.T) {
	f := newFixture(t)
	other := newCertificate(t, certificateOptions{commonName: "root", ca: true}, nil)
	v := newVerifier(t, other.pem, codesigning.Options{IncludeManifestResponseCertificateChain: true})

	// the chain ends in a self-signed root, just not the configured one
	result, err := v.ValidateSignature(header(sign(t, f.leaf.key, manifest), "root"), manifest, f.leaf.pem+f.intermediate.pem+f.root.pem)
	require.NoError(t, err)
	require.Equal(t, codesigning.Invalid, result.Status)
}

func TestLeafRequirements(t *testing.T) {
	root := newCertificate(t, certificateOptions{commonName: "root", ca: true}, nil)
	tests := []struct {
		name string
		opts certificateOptions
	}{
		{"no code signing usage", certificateOptions{commonName: "leaf"}},
		{"expired", certificateOptions{commonName: "leaf", codeSigning: true, notAfter: now.Add(-time.Minute)}},
		{"malformed project information", certificateOptions{commonName: "leaf", codeSigning: true, project: "no-comma"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			leaf := newCertificate(t, tc.opts, root)
			v := newVerifier(t, root.pem, codesigning.Options{IncludeManifestResponseCertificateChain: true})
			result, err := v.ValidateSignature(header(sign(t, leaf.key, manifest), "root"), manifest, leaf.pem)
			require.NoError(t, err)
			require.Equal(t, codesigning.Invalid, result.Status)
		})
	}
}

func TestIntermediateProjectMismatch(t *testing.T) {
	root := newCertificate(t, certificateOptions{commonName: "root", ca: true}, nil)
	intermediate := newCertificate(t, certificateOptions{commonName: "intermediate", ca: true, project: "other-project,@other/app"}, root)
	leaf := newCertificate(t, certificateOptions{commonName: "leaf", codeSigning: true, project: testProjectID + "," + testScopeKey}, intermediate)
	v := newVerifier(t, root.pem, codesigning.Options{IncludeManifestResponseCertificateChain: true})

	result, err := v.ValidateSignature(header(sign(t, leaf.key, manifest), "root"), manifest, leaf.pem+intermediate.pem)
	require.NoError(t, err)
	require.Equal(t, codesigning.Invalid, result.Status)
}

func TestLeafWithoutProjectInformation(t *testing.T) {
	root := newCertificate(t, certificateOptions{commonName: "root", ca: true}, nil)
	leaf := newCertificate(t, certificateOptions{commonName: "leaf", codeSigning: true}, root)
	v := newVerifier(t, leaf.pem+root.pem, codesigning.Options{})

	result, err := v.ValidateSignature(header(sign(t, leaf.key, manifest), "root"), manifest, "")
	require.NoError(t, err)
	require.Equal(t, codesigning.Valid, result.Status)
	require.Nil(t, result.ProjectInformation)
}

func TestConfigurationErrors(t *testing.T) {
	f := newFixture(t)
	v := newVerifier(t, f.leaf.pem+f.intermediate.pem+f.root.pem, codesigning.Options{})
	signature := sign(t, f.leaf.key, manifest)

	_, err := v.ValidateSignature(header(signature, "other"), manifest, "")
	require.True(t, errors.Is(err, codesigning.ErrKeyIDMismatch), "got %v", err)

	_, err = v.ValidateSignature(fmt.Sprintf(`sig="%s", keyid="root", alg="rsa-v1_5-sha512"`, signature), manifest, "")
	require.True(t, errors.Is(err, codesigning.ErrAlgorithmMismatch), "got %v", err)

	_, err = v.ValidateSignature("", manifest, "")
	require.True(t, errors.Is(err, codesigning.ErrSignatureRequired), "got %v", err)

	_, err = v.ValidateSignature(`sig="not base64!"`, manifest, "")
	require.True(t, errors.Is(err, codesigning.ErrMalformedSignatureHeader), "got %v", err)

	// defaults apply when keyid and alg are omitted
	result, err := v.ValidateSignature(fmt.Sprintf(`sig="%s"`, signature), manifest, "")
	require.NoError(t, err)
	require.Equal(t, codesigning.Valid, result.Status)
}

func TestUnsignedManifests(t *testing.T) {
	f := newFixture(t)
	v := newVerifier(t, f.root.pem, codesigning.Options{AllowUnsignedManifests: true})
	result, err := v.ValidateSignature("", manifest, "")
	require.NoError(t, err)
	require.Equal(t, codesigning.Skipped, result.Status)

	// a signature that is present is still checked
	v = newVerifier(t, f.root.pem, codesigning.Options{AllowUnsignedManifests: true, IncludeManifestResponseCertificateChain: true})
	chain := f.leaf.pem + f.intermediate.pem
	result, err = v.ValidateSignature(header(sign(t, f.leaf.key, manifest), "root"), manifest, chain)
	require.NoError(t, err)
	require.Equal(t, codesigning.Valid, result.Status)

	result, err = v.ValidateSignature(header(sign(t, f.intermediate.key, manifest), "root"), manifest, chain)
	require.NoError(t, err)
	require.Equal(t, codesigning.Invalid, result.Status)
}

func TestNewConfiguration(t *testing.T) {
	f := newFixture(t)

	config, err := codesigning.NewConfiguration(f.root.pem, map[string]string{"keyid": "main", "alg": "rsa-v1_5-sha256"}, codesigning.Options{})
	require.NoError(t, err)
	require.Equal(t, "main", config.KeyID())
	require.Equal(t, codesigning.RSASHA256, config.Algorithm())

	_, err = codesigning.NewConfiguration(f.root.pem, map[string]string{"alg": "ed25519"}, codesigning.Options{})
	require.True(t, errors.Is(err, codesigning.ErrUnsupportedAlgorithm), "got %v", err)

	_, err = codesigning.NewConfiguration("not a certificate", nil, codesigning.Options{})
	require.Error(t, err)

	// key ids a signature header cannot carry
	for _, keyID := range []string{"héllo", "tab\there", "line\nbreak"} {
		_, err = codesigning.NewConfiguration(f.root.pem, map[string]string{"keyid": keyID}, codesigning.Options{})
		require.True(t, errors.Is(err, errors.NotValid), "keyid %q: got %v", keyID, err)
	}
}

func TestParseSignatureHeader(t *testing.T) {
	tests := []struct {
		header string
		want   codesigning.SignatureInfo
		err    bool
	}{
		{
			header: `sig="abc", keyid="test", alg="rsa-v1_5-sha256"`,
			want:   codesigning.SignatureInfo{Signature: "abc", KeyID: "test", Algorithm: codesigning.RSASHA256},
		},
		{
			header: `alg="rsa-v1_5-sha256", sig="abc"`,
			want:   codesigning.SignatureInfo{Signature: "abc", KeyID: "root", Algorithm: codesigning.RSASHA256},
		},
		{
			header: `sig="abc"`,
			want:   codesigning.SignatureInfo{Signature: "abc", KeyID: "root", Algorithm: codesigning.RSASHA256},
		},
		{header: `keyid="test"`, err: true},
		{header: `sig=1`, err: true},
		{header: `sig="abc`, err: true},
		{header: `sig`, err: true},
	}
	for _, tc := range tests {
		t.Run(tc.header, func(t *testing.T) {
			got, err := codesigning.ParseSignatureHeader(tc.header)
			if tc.err {
				require.True(t, errors.Is(err, codesigning.ErrMalformedSignatureHeader), "got %v", err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestAcceptSignatureHeader(t *testing.T) {
	f := newFixture(t)
	for keyID, want := range map[string]string{
		"":           `sig, keyid="root", alg="rsa-v1_5-sha256"`,
		"main":       `sig, keyid="main", alg="rsa-v1_5-sha256"`,
		`with"quote`: `sig, keyid="with\"quote", alg="rsa-v1_5-sha256"`,
		`back\slash`: `sig, keyid="back\\slash", alg="rsa-v1_5-sha256"`,
		`"\both\"`:   `sig, keyid="\"\\both\\\"", alg="rsa-v1_5-sha256"`,
	} {
		config, err := codesigning.NewConfiguration(f.root.pem, map[string]string{"keyid": keyID}, codesigning.Options{})
		require.NoError(t, err)
		got := config.CreateAcceptSignatureHeader()
		require.Equal(t, want, got)

		// the accept header is a valid dictionary carrying the same key id
		parsed, err := codesigning.ParseSignatureHeader(strings.Replace(got, "sig", `sig="x"`, 1))
		require.NoError(t, err)
		require.Equal(t, config.KeyID(), parsed.KeyID)
	}
}

func TestSplitCertificateChain(t *testing.T) {
	f := newFixture(t)
	parts, err := codesigning.SplitCertificateChain(f.leaf.pem + "\n\n" + f.intermediate.pem + "\n" + f.root.pem + "\n")
	require.NoError(t, err)
	require.Equal(t, []string{f.leaf.pem, f.intermediate.pem, f.root.pem}, parts)

	parts, err = codesigning.SplitCertificateChain("\n" + f.leaf.pem + "\n\n")
	require.NoError(t, err)
	require.Equal(t, []string{f.leaf.pem}, parts)

	parts, err = codesigning.SplitCertificateChain(f.leaf.pem + "\n\n\n" + f.root.pem)
	require.NoError(t, err)
	require.Equal(t, []string{f.leaf.pem, f.root.pem}, parts)

	_, err = codesigning.SplitCertificateChain("")
	require.Error(t, err)
	_, err = codesigning.SplitCertificateChain(f.leaf.pem + "trailing")
	require.Error(t, err)
}

package codesigning

import (
	"github.com/dunglas/httpsfv"
	"github.com/juju/errors"
)

// Names of the members of the signature and accept-signature headers.
const (
	headerSignature = "sig"
	headerKeyID     = "keyid"
	headerAlgorithm = "alg"
)

// SignatureInfo is the decoded signature header.
type SignatureInfo struct {
	// Signature is base64 encoded.
	Signature string
	KeyID     string
	Algorithm Algorithm
}

// ParseSignatureHeader decodes a structured field dictionary such as
//
//	sig="<base64>", keyid="root", alg="rsa-v1_5-sha256"
func ParseSignatureHeader(header string) (SignatureInfo, error) {
	dict, err := httpsfv.UnmarshalDictionary([]string{header})
	if err != nil {
		return SignatureInfo{}, errors.Annotatef(ErrMalformedSignatureHeader, "%v", err)
	}
	signature, ok := stringMember(dict, headerSignature)
	if !ok {
		return SignatureInfo{}, errors.Annotatef(ErrMalformedSignatureHeader, "no %q string", headerSignature)
	}
	info := SignatureInfo{
		Signature: signature,
		KeyID:     DefaultKeyID,
		Algorithm: DefaultAlgorithm,
	}
	if keyID, ok := stringMember(dict, headerKeyID); ok {
		info.KeyID = keyID
	}
	if algorithm, ok := stringMember(dict, headerAlgorithm); ok {
		info.Algorithm = Algorithm(algorithm)
	}
	return info, nil
}

func stringMember(dict *httpsfv.Dictionary, name string) (string, bool) {
	member, ok := dict.Get(name)
	if !ok {
		return "", false
	}
	item, ok := member.(httpsfv.Item)
	if !ok {
		return "", false
	}
	switch v := item.Value.(type) {
	case string:
		return v, true
	case httpsfv.Token:
		return string(v), true
	}
	return "", false
}

// CreateAcceptSignatureHeader tells the update server which signature the application expects.
func (c *Configuration) CreateAcceptSignatureHeader() string {
	dict := httpsfv.NewDictionary()
	dict.Add(headerSignature, httpsfv.NewItem(true))
	dict.Add(headerKeyID, httpsfv.NewItem(c.keyID))
	dict.Add(headerAlgorithm, httpsfv.NewItem(string(c.algorithm)))
	header, err := httpsfv.Marshal(dict)
	if err != nil {
		// unreachable for key ids accepted by NewConfiguration
		logger.Warningf("serializing accept-signature header: %v", err)
		return headerSignature
	}
	return header
}

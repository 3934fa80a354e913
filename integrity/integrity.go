package integrity

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"io"
	"iter"
	"strings"

	"github.com/juju/errors"
)

// ErrChecksumMismatch is returned when content does not hash to the expected checksum.
const ErrChecksumMismatch = errors.ConstError("checksum mismatch")

// Digest is the hash of a blob plus its size in bytes, as used by
// content addressable storage. The hash is stored inline.
type Digest struct {
	// Inlined array of bytes representing the hash.
	// This uses the maximum size of a supported hash (64 bytes).
	// The contents of the unused bytes are unspecified and must be ignored.
	hash [64]byte
	// Size of the content in bytes.
	SizeBytes int64
}

func NewDigest(hash []byte, sizeBytes int64, algorithm Algorithm) Digest {
	if len(hash) != algorithm.SizeBytes() {
		panic("hash length does not match algorithm size")
	}
	out := Digest{SizeBytes: sizeBytes}
	copy(out.hash[:], hash)
	return out
}

// DigestFromHex parses a lowercase hexadecimal hash, the encoding used by the remote execution API.
func DigestFromHex(hexDigest string, sizeBytes int64, algorithm Algorithm) (Digest, error) {
	hash, err := hex.DecodeString(hexDigest)
	if err != nil {
		return Digest{}, errors.Annotatef(err, "decoding hex digest %q", hexDigest)
	}
	if len(hash) != algorithm.SizeBytes() {
		return Digest{}, errors.Errorf("unexpected hash size in hex digest %q: got %d, want %d", hexDigest, len(hash), algorithm.SizeBytes())
	}
	return NewDigest(hash, sizeBytes, algorithm), nil
}

func (d Digest) Equals(other Digest, algorithm Algorithm) bool {
	if d.Uninitialized() || other.Uninitialized() {
		// uninitialized digests are never equal to anything
		return false
	}
	if d.SizeBytes != other.SizeBytes {
		return false
	}
	sz := algorithm.SizeBytes()
	return bytes.Equal(d.hash[:sz], other.hash[:sz])
}

func (d Digest) Uninitialized() bool {
	return d.SizeBytes == 0 && d.hash == [64]byte{}
}

// CopyHashInto copies the hash into the destination buffer.
// The destination buffer must be at least the size of the hash.
func (d Digest) CopyHashInto(dest []byte, algorithm Algorithm) error {
	sz := algorithm.SizeBytes()
	if len(dest) < sz {
		return errors.Errorf("destination buffer is too small: got %d, want %d", len(dest), sz)
	}
	copy(dest, d.hash[:sz])
	return nil
}

func (d Digest) Hex(algorithm Algorithm) string {
	return hex.EncodeToString(d.hash[:algorithm.SizeBytes()])
}

// CalculateDigest reads r until EOF and returns its digest.
func CalculateDigest(r io.Reader, algorithm Algorithm) (Digest, error) {
	hasher := algorithm.Hasher()
	n, err := io.Copy(hasher, r)
	if err != nil {
		return Digest{}, errors.Trace(err)
	}
	return NewDigest(hasher.Sum(nil), n, algorithm), nil
}

// Checksum is the expected hash of an asset for a single algorithm.
// It doesn't contain the size of the contents.
type Checksum struct {
	Algorithm Algorithm
	Hash      []byte
}

// ChecksumFromSRI parses a subresource integrity string such as "sha256-<base64>".
func ChecksumFromSRI(sri string) (Checksum, error) {
	name, encoded, ok := strings.Cut(sri, "-")
	if !ok {
		return Checksum{}, errors.NotValidf("sri %q", sri)
	}
	algorithm, ok := AlgorithmFromString(name)
	if !ok {
		return Checksum{}, errors.NotSupportedf("algorithm in sri %q", sri)
	}
	hash, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Checksum{}, errors.Annotatef(err, "decoding sri hash from base64 in %q", sri)
	}
	return newChecksum(algorithm, hash)
}

// ChecksumFromBase64URL parses an unpadded base64url encoded SHA-256 hash,
// the encoding used by update manifests.
func ChecksumFromBase64URL(encoded string) (Checksum, error) {
	hash, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return Checksum{}, errors.Annotatef(err, "decoding base64url hash %q", encoded)
	}
	return newChecksum(SHA256, hash)
}

// ChecksumFromHex parses a hexadecimal SHA-256 hash.
func ChecksumFromHex(encoded string) (Checksum, error) {
	hash, err := hex.DecodeString(encoded)
	if err != nil {
		return Checksum{}, errors.Annotatef(err, "decoding hex hash %q", encoded)
	}
	return newChecksum(SHA256, hash)
}

// ParseChecksum accepts any of the textual forms produced by this package:
// SRI, hex or base64url (the last two imply SHA-256).
func ParseChecksum(s string) (Checksum, error) {
	if name, _, ok := strings.Cut(s, "-"); ok {
		if _, known := AlgorithmFromString(name); known {
			return ChecksumFromSRI(s)
		}
	}
	if len(s) == hex.EncodedLen(SHA256.SizeBytes()) {
		if c, err := ChecksumFromHex(s); err == nil {
			return c, nil
		}
	}
	return ChecksumFromBase64URL(s)
}

func newChecksum(algorithm Algorithm, hash []byte) (Checksum, error) {
	if len(hash) != algorithm.SizeBytes() {
		return Checksum{}, errors.Errorf("unexpected %s hash size: got %d, want %d", algorithm, len(hash), algorithm.SizeBytes())
	}
	return Checksum{Algorithm: algorithm, Hash: hash}, nil
}

func ChecksumFromDigest(digest Digest, algorithm Algorithm) Checksum {
	hash := make([]byte, algorithm.SizeBytes())
	copy(hash, digest.hash[:])
	return Checksum{Algorithm: algorithm, Hash: hash}
}

func (c Checksum) ToSRI() string {
	return c.Algorithm.String() + "-" + base64.StdEncoding.EncodeToString(c.Hash)
}

func (c Checksum) Base64URL() string {
	return base64.RawURLEncoding.EncodeToString(c.Hash)
}

func (c Checksum) Hex() string {
	return hex.EncodeToString(c.Hash)
}

func (c Checksum) String() string {
	if c.Empty() {
		return "<empty>"
	}
	return c.ToSRI()
}

func (c Checksum) Equals(other Checksum) bool {
	return c.Algorithm == other.Algorithm && len(c.Hash) > 0 && len(other.Hash) > 0 && bytes.Equal(c.Hash, other.Hash)
}

// Empty returns true if the checksum is empty.
func (c Checksum) Empty() bool {
	return len(c.Hash) == 0
}

// ZeroSized returns true if the checksum is well-known
// to represent a zero-sized file.
func (c Checksum) ZeroSized() bool {
	switch c.Algorithm {
	case SHA256:
		return bytes.Equal(c.Hash, zeroSizedChecksumSHA256[:])
	case SHA384:
		return bytes.Equal(c.Hash, zeroSizedChecksumSHA384[:])
	case SHA512:
		return bytes.Equal(c.Hash, zeroSizedChecksumSHA512[:])
	}
	return false
}

// CheckContent hashes r and compares the result against the checksum.
// The returned digest is valid even when the checksum does not match.
func (c Checksum) CheckContent(r io.Reader) (Digest, error) {
	if c.Empty() {
		return Digest{}, errors.NotValidf("empty checksum")
	}
	digest, err := CalculateDigest(r, c.Algorithm)
	if err != nil {
		return Digest{}, err
	}
	if !bytes.Equal(digest.hash[:c.Algorithm.SizeBytes()], c.Hash) {
		return digest, errors.Annotatef(ErrChecksumMismatch, "expected %s, got %s", c, ChecksumFromDigest(digest, c.Algorithm))
	}
	return digest, nil
}

// Integrity holds checksums of one artifact for multiple algorithms.
// Not space-efficient, but needs no additional allocations per checksum.
type Integrity struct {
	sha256 Checksum
	sha384 Checksum
	sha512 Checksum
}

func (i Integrity) Empty() bool {
	return i.sha256.Hash == nil && i.sha384.Hash == nil && i.sha512.Hash == nil
}

func (i Integrity) Items() iter.Seq[Checksum] {
	return func(yield func(Checksum) bool) {
		for _, alg := range SupportedAlgorithms() {
			if checksum, ok := i.ChecksumForAlgorithm(alg); ok {
				if !yield(checksum) {
					return
				}
			}
		}
	}
}

func IntegrityFromChecksums(checksums ...Checksum) Integrity {
	i := Integrity{}
	for _, c := range checksums {
		switch c.Algorithm {
		case SHA256:
			i.sha256 = c
		case SHA384:
			i.sha384 = c
		case SHA512:
			i.sha512 = c
		}
	}
	return i
}

func (i Integrity) ChecksumForAlgorithm(alg Algorithm) (Checksum, bool) {
	switch alg {
	case SHA256:
		return i.sha256, i.sha256.Hash != nil
	case SHA384:
		return i.sha384, i.sha384.Hash != nil
	case SHA512:
		return i.sha512, i.sha512.Hash != nil
	}
	return Checksum{}, false
}

type Algorithm struct{ name string }

func (a Algorithm) String() string { return a.name }

func AlgorithmFromString(name string) (Algorithm, bool) {
	switch strings.ToLower(name) {
	case "sha256":
		return SHA256, true
	case "sha384":
		return SHA384, true
	case "sha512":
		return SHA512, true
	}
	return Algorithm{}, false
}

func (a Algorithm) SizeBytes() int {
	switch a {
	case SHA256:
		return 32
	case SHA384:
		return 48
	case SHA512:
		return 64
	}
	// Should be unreachable.
	panic("unsupported algorithm")
}

// Identifier is a one byte tag for the algorithm, used as part of cache keys.
func (a Algorithm) Identifier() byte {
	switch a {
	case SHA256:
		return 1
	case SHA384:
		return 2
	case SHA512:
		return 3
	}
	panic("unsupported algorithm")
}

func (a Algorithm) Hasher() hash.Hash {
	switch a {
	case SHA256:
		return sha256.New()
	case SHA384:
		return sha512.New384()
	case SHA512:
		return sha512.New()
	}
	panic("unsupported algorithm")
}

var (
	SHA256 Algorithm = Algorithm{"sha256"}
	SHA384 Algorithm = Algorithm{"sha384"}
	SHA512 Algorithm = Algorithm{"sha512"}
)

func SupportedAlgorithms() []Algorithm {
	return []Algorithm{SHA256, SHA384, SHA512}
}

var (
	// zeroSizedChecksumSHA256 is sha256 of an empty file.
	// Hex: e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855
	zeroSizedChecksumSHA256 = [32]byte{
		0xe3, 0xb0, 0xc4, 0x42, 0x98, 0xfc, 0x1c, 0x14, 0x9a, 0xfb, 0xf4, 0xc8, 0x99, 0x6f, 0xb9, 0x24,
		0x27, 0xae, 0x41, 0xe4, 0x64, 0x9b, 0x93, 0x4c, 0xa4, 0x95, 0x99, 0x1b, 0x78, 0x52, 0xb8, 0x55,
	}

	// zeroSizedChecksumSHA384 is sha384 of an empty file.
	zeroSizedChecksumSHA384 = [48]byte{
		0x38, 0xb0, 0x60, 0xa7, 0x51, 0xac, 0x96, 0x38, 0x4c, 0xd9, 0x32, 0x7e, 0xb1, 0xb1, 0xe3, 0x6a,
		0x21, 0xfd, 0xb7, 0x11, 0x14, 0xbe, 0x07, 0x43, 0x4c, 0x0c, 0xc7, 0xbf, 0x63, 0xf6, 0xe1, 0xda,
		0x27, 0x4e, 0xde, 0xbf, 0xe7, 0x6f, 0x65, 0xfb, 0xd5, 0x1a, 0xd2, 0xf1, 0x48, 0x98, 0xb9, 0x5b,
	}

	// zeroSizedChecksumSHA512 is sha512 of an empty file.
	zeroSizedChecksumSHA512 = [64]byte{
		0xcf, 0x83, 0xe1, 0x35, 0x7e, 0xef, 0xb8, 0xbd, 0xf1, 0x54, 0x28, 0x50, 0xd6, 0x6d, 0x80, 0x07,
		0xd6, 0x20, 0xe4, 0x05, 0x0b, 0x57, 0x15, 0xdc, 0x83, 0xf4, 0xa9, 0x21, 0xd3, 0x6c, 0xe9, 0xce,
		0x47, 0xd0, 0xd1, 0x3c, 0x5d, 0x85, 0xf2, 0xb0, 0xff, 0x83, 0x18, 0xd2, 0x87, 0x7e, 0xec, 0x2f,
		0x63, 0xb9, 0x31, 0xbd, 0x47, 0x41, 0x7a, 0x81, 0xa5, 0x38, 0x32, 0x7a, 0xf9, 0x27, 0xda, 0x3e,
	}
)

// Package keys decodes the signing key material used to mint service-account
// assertions.
//
// Decoding support is selected per deployment through a KeyType; each type
// has exactly one decoder and decoders never fall back to one another.
package keys

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/elbader17/quirefdw/pkg/fdwerr"
)

// Algorithm is the signing algorithm a KeyMaterial is meant for.
type Algorithm string

const (
	HS256 Algorithm = "HS256"
	RS256 Algorithm = "RS256"
)

// KeyType is the declared kind of key a deployment is configured with.
type KeyType string

const (
	KeyTypeRSA  KeyType = "rsa"
	KeyTypeHMAC KeyType = "hmac"
)

// KeyMaterial is an immutable, decoded signing key.
type KeyMaterial struct {
	alg Algorithm
	raw []byte
	rsa *rsa.PrivateKey
	kid string
}

// Algorithm returns the algorithm tag of the key.
func (k *KeyMaterial) Algorithm() Algorithm { return k.alg }

// KeyID returns the optional key identifier placed in assertion headers.
func (k *KeyMaterial) KeyID() string { return k.kid }

// WithKeyID returns a copy of k carrying the given key identifier.
func (k *KeyMaterial) WithKeyID(kid string) *KeyMaterial {
	c := *k
	c.kid = kid
	return &c
}

// Raw returns a copy of the raw key bytes: the PKCS#1 DER for RSA keys or
// the shared secret for HMAC keys.
func (k *KeyMaterial) Raw() []byte { return bytes.Clone(k.raw) }

// Secret returns the HMAC secret, or nil for RSA keys.
func (k *KeyMaterial) Secret() []byte {
	if k.alg != HS256 {
		return nil
	}
	return bytes.Clone(k.raw)
}

// RSA returns the parsed private key, or nil for HMAC keys.
func (k *KeyMaterial) RSA() *rsa.PrivateKey { return k.rsa }

func (k *KeyMaterial) String() string {
	return fmt.Sprintf("KeyMaterial(%s, %d bytes)", k.alg, len(k.raw))
}

func (k *KeyMaterial) GoString() string { return k.String() }

// Decoder turns configured key text into KeyMaterial.
type Decoder interface {
	Decode(input []byte) (*KeyMaterial, error)
}

var decoders = map[KeyType]Decoder{
	KeyTypeRSA:  rsaDecoder{},
	KeyTypeHMAC: hmacDecoder{},
}

// Decode decodes input with the decoder registered for kt.
func Decode(kt KeyType, input []byte) (*KeyMaterial, error) {
	d, ok := decoders[kt]
	if !ok {
		return nil, &fdwerr.KeyFormatError{Reason: fmt.Sprintf("unsupported key type %q", kt)}
	}
	return d.Decode(input)
}

// NewHMAC wraps a raw shared secret.
func NewHMAC(secret []byte) (*KeyMaterial, error) {
	if len(secret) == 0 {
		return nil, &fdwerr.KeyFormatError{Reason: "empty shared secret"}
	}
	return &KeyMaterial{alg: HS256, raw: bytes.Clone(secret)}, nil
}

// NewRSA wraps an already parsed RSA key.
func NewRSA(key *rsa.PrivateKey) (*KeyMaterial, error) {
	if key == nil {
		return nil, &fdwerr.KeyFormatError{Reason: "nil RSA key"}
	}
	return &KeyMaterial{alg: RS256, raw: x509.MarshalPKCS1PrivateKey(key), rsa: key}, nil
}

type rsaDecoder struct{}

func (rsaDecoder) Decode(input []byte) (*KeyMaterial, error) {
	block, err := decodeArmor(input)
	if err != nil {
		return nil, err
	}

	var der []byte
	switch block.Type {
	case "PRIVATE KEY":
		oid, inner, err := parsePKCS8(block.Bytes)
		if err != nil {
			return nil, err
		}
		if !oid.Equal(oidRSAEncryption) {
			return nil, &fdwerr.KeyFormatError{Reason: fmt.Sprintf("expected rsaEncryption key, container holds %s", oid)}
		}
		der = inner
	case "RSA PRIVATE KEY":
		der = block.Bytes
	default:
		return nil, &fdwerr.KeyFormatError{Reason: fmt.Sprintf("unexpected PEM block %q", block.Type)}
	}

	key, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, &fdwerr.KeyFormatError{Reason: "invalid RSA private key structure"}
	}
	return &KeyMaterial{alg: RS256, raw: bytes.Clone(der), rsa: key}, nil
}

type hmacDecoder struct{}

// Decode accepts either a raw secret or a PKCS#8 container whose algorithm
// is hmacWithSHA256.
func (hmacDecoder) Decode(input []byte) (*KeyMaterial, error) {
	if !bytes.Contains(input, []byte(armorBegin)) {
		return NewHMAC(input)
	}
	block, err := decodeArmor(input)
	if err != nil {
		return nil, err
	}
	if block.Type != "PRIVATE KEY" {
		return nil, &fdwerr.KeyFormatError{Reason: fmt.Sprintf("unexpected PEM block %q", block.Type)}
	}
	oid, inner, err := parsePKCS8(block.Bytes)
	if err != nil {
		return nil, err
	}
	if !oid.Equal(oidHMACWithSHA256) {
		return nil, &fdwerr.KeyFormatError{Reason: fmt.Sprintf("expected hmacWithSHA256 key, container holds %s", oid)}
	}
	return NewHMAC(inner)
}

// Encode re-armors k as a PKCS#8 "PRIVATE KEY" PEM block.
func Encode(k *KeyMaterial) ([]byte, error) {
	oid := oidRSAEncryption
	if k.alg == HS256 {
		oid = oidHMACWithSHA256
	}
	der, err := buildPKCS8(oid, k.raw)
	if err != nil {
		return nil, &fdwerr.KeyFormatError{Reason: "cannot encode PKCS#8", Err: err}
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

const armorBegin = "-----BEGIN "

func decodeArmor(input []byte) (*pem.Block, error) {
	start := bytes.Index(input, []byte(armorBegin))
	if start < 0 {
		return nil, &fdwerr.KeyFormatError{Reason: "missing PEM armor"}
	}
	block, _ := pem.Decode(input)
	if block != nil {
		return block, nil
	}

	// pem.Decode does not say why it failed; tell mismatched markers apart
	// from a corrupt body.
	rest := input[start+len(armorBegin):]
	end := bytes.Index(rest, []byte("-----"))
	if end < 0 {
		return nil, &fdwerr.KeyFormatError{Reason: "malformed PEM begin marker"}
	}
	typ := rest[:end]
	if !bytes.Contains(rest, append(append([]byte("-----END "), typ...), []byte("-----")...)) {
		return nil, &fdwerr.KeyFormatError{Reason: fmt.Sprintf("missing or mismatched PEM end marker for %q", typ)}
	}
	return nil, &fdwerr.KeyFormatError{Reason: "invalid base64 in PEM body"}
}

package keys

import (
	encoding_asn1 "encoding/asn1"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	"github.com/elbader17/quirefdw/pkg/fdwerr"
)

var (
	oidRSAEncryption  = encoding_asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	oidHMACWithSHA256 = encoding_asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 9}
)

// parsePKCS8 reads a PrivateKeyInfo / OneAsymmetricKey structure and returns
// its algorithm identifier and the privateKey octets.
//
//	PrivateKeyInfo ::= SEQUENCE {
//	  version             INTEGER,
//	  privateKeyAlgorithm AlgorithmIdentifier,
//	  privateKey          OCTET STRING,
//	  attributes      [0] IMPLICIT Attributes OPTIONAL,
//	  publicKey       [1] IMPLICIT BIT STRING OPTIONAL }
func parsePKCS8(der []byte) (encoding_asn1.ObjectIdentifier, []byte, error) {
	input := cryptobyte.String(der)
	var info cryptobyte.String
	if !input.ReadASN1(&info, asn1.SEQUENCE) || !input.Empty() {
		return nil, nil, &fdwerr.KeyFormatError{Reason: "DER is not a single PrivateKeyInfo sequence"}
	}

	var version int64
	if !info.ReadASN1Integer(&version) || (version != 0 && version != 1) {
		return nil, nil, &fdwerr.KeyFormatError{Reason: "unsupported PrivateKeyInfo version"}
	}

	var algID cryptobyte.String
	var oid encoding_asn1.ObjectIdentifier
	if !info.ReadASN1(&algID, asn1.SEQUENCE) || !algID.ReadASN1ObjectIdentifier(&oid) {
		return nil, nil, &fdwerr.KeyFormatError{Reason: "malformed AlgorithmIdentifier"}
	}
	if !algID.SkipOptionalASN1(asn1.NULL) || !algID.Empty() {
		return nil, nil, &fdwerr.KeyFormatError{Reason: "unexpected AlgorithmIdentifier parameters"}
	}

	var key cryptobyte.String
	if !info.ReadASN1(&key, asn1.OCTET_STRING) {
		return nil, nil, &fdwerr.KeyFormatError{Reason: "missing privateKey octets"}
	}
	if !info.SkipOptionalASN1(asn1.Tag(0).Constructed().ContextSpecific()) ||
		!info.SkipOptionalASN1(asn1.Tag(1).ContextSpecific()) ||
		!info.Empty() {
		return nil, nil, &fdwerr.KeyFormatError{Reason: "trailing data in PrivateKeyInfo"}
	}
	if len(key) == 0 {
		return nil, nil, &fdwerr.KeyFormatError{Reason: "empty privateKey octets"}
	}
	return oid, []byte(key), nil
}

func buildPKCS8(oid encoding_asn1.ObjectIdentifier, key []byte) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(0)
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oid)
			b.AddASN1NULL()
		})
		b.AddASN1OctetString(key)
	})
	return b.Bytes()
}

package keys

import (
	"encoding/json"

	"github.com/elbader17/quirefdw/pkg/fdwerr"
)

// ServiceAccount is the subset of a Google service-account JSON file needed
// to mint assertions.
type ServiceAccount struct {
	Type         string `json:"type"`
	ClientEmail  string `json:"client_email"`
	PrivateKey   string `json:"private_key"`
	PrivateKeyID string `json:"private_key_id"`
	TokenURI     string `json:"token_uri"`
}

// ParseServiceAccount reads a service-account JSON document.
func ParseServiceAccount(data []byte) (*ServiceAccount, error) {
	var sa ServiceAccount
	if err := json.Unmarshal(data, &sa); err != nil {
		return nil, &fdwerr.KeyFormatError{Reason: "invalid service account JSON"}
	}
	if sa.Type != "" && sa.Type != "service_account" {
		return nil, &fdwerr.KeyFormatError{Reason: "credentials type is " + sa.Type + ", want service_account"}
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return nil, &fdwerr.KeyFormatError{Reason: "service account JSON lacks client_email or private_key"}
	}
	return &sa, nil
}

// Key decodes the embedded RSA private key, tagging it with private_key_id.
func (sa *ServiceAccount) Key() (*KeyMaterial, error) {
	km, err := Decode(KeyTypeRSA, []byte(sa.PrivateKey))
	if err != nil {
		return nil, err
	}
	return km.WithKeyID(sa.PrivateKeyID), nil
}

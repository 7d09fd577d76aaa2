package wgx

import (
	"errors"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

var ErrInvalidKey = errors.New("invalid wireguard key")

// GeneratePrivateKey returns a fresh base64-encoded private key.
func GeneratePrivateKey() (string, error) {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return "", err
	}
	return key.String(), nil
}

// DerivePublicKey computes the public key for a base64-encoded private key.
func DerivePublicKey(privateKey string) (string, error) {
	key, err := wgtypes.ParseKey(privateKey)
	if err != nil {
		return "", ErrInvalidKey
	}
	return key.PublicKey().String(), nil
}

// IsValidKey reports whether s parses as a WireGuard key.
func IsValidKey(s string) bool {
	if s == "" {
		return false
	}
	_, err := wgtypes.ParseKey(s)
	return err == nil
}

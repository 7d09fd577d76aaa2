package requester

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"tunneld/internal/wgx"
)

// KeyPair is a requester's long-term identity toward one provider.
type KeyPair struct {
	Private string
	Public  string
}

// KeyStore caches one key pair per provider URL on disk. Pairs are
// generated on first use and reused forever after.
type KeyStore struct {
	dir string
}

func NewKeyStore(dir string) *KeyStore {
	return &KeyStore{dir: dir}
}

// GetOrGenerate returns the stored pair for providerURL, generating and
// persisting a fresh one when none exists. A stored pair whose public half
// no longer matches the private key is regenerated and overwritten.
func (ks *KeyStore) GetOrGenerate(providerURL string) (KeyPair, error) {
	base := filepath.Join(ks.dir, SanitizeURL(providerURL))
	privPath := base + ".key"
	pubPath := base + ".pub"

	priv, privErr := os.ReadFile(privPath)
	pub, pubErr := os.ReadFile(pubPath)
	if privErr == nil && pubErr == nil {
		pair := KeyPair{
			Private: strings.TrimSpace(string(priv)),
			Public:  strings.TrimSpace(string(pub)),
		}
		derived, err := wgx.DerivePublicKey(pair.Private)
		if err == nil && derived == pair.Public {
			return pair, nil
		}
		log.Printf("stored key pair for %s is inconsistent, regenerating", providerURL)
	} else if privErr != nil && !os.IsNotExist(privErr) {
		return KeyPair{}, privErr
	}

	privateKey, err := wgx.GeneratePrivateKey()
	if err != nil {
		return KeyPair{}, err
	}
	publicKey, err := wgx.DerivePublicKey(privateKey)
	if err != nil {
		return KeyPair{}, err
	}

	if err := os.MkdirAll(ks.dir, 0o700); err != nil {
		return KeyPair{}, err
	}
	if err := os.WriteFile(privPath, []byte(privateKey+"\n"), 0o600); err != nil {
		return KeyPair{}, err
	}
	if err := os.WriteFile(pubPath, []byte(publicKey+"\n"), 0o600); err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Private: privateKey, Public: publicKey}, nil
}

// SanitizeURL maps a provider URL to a deterministic filesystem-safe name.
func SanitizeURL(providerURL string) string {
	s := strings.TrimPrefix(providerURL, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimRight(s, "/")
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "provider"
	}
	return b.String()
}

// hashName derives a short stable token from a provider URL, used for
// interface names (the kernel caps them at 15 characters).
func hashName(providerURL string) string {
	var h uint32 = 2166136261
	for i := 0; i < len(providerURL); i++ {
		h ^= uint32(providerURL[i])
		h *= 16777619
	}
	return fmt.Sprintf("%08x", h)
}

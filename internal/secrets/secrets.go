// Package secrets encrypts individual config values with age.
//
// An encrypted value is written ENC[<base64 age ciphertext>] and may appear
// anywhere a string is accepted in a cmdq TOML file. Each binary decrypts
// its own config at load time with an identity found through Resolve.
package secrets

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"github.com/spf13/viper"
)

const (
	encPrefix = "ENC["
	encSuffix = "]"

	// DefaultKeyFilename is the identity file looked up in ~/.config/cmdq.
	DefaultKeyFilename = "age.key"

	// EnvAgeKey holds a raw AGE-SECRET-KEY-1... string.
	EnvAgeKey = "CMDQ_AGE_KEY"

	// EnvAgeKeyFile holds the path of an age identity file.
	EnvAgeKeyFile = "CMDQ_AGE_KEY_FILE"

	// ConfigKeyIdentity is the config key naming an identity file.
	ConfigKeyIdentity = "secrets.identity"
)

// ErrNoIdentity is returned by DecryptConfig when the config holds
// encrypted values but no identity is configured.
var ErrNoIdentity = errors.New("config contains encrypted values but no age identity is configured; set " +
	EnvAgeKey + ", " + EnvAgeKeyFile + " or " + ConfigKeyIdentity)

// IsEncrypted reports whether value is wrapped in ENC[...].
func IsEncrypted(value string) bool {
	return len(value) > len(encPrefix)+len(encSuffix) &&
		strings.HasPrefix(value, encPrefix) && strings.HasSuffix(value, encSuffix)
}

// Encrypt seals plaintext for recipients and wraps it as ENC[...].
func Encrypt(plaintext string, recipients ...age.Recipient) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipients...)
	if err != nil {
		return "", fmt.Errorf("create age encryptor: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("write plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize encryption: %w", err)
	}
	return encPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()) + encSuffix, nil
}

// Decrypt opens an ENC[...] value with any of identities.
func Decrypt(enc string, identities ...age.Identity) (string, error) {
	if !IsEncrypted(enc) {
		return "", errors.New("value is not encrypted (missing ENC[...] wrapper)")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(enc[len(encPrefix) : len(enc)-len(encSuffix)])
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identities...)
	if err != nil {
		return "", fmt.Errorf("age decrypt: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read decrypted data: %w", err)
	}
	return string(plaintext), nil
}

// GenerateKeyPair generates a new X25519 identity.
func GenerateKeyPair() (*age.X25519Identity, error) {
	return age.GenerateX25519Identity()
}

// WriteIdentityFile writes id to path with owner-only permissions,
// creating parent directories. It refuses to overwrite an existing file.
func WriteIdentityFile(path string, id *age.X25519Identity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	content := fmt.Sprintf("# public key: %s\n%s\n", id.Recipient(), id)
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadIdentity reads identities from an age key file.
func LoadIdentity(keyPath string) ([]age.Identity, error) {
	f, err := os.Open(keyPath)
	if err != nil {
		return nil, fmt.Errorf("open identity file: %w", err)
	}
	defer f.Close()
	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	return identities, nil
}

// IdentityFromString parses a raw AGE-SECRET-KEY-1... string.
func IdentityFromString(key string) (*age.X25519Identity, error) {
	return age.ParseX25519Identity(strings.TrimSpace(key))
}

// ParseRecipient parses an age1... public key.
func ParseRecipient(s string) (*age.X25519Recipient, error) {
	return age.ParseX25519Recipient(strings.TrimSpace(s))
}

// DefaultKeyPath is ~/.config/cmdq/age.key, or "" if the home directory
// is unknown.
func DefaultKeyPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config", "cmdq", DefaultKeyFilename)
}

// Resolve finds the identity to decrypt with. The first source set wins:
// CMDQ_AGE_KEY, CMDQ_AGE_KEY_FILE, the secrets.identity config key, then
// the default key file if it exists. It returns nil, nil when none is set.
func Resolve(v *viper.Viper) ([]age.Identity, error) {
	if raw := os.Getenv(EnvAgeKey); raw != "" {
		id, err := IdentityFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvAgeKey, err)
		}
		return []age.Identity{id}, nil
	}
	if path := os.Getenv(EnvAgeKeyFile); path != "" {
		return LoadIdentity(path)
	}
	if path := v.GetString(ConfigKeyIdentity); path != "" {
		return LoadIdentity(expandHome(path))
	}
	path := DefaultKeyPath()
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}
	return LoadIdentity(path)
}

// DecryptConfig replaces every ENC[...] string in v with its plaintext.
// A config without encrypted values needs no identity.
func DecryptConfig(v *viper.Viper) error {
	var keys []string
	for _, key := range v.AllKeys() {
		if IsEncrypted(v.GetString(key)) {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return nil
	}

	identities, err := Resolve(v)
	if err != nil {
		return fmt.Errorf("resolve encryption identity: %w", err)
	}
	if identities == nil {
		return ErrNoIdentity
	}

	for _, key := range keys {
		plaintext, err := Decrypt(v.GetString(key), identities...)
		if err != nil {
			return fmt.Errorf("decrypt config key %q: %w", key, err)
		}
		v.Set(key, plaintext)
	}
	return nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[1:])
}

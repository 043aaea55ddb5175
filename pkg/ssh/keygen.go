package ssh

import (
	"fmt"
	"os"

	"github.com/charmbracelet/keygen"
	"github.com/sirupsen/logrus"
)

// KeyPair represents an SSH key pair with its metadata
type KeyPair struct {
	*keygen.KeyPair
	AbsolutePath string
}

// KeyGenOptions configures SSH key generation
type KeyGenOptions struct {
	KeyType    keygen.KeyType
	Passphrase string
}

// DefaultKeyGenOptions returns sensible defaults for key generation
func DefaultKeyGenOptions() KeyGenOptions {
	return KeyGenOptions{
		KeyType: keygen.Ed25519,
	}
}

// GenerateKeyPair creates a new key pair and writes it to keyFile and
// keyFile.pub. An existing keyFile is never overwritten.
func GenerateKeyPair(keyFile string, opts KeyGenOptions) (*KeyPair, error) {
	logrus.Debugf("generating SSH key pair (type: %v) at %q", opts.KeyType, keyFile)

	if _, err := os.Stat(keyFile); err == nil {
		return nil, fmt.Errorf("refusing to overwrite existing key %q", keyFile)
	}

	keygenOpts := []keygen.Option{
		keygen.WithKeyType(opts.KeyType),
	}
	if opts.Passphrase != "" {
		keygenOpts = append(keygenOpts, keygen.WithPassphrase(opts.Passphrase))
	}

	// Generate the key pair
	kp, err := keygen.New(keyFile, keygenOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to generate SSH key pair: %w", err)
	}
	if err := kp.WriteKeys(); err != nil {
		return nil, fmt.Errorf("failed to write SSH key pair: %w", err)
	}

	return &KeyPair{
		KeyPair:      kp,
		AbsolutePath: keyFile,
	}, nil
}

// AuthorizedKey returns the public key in authorized_keys format
func (kp *KeyPair) AuthorizedKey() string {
	return string(kp.RawAuthorizedKey())
}

// PublicKeyPath returns the path to the public key file
func (kp *KeyPair) PublicKeyPath() string {
	return kp.AbsolutePath + ".pub"
}

// PrivateKeyPath returns the path to the private key file
func (kp *KeyPair) PrivateKeyPath() string {
	return kp.AbsolutePath
}

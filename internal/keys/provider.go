package keys

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"authcore/internal/config"
	"authcore/internal/util"
)

var (
	ErrUnknownKeyID     = errors.New("unknown key id")
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Provider supplies rotation-aware key material: AES-256 data keys for
// sealing challenge codes (keyed by key id so old ciphertexts stay
// decryptable after rotation) and the Ed25519 pair for access tokens.
//
// The master secret is either taken from configuration directly or, when KMS
// is enabled, unwrapped from a KMS-encrypted blob at startup. Per-key-id data
// keys are derived from the master secret with HKDF-SHA256 so every instance
// derives identical keys without coordination.
type Provider struct {
	activeKID string
	dataKeys  sync.Map // kid -> []byte (32-byte AES key)

	jwtKID     string
	jwtPrivate ed25519.PrivateKey
	jwtPublic  map[string]ed25519.PublicKey
}

const hkdfInfoPrefix = "authcore/challenge-key/"

// NewProvider builds the provider from configuration. A missing or invalid
// signing key is a fatal configuration fault: the constructor errors and the
// process must not start.
func NewProvider(cfg *config.Config, kmsClient *kms.Client) (*Provider, error) {
	master, err := resolveMasterSecret(cfg, kmsClient)
	if err != nil {
		return nil, err
	}

	p := &Provider{activeKID: cfg.Keys.ActiveKeyID}

	kids := append([]string{cfg.Keys.ActiveKeyID}, cfg.Keys.RetiredKeyIDs...)
	for _, kid := range kids {
		if kid == "" {
			continue
		}
		key, err := deriveDataKey(master, kid)
		if err != nil {
			return nil, fmt.Errorf("failed to derive data key for kid %q: %w", kid, err)
		}
		p.dataKeys.Store(kid, key)
	}

	if err := p.loadJWTKeys(cfg); err != nil {
		return nil, err
	}

	util.Info("key provider initialized",
		zap.String("active_kid", p.activeKID),
		zap.Int("retired_kids", len(cfg.Keys.RetiredKeyIDs)),
		zap.Bool("kms_enabled", cfg.KMS.Enabled))

	return p, nil
}

func resolveMasterSecret(cfg *config.Config, kmsClient *kms.Client) ([]byte, error) {
	if cfg.KMS.Enabled {
		if kmsClient == nil {
			return nil, errors.New("kms enabled but no kms client supplied")
		}
		blob := os.Getenv("KEYS_MASTER_SECRET_CIPHERTEXT")
		if blob == "" {
			return nil, errors.New("kms enabled but KEYS_MASTER_SECRET_CIPHERTEXT is unset")
		}
		ciphertext, err := base64.StdEncoding.DecodeString(blob)
		if err != nil {
			return nil, fmt.Errorf("invalid master secret ciphertext: %w", err)
		}
		ctx, cancel := contextWithStartupTimeout()
		defer cancel()
		out, err := kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: ciphertext})
		if err != nil {
			return nil, fmt.Errorf("failed to unwrap master secret via KMS: %w", err)
		}
		return out.Plaintext, nil
	}

	if cfg.Keys.MasterSecret != "" {
		return []byte(cfg.Keys.MasterSecret), nil
	}
	if cfg.IsProduction() {
		return nil, errors.New("KEYS_MASTER_SECRET is required in production")
	}

	// Dev-only ephemeral secret. Ciphertexts do not survive a restart.
	util.Warn("no master secret configured, generating ephemeral dev secret")
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate dev master secret: %w", err)
	}
	return secret, nil
}

func deriveDataKey(master []byte, kid string) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte(hkdfInfoPrefix+kid))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (p *Provider) loadJWTKeys(cfg *config.Config) error {
	p.jwtKID = "jwt-" + cfg.Keys.ActiveKeyID
	p.jwtPublic = make(map[string]ed25519.PublicKey)

	if cfg.Keys.JWTPrivateKeyPath != "" {
		priv, err := loadEdPrivatePEM(cfg.Keys.JWTPrivateKeyPath)
		if err != nil {
			return fmt.Errorf("failed to load JWT private key: %w", err)
		}
		p.jwtPrivate = priv
		p.jwtPublic[p.jwtKID] = priv.Public().(ed25519.PublicKey)
	}

	if cfg.Keys.JWTPublicKeyPath != "" {
		pub, err := loadEdPublicPEM(cfg.Keys.JWTPublicKeyPath)
		if err != nil {
			return fmt.Errorf("failed to load JWT public key: %w", err)
		}
		p.jwtPublic[p.jwtKID] = pub
	}

	if p.jwtPrivate == nil {
		if cfg.IsProduction() {
			return errors.New("JWT signing key is required in production")
		}
		util.Warn("no JWT signing key configured, generating ephemeral dev key pair")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("failed to generate dev JWT key pair: %w", err)
		}
		p.jwtPrivate = priv
		p.jwtPublic[p.jwtKID] = pub
	}

	return nil
}

// ActiveKeyID is the key id new ciphertexts are sealed under.
func (p *Provider) ActiveKeyID() string {
	return p.activeKID
}

// SealCode encrypts a plaintext code under the active data key.
// The nonce is returned separately and stored next to the ciphertext.
func (p *Provider) SealCode(plaintext string) (ciphertext, nonce, kid string, err error) {
	kid = p.activeKID
	gcm, err := p.gcmForKID(kid)
	if err != nil {
		return "", "", "", err
	}

	n := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, n); err != nil {
		return "", "", "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	sealed := gcm.Seal(nil, n, []byte(plaintext), []byte(kid))
	return base64.RawStdEncoding.EncodeToString(sealed),
		base64.RawStdEncoding.EncodeToString(n), kid, nil
}

// OpenCode decrypts a ciphertext sealed under any known key id, active or
// retired. Unknown key ids fail closed.
func (p *Provider) OpenCode(ciphertext, nonce, kid string) (string, error) {
	gcm, err := p.gcmForKID(kid)
	if err != nil {
		return "", err
	}

	ct, err := base64.RawStdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext encoding", ErrDecryptionFailed)
	}
	n, err := base64.RawStdEncoding.DecodeString(nonce)
	if err != nil {
		return "", fmt.Errorf("%w: invalid nonce encoding", ErrDecryptionFailed)
	}
	if len(n) != gcm.NonceSize() {
		return "", fmt.Errorf("%w: bad nonce size", ErrDecryptionFailed)
	}

	plaintext, err := gcm.Open(nil, n, ct, []byte(kid))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

func (p *Provider) gcmForKID(kid string) (cipher.AEAD, error) {
	v, ok := p.dataKeys.Load(kid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKeyID, kid)
	}
	block, err := aes.NewCipher(v.([]byte))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return cipher.NewGCM(block)
}

// SigningKey returns the Ed25519 private key for access-token signatures.
func (p *Provider) SigningKey() ed25519.PrivateKey {
	return p.jwtPrivate
}

// JWTKeyID is the kid embedded in access-token headers.
func (p *Provider) JWTKeyID() string {
	return p.jwtKID
}

// VerifyKey resolves the public key for a token kid. Verifiers hold only
// public material.
func (p *Provider) VerifyKey(kid string) (ed25519.PublicKey, error) {
	pub, ok := p.jwtPublic[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKeyID, kid)
	}
	return pub, nil
}

func loadEdPrivatePEM(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("not an ed25519 private key")
	}
	return priv, nil
}

func loadEdPublicPEM(path string) (ed25519.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("not an ed25519 public key")
	}
	return pub, nil
}

func contextWithStartupTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}

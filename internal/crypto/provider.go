// Package crypto implements the authenticated-encryption-at-rest provider
// (C1): AES-256-GCM over metadata blobs with a textual envelope, PBKDF2
// key derivation, secondary-secret rotation, and a process-wide singleton
// mirroring the teacher's provider-registration pattern
// (kms/pkg/security.RegisterKMSProvider / providerMu).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
	"crypto/sha256"

	"github.com/progressdb/openmemory-core/internal/errs"
)

const (
	envelopeVersion = "v1"
	legacyPrefix    = "enc:"
	pbkdf2Iter      = 600_000
	keyLen          = 32
	sentinelText    = "openmemory-key-verification-sentinel"
)

// Provider is the C1 contract: encrypt/decrypt opaque metadata blobs.
type Provider interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(envelope string) ([]byte, error)
	SelfCheck() error
}

// Config configures a RealProvider.
type Config struct {
	Enabled           bool
	PrimarySecret     string
	SecondarySecrets  []string
	Salt              string
}

// keyCache memoizes secret -> derived key. Entries are immutable once
// written, so a plain RWMutex-guarded map is enough (mirrors the spec's
// "single-writer-single-reader or lock-free map" guidance).
type keyCache struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

func newKeyCache() *keyCache {
	return &keyCache{keys: make(map[string][]byte)}
}

func (c *keyCache) derive(secret, salt string) []byte {
	cacheKey := secret + "\x00" + salt
	c.mu.RLock()
	if k, ok := c.keys[cacheKey]; ok {
		c.mu.RUnlock()
		return k
	}
	c.mu.RUnlock()

	k := pbkdf2.Key([]byte(secret), []byte(salt), pbkdf2Iter, keyLen, sha256.New)

	c.mu.Lock()
	c.keys[cacheKey] = k
	c.mu.Unlock()
	return k
}

// RealProvider implements AES-256-GCM encryption with PBKDF2-derived keys
// and rotation across an ordered list of secondary secrets.
type RealProvider struct {
	cfg    Config
	cache  *keyCache
	primaryKey []byte
	secondaryKeys [][]byte
}

func NewRealProvider(cfg Config) (*RealProvider, error) {
	if len(cfg.PrimarySecret) < 16 {
		return nil, errs.Validation("crypto.new", "primary secret must be >= 16 chars")
	}
	p := &RealProvider{cfg: cfg, cache: newKeyCache()}
	p.primaryKey = p.cache.derive(cfg.PrimarySecret, cfg.Salt)
	for _, s := range cfg.SecondarySecrets {
		p.secondaryKeys = append(p.secondaryKeys, p.cache.derive(s, cfg.Salt))
	}
	if err := p.SelfCheck(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *RealProvider) Encrypt(plaintext []byte) (string, error) {
	return encryptWithKey(p.primaryKey, plaintext)
}

func encryptWithKey(key, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", errs.Crypto("crypto.encrypt", "new cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errs.Crypto("crypto.encrypt", "new gcm", err)
	}
	iv := make([]byte, 12)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", errs.Crypto("crypto.encrypt", "read iv", err)
	}
	ct := gcm.Seal(nil, iv, plaintext, nil)
	env := fmt.Sprintf("%s:%s:%s",
		envelopeVersion,
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(ct))
	return env, nil
}

// Decrypt tries the primary key then each secondary key in order. Data
// that is not an envelope (no v1: or legacy enc: prefix) is returned
// unchanged for backward compatibility with rows written before
// encryption was enabled.
func (p *RealProvider) Decrypt(envelope string) ([]byte, error) {
	if !strings.HasPrefix(envelope, envelopeVersion+":") && !strings.HasPrefix(envelope, legacyPrefix) {
		return []byte(envelope), nil
	}
	iv, ct, err := parseEnvelope(envelope)
	if err != nil {
		return nil, errs.Crypto("crypto.decrypt", "malformed envelope", err)
	}
	keys := append([][]byte{p.primaryKey}, p.secondaryKeys...)
	var lastErr error
	for _, k := range keys {
		pt, err := decryptWithKey(k, iv, ct)
		if err == nil {
			return pt, nil
		}
		lastErr = err
	}
	return nil, errs.Crypto("crypto.decrypt", "no configured key could decrypt envelope", lastErr)
}

func parseEnvelope(envelope string) (iv, ct []byte, err error) {
	body := envelope
	if strings.HasPrefix(envelope, legacyPrefix) {
		body = envelopeVersion + ":" + strings.TrimPrefix(envelope, legacyPrefix)
	}
	parts := strings.SplitN(body, ":", 3)
	if len(parts) != 3 {
		return nil, nil, fmt.Errorf("expected 3 colon-separated fields, got %d", len(parts))
	}
	iv, err = base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, fmt.Errorf("bad iv: %w", err)
	}
	ct, err = base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, nil, fmt.Errorf("bad ciphertext: %w", err)
	}
	return iv, ct, nil
}

func decryptWithKey(key, iv, ct []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, iv, ct, nil)
}

// SelfCheck encrypts and decrypts a known sentinel to verify the
// configured key material round-trips correctly.
func (p *RealProvider) SelfCheck() error {
	env, err := p.Encrypt([]byte(sentinelText))
	if err != nil {
		return errs.Crypto("crypto.selfcheck", "encrypt sentinel", err)
	}
	pt, err := p.Decrypt(env)
	if err != nil {
		return errs.Crypto("crypto.selfcheck", "decrypt sentinel", err)
	}
	if string(pt) != sentinelText {
		return errs.Crypto("crypto.selfcheck", "sentinel mismatch", nil)
	}
	return nil
}

// NoopProvider passes data through unchanged for both operations, used
// when encryption is disabled.
type NoopProvider struct{}

func (NoopProvider) Encrypt(plaintext []byte) (string, error) { return string(plaintext), nil }
func (NoopProvider) Decrypt(envelope string) ([]byte, error)  { return []byte(envelope), nil }
func (NoopProvider) SelfCheck() error                         { return nil }

var (
	singletonMu sync.RWMutex
	singleton   Provider
)

// Init builds and installs the process-wide provider from cfg. It is safe
// to call from multiple goroutines; the last successful call wins.
func Init(cfg Config) error {
	var p Provider
	if !cfg.Enabled {
		p = NoopProvider{}
	} else {
		rp, err := NewRealProvider(cfg)
		if err != nil {
			return err
		}
		p = rp
	}
	singletonMu.Lock()
	singleton = p
	singletonMu.Unlock()
	return nil
}

// Get returns the process-wide provider, lazily defaulting to a no-op
// provider if Init was never called.
func Get() Provider {
	singletonMu.RLock()
	p := singleton
	singletonMu.RUnlock()
	if p == nil {
		return NoopProvider{}
	}
	return p
}

// Reset clears the singleton; intended for tests.
func Reset() {
	singletonMu.Lock()
	singleton = nil
	singletonMu.Unlock()
}

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	cookieFileName  = "cookies.enc"
	keyringService  = "downloader"
	keyringAccount  = "cookie-master-key-v1"
	masterKeyEnvVar = "DOWNLOADER_MASTER_KEY"
)

var fileMagic = []byte("DLC1")

// Errors for persisted cookie storage operations.
var (
	// ErrInvalidPayload marks a cookie file with a bad magic or layout.
	ErrInvalidPayload = errors.New("persisted cookie payload is invalid")
	// ErrDecryptFailed marks an authentication failure during decrypt,
	// usually a wrong or rotated key.
	ErrDecryptFailed = errors.New("failed to decrypt persisted cookies")
	// ErrKeychainUnavailable marks a missing keychain with no
	// DOWNLOADER_MASTER_KEY fallback.
	ErrKeychainUnavailable = errors.New("unable to access system keychain for cookie encryption key; set DOWNLOADER_MASTER_KEY or configure keychain access")
)

type storedCookie struct {
	Domain    string `json:"domain"`
	TailMatch bool   `json:"tailmatch"`
	Path      string `json:"path"`
	Secure    bool   `json:"secure"`
	Expires   int64  `json:"expires"`
	Name      string `json:"name"`
	Value     string `json:"value"`
}

// Store persists cookies encrypted at rest under the user config dir.
type Store struct {
	logger *slog.Logger
	path   string
}

// NewStore builds a store writing to
// <user-config-dir>/downloader/cookies.enc.
func NewStore(logger *slog.Logger) (*Store, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("unable to determine config directory: %w", err)
	}
	return &Store{
		logger: logger,
		path:   filepath.Join(configDir, "downloader", cookieFileName),
	}, nil
}

// NewStoreAt builds a store writing to an explicit file path, used by
// tests and by embedders that manage their own config layout.
func NewStoreAt(logger *slog.Logger, path string) *Store {
	return &Store{logger: logger, path: path}
}

// Path returns the cookie file location.
func (s *Store) Path() string {
	return s.path
}

// Store encrypts and writes the cookies, returning the file path. The
// write is atomic (temp file + rename) and the file is owner-only.
func (s *Store) Store(cookies []Entry) (string, error) {
	key, err := loadOrCreateKey()
	if err != nil {
		return "", err
	}
	if err := s.storeWithKey(cookies, key); err != nil {
		return "", err
	}
	return s.path, nil
}

// Load decrypts the persisted cookies. The boolean is false when no
// cookie file exists.
func (s *Store) Load() ([]Entry, bool, error) {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return nil, false, nil
	}
	key, err := loadOrCreateKey()
	if err != nil {
		return nil, false, err
	}
	cookies, err := s.loadWithKey(key)
	if err != nil {
		return nil, false, err
	}
	return cookies, true, nil
}

// Clear deletes the cookie file, reporting whether it existed. The
// keychain entry is removed best-effort unless the env var key is in
// use.
func (s *Store) Clear() (bool, error) {
	removed := false
	if _, err := os.Stat(s.path); err == nil {
		if err := os.Remove(s.path); err != nil {
			return false, fmt.Errorf("failed to remove cookie file: %w", err)
		}
		removed = true
	}
	if envKey() == "" {
		_ = keyring.Delete(keyringService, keyringAccount)
	}
	return removed, nil
}

// RotateKey re-encrypts the persisted cookies under a freshly sourced
// key. A missing cookie file is a no-op.
func (s *Store) RotateKey() error {
	cookies, exists, err := s.Load()
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if _, err := s.Clear(); err != nil {
		return err
	}
	if _, err := s.Store(cookies); err != nil {
		return err
	}
	s.logger.Info("Rotated cookie encryption key", "path", s.path)
	return nil
}

func (s *Store) storeWithKey(cookies []Entry, keyMaterial string) error {
	stored := make([]storedCookie, 0, len(cookies))
	for _, c := range cookies {
		stored = append(stored, storedCookie{
			Domain:    c.Domain,
			TailMatch: c.TailMatch,
			Path:      c.Path,
			Secure:    c.Secure,
			Expires:   c.Expires,
			Name:      c.Name,
			Value:     c.Value(),
		})
	}
	plaintext, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to serialize cookies: %w", err)
	}

	payload, err := encrypt(plaintext, keyMaterial)
	if err != nil {
		return err
	}
	return writeOwnerOnly(s.path, payload)
}

func (s *Store) loadWithKey(keyMaterial string) ([]Entry, error) {
	payload, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cookie file: %w", err)
	}
	plaintext, err := decrypt(payload, keyMaterial)
	if err != nil {
		return nil, err
	}
	var stored []storedCookie
	if err := json.Unmarshal(plaintext, &stored); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	cookies := make([]Entry, 0, len(stored))
	for _, c := range stored {
		cookies = append(cookies, NewEntry(c.Domain, c.TailMatch, c.Path, c.Secure, c.Expires, c.Name, c.Value))
	}
	return cookies, nil
}

func encrypt(plaintext []byte, keyMaterial string) ([]byte, error) {
	key := deriveKey(keyMaterial)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	payload := make([]byte, 0, len(fileMagic)+len(nonce)+len(ciphertext))
	payload = append(payload, fileMagic...)
	payload = append(payload, nonce...)
	payload = append(payload, ciphertext...)
	return payload, nil
}

func decrypt(payload []byte, keyMaterial string) ([]byte, error) {
	headerLen := len(fileMagic) + chacha20poly1305.NonceSizeX
	if len(payload) < headerLen || string(payload[:len(fileMagic)]) != string(fileMagic) {
		return nil, ErrInvalidPayload
	}

	key := deriveKey(keyMaterial)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	nonce := payload[len(fileMagic):headerLen]
	ciphertext := payload[headerLen:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func deriveKey(keyMaterial string) []byte {
	digest := sha256.Sum256([]byte(keyMaterial))
	return digest[:]
}

func envKey() string {
	return strings.TrimSpace(os.Getenv(masterKeyEnvVar))
}

// loadOrCreateKey sources the master key material: the
// DOWNLOADER_MASTER_KEY environment variable when set, otherwise the
// OS keychain, generating and storing a fresh 256-bit key on first use.
func loadOrCreateKey() (string, error) {
	if key := envKey(); key != "" {
		return key, nil
	}

	existing, err := keyring.Get(keyringService, keyringAccount)
	if err == nil && strings.TrimSpace(existing) != "" {
		return existing, nil
	}
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return "", ErrKeychainUnavailable
	}

	generated, err := generateKeyMaterial()
	if err != nil {
		return "", err
	}
	if err := keyring.Set(keyringService, keyringAccount, generated); err != nil {
		return "", ErrKeychainUnavailable
	}
	return generated, nil
}

func generateKeyMaterial() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate key material: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

func writeOwnerOnly(path string, payload []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".cookies-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp cookie file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if err := tmp.Chmod(0o600); err != nil {
		cleanup()
		return fmt.Errorf("failed to restrict cookie file permissions: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		cleanup()
		return fmt.Errorf("failed to write cookie file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close cookie file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to move cookie file into place: %w", err)
	}
	return nil
}

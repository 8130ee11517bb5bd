package keystore

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrWrongPassphrase is returned when the key file cannot be decrypted.
var ErrWrongPassphrase = errors.New("keystore: wrong passphrase or corrupted file")

const (
	fileVersion = 1
	saltLen     = 16

	// argon2id parameters (RFC 9106 second recommended option).
	kdfTime    = 3
	kdfMemory  = 64 * 1024
	kdfThreads = 4
)

var fileAAD = []byte("keyprov-keystore-v1")

// envelope is the on-disk JSON document. Byte slices are base64 encoded.
type envelope struct {
	Version int    `json:"version"`
	Salt    []byte `json:"salt"`
	Nonce   []byte `json:"nonce"`
	Data    []byte `json:"data"`
}

// FileStore is a Store backed by one file encrypted with
// XChaCha20-Poly1305 under an argon2id key derived from a passphrase.
// Every mutation re-encrypts the whole file with a fresh salt and nonce and
// replaces it atomically.
type FileStore struct {
	path       string
	passphrase []byte
	logger     *zap.Logger
	now        func() time.Time

	mu sync.Mutex
}

// NewFileStore returns a FileStore at path. The file is created on the first
// write; a missing file reads as empty.
func NewFileStore(path string, passphrase []byte, logger *zap.Logger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("keystore path must not be empty")
	}
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("keystore passphrase must not be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{
		path:       path,
		passphrase: append([]byte(nil), passphrase...),
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Path returns the file location.
func (s *FileStore) Path() string { return s.path }

// Save implements Store.
func (s *FileStore) Save(_ context.Context, e Entry) (Entry, error) {
	e, err := prepare(e, s.now())
	if err != nil {
		return Entry{}, err
	}
	var saved Entry
	err = s.update(func(entries []Entry) ([]Entry, error) {
		var err error
		entries, saved, err = upsert(entries, e)
		return entries, err
	})
	if err != nil {
		return Entry{}, err
	}
	s.logger.Info("secret key saved",
		zap.String("server", saved.Server),
		zap.String("character", saved.Character),
		zap.String("key", saved.Key.Redacted()),
	)
	return saved, nil
}

// Add implements Store.
func (s *FileStore) Add(_ context.Context, e Entry) (Entry, error) {
	e, err := prepare(e, s.now())
	if err != nil {
		return Entry{}, err
	}
	err = s.update(func(entries []Entry) ([]Entry, error) {
		return append(entries, e), nil
	})
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Lookup implements Store.
func (s *FileStore) Lookup(_ context.Context, server, character string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.read()
	if err != nil {
		return Entry{}, err
	}
	return lookup(entries, server, character)
}

// List implements Store.
func (s *FileStore) List(_ context.Context, server string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.read()
	if err != nil {
		return nil, err
	}
	return list(entries, server), nil
}

// Delete implements Store.
func (s *FileStore) Delete(_ context.Context, id uuid.UUID) error {
	return s.update(func(entries []Entry) ([]Entry, error) {
		return remove(entries, id)
	})
}

func (s *FileStore) update(fn func([]Entry) ([]Entry, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.read()
	if err != nil {
		return err
	}
	entries, err = fn(entries)
	if err != nil {
		return err
	}
	return s.write(entries)
}

func (s *FileStore) read() ([]Entry, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode keystore: %w", err)
	}
	if env.Version != fileVersion {
		return nil, fmt.Errorf("unsupported keystore version %d", env.Version)
	}

	aead, err := chacha20poly1305.NewX(s.deriveKey(env.Salt))
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, ErrWrongPassphrase
	}
	plain, err := aead.Open(nil, env.Nonce, env.Data, fileAAD)
	if err != nil {
		return nil, ErrWrongPassphrase
	}

	var entries []Entry
	if err := json.Unmarshal(plain, &entries); err != nil {
		return nil, fmt.Errorf("decode keystore entries: %w", err)
	}
	return entries, nil
}

func (s *FileStore) write(entries []Entry) error {
	plain, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode keystore entries: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	aead, err := chacha20poly1305.NewX(s.deriveKey(salt))
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	raw, err := json.MarshalIndent(envelope{
		Version: fileVersion,
		Salt:    salt,
		Nonce:   nonce,
		Data:    aead.Seal(nil, nonce, plain, fileAAD),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode keystore: %w", err)
	}
	return writeFileAtomic(s.path, raw)
}

func (s *FileStore) deriveKey(salt []byte) []byte {
	return argon2.IDKey(s.passphrase, salt, kdfTime, kdfMemory, kdfThreads, chacha20poly1305.KeySize)
}

// writeFileAtomic writes data to a 0600 temp file beside path and renames it
// into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create keystore dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".keystore-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace keystore: %w", err)
	}
	return nil
}

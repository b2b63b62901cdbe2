package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"
	"github.com/upb/audit-relay/models"
	"github.com/upb/audit-relay/repositories"
)

// FileStore keeps the session snapshot in a local file encrypted with an
// age scrypt passphrase.
type FileStore struct {
	path       string
	passphrase string
	workFactor int
}

var _ repositories.CredentialRepository = (*FileStore)(nil)

// FileStoreOption customizes a FileStore
type FileStoreOption func(*FileStore)

// WithWorkFactor sets the scrypt work factor (log2 of N) used on Save
func WithWorkFactor(logN int) FileStoreOption {
	return func(s *FileStore) {
		s.workFactor = logN
	}
}

// NewFileStore creates a store at path
func NewFileStore(path, passphrase string, opts ...FileStoreOption) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("snapshot path is required")
	}
	if passphrase == "" {
		return nil, errors.New("snapshot passphrase is required")
	}
	s := &FileStore{path: path, passphrase: passphrase}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Load decrypts the snapshot. A missing file yields nil.
func (s *FileStore) Load(ctx context.Context) (*models.SessionSnapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session snapshot: %w", err)
	}

	identity, err := age.NewScryptIdentity(s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(data), identity)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt session snapshot: %w", err)
	}

	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read decrypted snapshot: %w", err)
	}

	var snapshot models.SessionSnapshot
	if err := json.Unmarshal(plaintext, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode session snapshot: %w", err)
	}
	return &snapshot, nil
}

// Save encrypts the snapshot and atomically replaces the file
func (s *FileStore) Save(ctx context.Context, snapshot *models.SessionSnapshot) error {
	if snapshot.Empty() {
		return errors.New("refusing to save an empty session snapshot")
	}

	plaintext, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode session snapshot: %w", err)
	}

	recipient, err := age.NewScryptRecipient(s.passphrase)
	if err != nil {
		return fmt.Errorf("failed to create recipient: %w", err)
	}
	if s.workFactor > 0 {
		recipient.SetWorkFactor(s.workFactor)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return fmt.Errorf("failed to start encryption: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return fmt.Errorf("failed to encrypt session snapshot: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize encryption: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(ciphertext.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write session snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close session snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace session snapshot: %w", err)
	}
	return nil
}

// Clear removes the snapshot file
func (s *FileStore) Clear(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove session snapshot: %w", err)
	}
	return nil
}

package credential

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Material is the raw credential content as held by a store.
type Material struct {
	Cert       []byte
	Key        []byte
	Passphrase []byte
}

// Zero overwrites the key and passphrase bytes.
func (m *Material) Zero() {
	clear(m.Key)
	clear(m.Passphrase)
	m.Key = nil
	m.Passphrase = nil
}

// Store fetches credential material for an owner. Implementations return an
// error wrapping ErrNotFound when the owner has no complete credential.
type Store interface {
	Fetch(ctx context.Context, ownerRef string) (Material, error)
}

// FileStore keeps one directory per owner holding a .cer, a .key and a .txt
// passphrase file.
type FileStore struct {
	root string
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (s *FileStore) Fetch(ctx context.Context, ownerRef string) (Material, error) {
	if !filepath.IsLocal(ownerRef) {
		return Material{}, fmt.Errorf("%w: invalid owner reference %q", ErrNotFound, ownerRef)
	}
	dir := filepath.Join(s.root, ownerRef)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Material{}, fmt.Errorf("%w: no credential directory for %s", ErrNotFound, ownerRef)
		}
		return Material{}, fmt.Errorf("failed to list credential directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	certName, keyName, passName := pickFiles(names)
	if certName == "" || keyName == "" {
		return Material{}, fmt.Errorf("%w: %s needs both a .cer and a .key file", ErrNotFound, ownerRef)
	}

	var m Material
	if m.Cert, err = os.ReadFile(filepath.Join(dir, certName)); err != nil {
		return Material{}, fmt.Errorf("failed to read certificate: %w", err)
	}
	if m.Key, err = os.ReadFile(filepath.Join(dir, keyName)); err != nil {
		return Material{}, fmt.Errorf("failed to read private key: %w", err)
	}
	if passName != "" {
		if m.Passphrase, err = os.ReadFile(filepath.Join(dir, passName)); err != nil {
			m.Zero()
			return Material{}, fmt.Errorf("failed to read passphrase: %w", err)
		}
	}
	return m, nil
}

// pickFiles chooses the first certificate, key and passphrase file by
// extension. Names are expected in a stable order.
func pickFiles(names []string) (cert, key, pass string) {
	for _, n := range names {
		switch strings.ToLower(filepath.Ext(n)) {
		case ".cer", ".crt":
			if cert == "" {
				cert = n
			}
		case ".key":
			if key == "" {
				key = n
			}
		case ".txt":
			if pass == "" {
				pass = n
			}
		}
	}
	return cert, key, pass
}

// Package blobs stores attachment bytes by content address and moves them
// between replicas on the swarm.
package blobs

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	coreDomain   = "peerchat-core"
	blobDirName  = "blobs"
	tempPattern  = ".blob-*.tmp"
	blobFileMode = 0o644
)

var (
	// ErrBlobNotFound indicates the store holds no blob with the given id.
	ErrBlobNotFound = errors.New("blobs: blob not found")
	// ErrInvalidBlobID indicates a blob id that is not a sha256 hex digest.
	ErrInvalidBlobID = errors.New("blobs: invalid blob id")
)

// CoreID derives the identifier of the blob store a device holds for a
// room. Both inputs feed the digest, so stores of different rooms never
// share an identifier.
func CoreID(roomID string, deviceKey []byte) string {
	hash := sha256.New()
	hash.Write([]byte(coreDomain))
	hash.Write([]byte(roomID))
	hash.Write([]byte{0})
	hash.Write(deviceKey)
	return hex.EncodeToString(hash.Sum(nil))
}

// BlobID returns the content address of data.
func BlobID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store is the local content-addressed blob store of one room.
type Store struct {
	dir    string
	coreID string
}

// OpenStore prepares <roomDir>/blobs for roomID's blobs owned by deviceKey.
func OpenStore(roomDir, roomID string, deviceKey []byte) (*Store, error) {
	dir := filepath.Join(roomDir, blobDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &Store{dir: dir, coreID: CoreID(roomID, deviceKey)}, nil
}

// CoreID identifies this store to peers.
func (s *Store) CoreID() string {
	return s.coreID
}

// Dir is the directory holding the blobs.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns where blobID lives on disk.
func (s *Store) Path(blobID string) (string, error) {
	if !validBlobID(blobID) {
		return "", ErrInvalidBlobID
	}
	return filepath.Join(s.dir, blobID), nil
}

// Has reports whether blobID is present and returns its size.
func (s *Store) Has(blobID string) (int64, bool) {
	path, err := s.Path(blobID)
	if err != nil {
		return 0, false
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	return info.Size(), true
}

// Open returns a reader over blobID.
func (s *Store) Open(blobID string) (*os.File, error) {
	path, err := s.Path(blobID)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	return file, err
}

// Put stores data and returns its blob id. Writing an existing blob is a
// no-op.
func (s *Store) Put(data []byte) (string, error) {
	blobID := BlobID(data)
	if _, ok := s.Has(blobID); ok {
		return blobID, nil
	}
	path, _ := s.Path(blobID)
	if err := writeAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}); err != nil {
		return "", err
	}
	return blobID, nil
}

// writeAtomic fills a temp file next to path and renames it into place so
// readers never observe a partial blob.
func writeAtomic(path string, fill func(io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := fill(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, blobFileMode); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// copyAtomic copies the file at source to destination through writeAtomic.
func copyAtomic(source, destination string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()
	return writeAtomic(destination, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}

func validBlobID(blobID string) bool {
	if len(blobID) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(blobID)
	return err == nil
}

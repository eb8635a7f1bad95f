package compiler

import (
	"bytes"
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CacheDirEnvVar names the directory of the persistent artifact store. When
// unset, compiled artifacts live only in the in-memory cache.
const CacheDirEnvVar = "WAVE_CACHE_DIR"

// Store persists serialized artifacts across processes, keyed by compilation
// fingerprint.
type Store interface {
	// Load returns the artifact bytes for the fingerprint, or found=false on
	// a miss. Corrupt or incompatible entries count as misses.
	Load(fingerprint string) (data []byte, found bool, err error)

	// Save persists the artifact bytes under the fingerprint.
	Save(fingerprint string, data []byte) error
}

// storeEntry is the on-disk envelope; version and fingerprint are verified
// on load so stale entries from older pipelines are discarded.
type storeEntry struct {
	Version     int
	Fingerprint string
	Backend     string
	Data        []byte
}

// DiskStore is a Store backed by one file per artifact in a directory.
type DiskStore struct {
	dir     string
	backend string
}

// NewDiskStore returns a DiskStore rooted at dir, creating it if needed.
func NewDiskStore(dir, backend string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating artifact cache directory %q", dir)
	}
	return &DiskStore{dir: dir, backend: backend}, nil
}

// DiskStoreFromEnv returns a DiskStore at $WAVE_CACHE_DIR, or nil when the
// variable is unset.
func DiskStoreFromEnv(backend string) (*DiskStore, error) {
	dir, found := os.LookupEnv(CacheDirEnvVar)
	if !found || dir == "" {
		return nil, nil
	}
	return NewDiskStore(dir, backend)
}

func (s *DiskStore) path(fingerprint string) string {
	return filepath.Join(s.dir, fingerprint+".wavebin")
}

// Load implements Store.
func (s *DiskStore) Load(fingerprint string) ([]byte, bool, error) {
	raw, err := os.ReadFile(s.path(fingerprint))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "reading cached artifact %s", fingerprint)
	}
	var entry storeEntry
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&entry); err != nil {
		klog.Warningf("discarding corrupt cached artifact %s: %v", fingerprint, err)
		return nil, false, nil
	}
	if entry.Version != Version || entry.Fingerprint != fingerprint || entry.Backend != s.backend {
		klog.V(1).Infof("discarding incompatible cached artifact %s (version %d, backend %q)",
			fingerprint, entry.Version, entry.Backend)
		return nil, false, nil
	}
	return entry.Data, true, nil
}

// Save implements Store: write to a temporary file, then rename, so
// concurrent readers never observe a partial artifact.
func (s *DiskStore) Save(fingerprint string, data []byte) error {
	var buf bytes.Buffer
	entry := storeEntry{Version: Version, Fingerprint: fingerprint, Backend: s.backend, Data: data}
	if err := gob.NewEncoder(&buf).Encode(&entry); err != nil {
		return errors.Wrap(err, "encoding artifact envelope")
	}
	tmp, err := os.CreateTemp(s.dir, "."+fingerprint+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "creating temporary artifact file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing artifact")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing artifact file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), s.path(fingerprint)), "publishing artifact")
}

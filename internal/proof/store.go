package proof

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"

	"forgeline/internal/domain"
)

// ContentStore keeps proof bodies on an afero filesystem under
// <project>/<run>/<proof id>.
type ContentStore struct {
	fs afero.Fs
}

// NewContentStore uses fs as-is; wrap it in afero.NewBasePathFs to root it.
func NewContentStore(fs afero.Fs) *ContentStore {
	return &ContentStore{fs: fs}
}

// NewOSContentStore stores content below dir on the local disk.
func NewOSContentStore(dir string) (*ContentStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return NewContentStore(afero.NewBasePathFs(afero.NewOsFs(), dir)), nil
}

// Key builds the storage key of a proof body.
func Key(projectID, runID, proofID string) (string, error) {
	for name, v := range map[string]string{"project id": projectID, "run id": runID, "proof id": proofID} {
		if err := domain.ValidateSegment(name, v); err != nil {
			return "", err
		}
	}
	return path.Join(projectID, runID, proofID), nil
}

// Put writes data and returns its key and size.
func (s *ContentStore) Put(projectID, runID, proofID string, data []byte) (string, int64, error) {
	key, err := Key(projectID, runID, proofID)
	if err != nil {
		return "", 0, err
	}
	if err := s.fs.MkdirAll(path.Dir(key), 0o755); err != nil {
		return "", 0, fmt.Errorf("create content dir: %w", err)
	}
	if err := afero.WriteFile(s.fs, key, data, 0o644); err != nil {
		return "", 0, fmt.Errorf("write proof content: %w", err)
	}
	return key, int64(len(data)), nil
}

// Get reads the body stored under key.
func (s *ContentStore) Get(key string) ([]byte, error) {
	clean := path.Clean(key)
	if clean != key || strings.HasPrefix(clean, "..") || path.IsAbs(clean) {
		return nil, fmt.Errorf("invalid content key %q", key)
	}
	data, err := afero.ReadFile(s.fs, key)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("proof content %s: %w", key, ErrContentMissing)
	}
	return data, err
}

var ErrContentMissing = errors.New("proof content missing")

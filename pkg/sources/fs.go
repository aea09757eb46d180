package sources

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/driftwatch/driftwatch/pkg/engine"
)

// FSSource serves workflow definitions from two directory trees,
// typically a git checkout for the canonical side and a provider export
// for the live side:
//
//	<canonical root>/<tenant>/<workflow id>.yaml
//	<live root>/<tenant>/<environment id>/<provider id>.yaml
//
// Fingerprints are the SHA-256 of the file content, so byte-identical
// definitions always compare in sync. A missing file is an absent
// definition, not an error.
type FSSource struct {
	canonicalRoot string
	liveRoot      string
}

// NewFSSource creates a filesystem-backed workflow source.
func NewFSSource(canonicalRoot, liveRoot string) *FSSource {
	return &FSSource{
		canonicalRoot: canonicalRoot,
		liveRoot:      liveRoot,
	}
}

// FetchCanonicalDefinition returns the version-controlled definition of
// a canonical workflow, or nil when no file exists for it.
func (s *FSSource) FetchCanonicalDefinition(ctx context.Context, tenantID, workflowID string) (*engine.WorkflowDefinition, error) {
	path := filepath.Join(s.canonicalRoot, tenantID, workflowID+".yaml")
	return s.read(ctx, path, workflowID)
}

// FetchLiveDefinition returns the deployed definition of a
// provider-side workflow, or nil when the workflow does not exist in
// that environment.
func (s *FSSource) FetchLiveDefinition(ctx context.Context, tenantID, environmentID, providerID string) (*engine.WorkflowDefinition, error) {
	path := filepath.Join(s.liveRoot, tenantID, environmentID, providerID+".yaml")
	return s.read(ctx, path, providerID)
}

func (s *FSSource) read(ctx context.Context, path, name string) (*engine.WorkflowDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read workflow definition %s: %w", path, err)
	}

	return &engine.WorkflowDefinition{
		Name:        name,
		Content:     string(data),
		Fingerprint: Fingerprint(data),
	}, nil
}

// Fingerprint computes the content fingerprint used for drift
// comparison: lowercase hex SHA-256.
func Fingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Package generator implements the §6 Generator boundary reader: it loads
// a migration directory produced by the (out-of-scope) SQL generation
// toolchain — upgrade.sql, an optional downgrade.sql, and metadata.json —
// and validates it before it becomes a domain.Script the engine will run.
package generator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/schemafleet/propagator/internal/domain"
)

// Metadata is the shape of metadata.json (§6): "at least version_id,
// revision_id, checksum, description".
type Metadata struct {
	VersionID   string `json:"version_id"`
	RevisionID  string `json:"revision_id"`
	Checksum    string `json:"checksum"`
	Description string `json:"description"`
}

// Load reads dir/upgrade.sql, dir/downgrade.sql (optional), and
// dir/metadata.json, and returns a validated domain.Script. Validation
// performed here, per §6: non-empty SQL, and checksum matches a
// recomputation over upgrade.sql — otherwise the job is rejected before
// it ever reaches the engine.
func Load(dir string) (domain.Script, error) {
	upgrade, err := os.ReadFile(filepath.Join(dir, "upgrade.sql"))
	if err != nil {
		return domain.Script{}, fmt.Errorf("read upgrade.sql: %w", err)
	}
	if len(upgrade) == 0 {
		return domain.Script{}, domain.ErrEmptyScript
	}

	downgrade, err := os.ReadFile(filepath.Join(dir, "downgrade.sql"))
	if err != nil && !os.IsNotExist(err) {
		return domain.Script{}, fmt.Errorf("read downgrade.sql: %w", err)
	}

	metaRaw, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return domain.Script{}, fmt.Errorf("read metadata.json: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return domain.Script{}, fmt.Errorf("parse metadata.json: %w", err)
	}
	if meta.VersionID == "" {
		return domain.Script{}, fmt.Errorf("metadata.json: version_id is required")
	}

	if meta.Checksum == "" {
		return domain.Script{}, fmt.Errorf("metadata.json: checksum is required")
	}

	computed := domain.ComputeChecksum(string(upgrade))
	if domain.Checksum(meta.Checksum) != computed {
		return domain.Script{}, fmt.Errorf("%w: metadata.json says %s, recomputed %s",
			domain.ErrChecksumMismatch, meta.Checksum, computed)
	}

	return domain.Script{
		VersionID:   domain.VersionId(meta.VersionID),
		RevisionID:  meta.RevisionID,
		Description: meta.Description,
		Upgrade:     string(upgrade),
		Downgrade:   string(downgrade),
		Checksum:    computed,
	}, nil
}

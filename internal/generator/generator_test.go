package generator_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/schemafleet/propagator/internal/domain"
	"github.com/schemafleet/propagator/internal/generator"
)

func writeDir(t *testing.T, upgrade, downgrade string, meta generator.Metadata) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "upgrade.sql"), []byte(upgrade), 0o644); err != nil {
		t.Fatalf("write upgrade.sql: %v", err)
	}
	if downgrade != "" {
		if err := os.WriteFile(filepath.Join(dir, "downgrade.sql"), []byte(downgrade), 0o644); err != nil {
			t.Fatalf("write downgrade.sql: %v", err)
		}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("marshal metadata: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), raw, 0o644); err != nil {
		t.Fatalf("write metadata.json: %v", err)
	}
	return dir
}

func TestLoad_Success(t *testing.T) {
	upgrade := "ALTER TABLE widgets ADD COLUMN sku text;"
	checksum := string(domain.ComputeChecksum(upgrade))
	dir := writeDir(t, upgrade, "ALTER TABLE widgets DROP COLUMN sku;", generator.Metadata{
		VersionID:   "20260731_000000",
		RevisionID:  "rev-1",
		Checksum:    checksum,
		Description: "add sku",
	})

	script, err := generator.Load(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if script.VersionID != "20260731_000000" {
		t.Fatalf("got version %s", script.VersionID)
	}
	if script.Upgrade != upgrade {
		t.Fatalf("upgrade mismatch")
	}
	if script.Downgrade == "" {
		t.Fatal("expected downgrade to be read")
	}
	if string(script.Checksum) != checksum {
		t.Fatalf("checksum mismatch: got %s want %s", script.Checksum, checksum)
	}
}

func TestLoad_MissingDowngradeIsOptional(t *testing.T) {
	upgrade := "SELECT 1;"
	dir := writeDir(t, upgrade, "", generator.Metadata{
		VersionID: "v1",
		Checksum:  string(domain.ComputeChecksum(upgrade)),
	})

	script, err := generator.Load(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if script.Downgrade != "" {
		t.Fatalf("expected empty downgrade, got %q", script.Downgrade)
	}
}

func TestLoad_ChecksumMismatchRejected(t *testing.T) {
	dir := writeDir(t, "SELECT 1;", "", generator.Metadata{
		VersionID: "v1",
		Checksum:  "0000000000000000",
	})

	if _, err := generator.Load(dir); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestLoad_MissingChecksumRejected(t *testing.T) {
	dir := writeDir(t, "SELECT 1;", "", generator.Metadata{VersionID: "v1"})

	if _, err := generator.Load(dir); err == nil {
		t.Fatal("expected missing checksum error")
	}
}

func TestLoad_EmptyUpgradeRejected(t *testing.T) {
	dir := writeDir(t, "", "", generator.Metadata{VersionID: "v1"})

	if _, err := generator.Load(dir); err == nil {
		t.Fatal("expected empty script error")
	}
}

func TestLoad_MissingVersionIDRejected(t *testing.T) {
	dir := writeDir(t, "SELECT 1;", "", generator.Metadata{})

	if _, err := generator.Load(dir); err == nil {
		t.Fatal("expected missing version_id error")
	}
}

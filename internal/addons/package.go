package addons

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"botdeck/internal/apperrors"
)

const (
	maxArchiveSize = 50 * 1024 * 1024 // total extracted bytes
	maxEntrySize   = 10 * 1024 * 1024 // per extracted file
	maxEntries     = 500
)

// ExportAddon compresses the add-on directory tree into a zip archive
// under destDir and returns the archive path.
func ExportAddon(dir, name, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", apperrors.Internal(err, "create export directory")
	}

	zipPath := filepath.Join(destDir, fmt.Sprintf("%s-%s.zip", name, uuid.NewString()[:8]))
	f, err := os.Create(zipPath)
	if err != nil {
		return "", apperrors.Internal(err, "create export archive")
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})
	if err != nil {
		zw.Close()
		os.Remove(zipPath)
		return "", apperrors.Internal(err, "export addon %q", name)
	}
	if err := zw.Close(); err != nil {
		os.Remove(zipPath)
		return "", apperrors.Internal(err, "finalize export archive")
	}
	return zipPath, nil
}

// InspectZip reads and validates the manifest from an add-on archive
// without extracting anything else.
func InspectZip(zipPath string) (*Manifest, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, apperrors.Validation("not a valid zip archive")
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != manifestFile {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, apperrors.Validation("cannot read manifest.json from archive")
		}
		defer rc.Close()
		raw, err := io.ReadAll(io.LimitReader(rc, maxManifestSize+1))
		if err != nil {
			return nil, apperrors.Validation("cannot read manifest.json from archive")
		}
		m, err := ValidateManifest(raw)
		if err != nil {
			return nil, apperrors.Validation("invalid manifest: %v", err)
		}
		return m, nil
	}
	return nil, apperrors.Validation("archive does not contain manifest.json at its root")
}

// InstallZip extracts the archive into addonsDir/name, replacing any
// existing directory. Extraction happens into a staging directory first
// so a bad archive never leaves a half-written add-on behind.
func InstallZip(zipPath, addonsDir, name string) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return apperrors.Validation("not a valid zip archive")
	}
	defer zr.Close()

	if len(zr.File) > maxEntries {
		return apperrors.Validation("archive exceeds %d file limit", maxEntries)
	}

	if err := os.MkdirAll(addonsDir, 0755); err != nil {
		return apperrors.Internal(err, "create addons directory")
	}
	staging := filepath.Join(addonsDir, ".import-"+uuid.NewString()[:8])
	if err := os.MkdirAll(staging, 0755); err != nil {
		return apperrors.Internal(err, "create staging directory")
	}
	defer os.RemoveAll(staging)

	var total int64
	for _, f := range zr.File {
		if err := extractEntry(f, staging, &total); err != nil {
			return err
		}
	}

	// The staged tree must itself validate before it replaces anything.
	if res := ValidateDir(staging); !res.OK {
		e := apperrors.Validation("archive contents failed validation")
		e.Details = strings.Join(res.Errors, "; ")
		return e
	}

	target := filepath.Join(addonsDir, name)
	if err := os.RemoveAll(target); err != nil {
		return apperrors.Internal(err, "replace addon directory")
	}
	if err := os.Rename(staging, target); err != nil {
		return apperrors.Internal(err, "install addon directory")
	}
	return nil
}

func extractEntry(f *zip.File, staging string, total *int64) error {
	// Zip-slip guard: the cleaned entry path must stay inside staging.
	name := filepath.FromSlash(f.Name)
	if strings.Contains(name, "..") || filepath.IsAbs(name) {
		return apperrors.Validation("archive entry %q has an unsafe path", f.Name)
	}
	dest := filepath.Join(staging, name)
	if !strings.HasPrefix(dest, filepath.Clean(staging)+string(os.PathSeparator)) {
		return apperrors.Validation("archive entry %q escapes the archive root", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(dest, 0755)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return apperrors.Internal(err, "extract %q", f.Name)
	}

	rc, err := f.Open()
	if err != nil {
		return apperrors.Validation("cannot read archive entry %q", f.Name)
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return apperrors.Internal(err, "extract %q", f.Name)
	}
	defer out.Close()

	n, err := io.Copy(out, io.LimitReader(rc, maxEntrySize+1))
	if err != nil {
		return apperrors.Internal(err, "extract %q", f.Name)
	}
	if n > maxEntrySize {
		return apperrors.Validation("archive entry %q exceeds %d byte limit", f.Name, maxEntrySize)
	}
	*total += n
	if *total > maxArchiveSize {
		return apperrors.Validation("archive exceeds %d byte extracted-size limit", maxArchiveSize)
	}
	return nil
}

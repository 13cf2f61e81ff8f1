package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/chiral-network/downloader/pkg/dlerr"
)

// CurrentVersion is the only metadata schema version this store accepts.
const CurrentVersion uint32 = 1

// Metadata is the persistent record for one in-flight download, written
// atomically to "<dest>.meta.json".
type Metadata struct {
	Version         uint32  `json:"version"`
	DownloadID      string  `json:"download_id"`
	SourceURL       string  `json:"source_url"`
	Etag            string  `json:"etag,omitempty"`
	ExpectedSize    int64   `json:"expected_size"`
	BytesDownloaded int64   `json:"bytes_downloaded"`
	LastModified    string  `json:"last_modified,omitempty"`
	Sha256Final     string  `json:"sha256_final,omitempty"`
	LeaseExp        *int64  `json:"lease_exp,omitempty"`
}

// Validate enforces the metadata invariants: bytes_downloaded <= expected_size
// and the schema version must not exceed what this store understands.
func (m *Metadata) Validate() error {
	if m.Version > CurrentVersion {
		return dlerr.New(dlerr.KindUnsupportedVersion, "metadata.Validate",
			fmt.Errorf("metadata version %d > supported %d", m.Version, CurrentVersion))
	}
	if m.BytesDownloaded > m.ExpectedSize {
		return dlerr.New(dlerr.KindIoError, "metadata.Validate",
			fmt.Errorf("bytes_downloaded %d exceeds expected_size %d", m.BytesDownloaded, m.ExpectedSize))
	}
	return nil
}

func metaPath(dest string) string     { return dest + ".meta.json" }
func metaTmpPath(dest string) string  { return dest + ".meta.json.tmp" }
func partPath(dest string) string     { return dest + ".part" }

// WriteMetadataAtomic serializes m as pretty JSON, fsyncs the staging file,
// and renames it onto the final metadata path so no reader ever observes a
// half-written file.
func WriteMetadataAtomic(fs afero.Fs, dest string, m *Metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return dlerr.New(dlerr.KindIoError, "WriteMetadataAtomic", err)
	}

	tmp := metaTmpPath(dest)
	f, err := fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return dlerr.Wrap(dlerr.KindIoError, "WriteMetadataAtomic.open", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return dlerr.Wrap(dlerr.KindIoError, "WriteMetadataAtomic.write", tmp, err)
	}
	if syncer, ok := f.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			f.Close()
			return dlerr.Wrap(dlerr.KindIoError, "WriteMetadataAtomic.sync", tmp, err)
		}
	}
	if err := f.Close(); err != nil {
		return dlerr.Wrap(dlerr.KindIoError, "WriteMetadataAtomic.close", tmp, err)
	}

	if err := fs.Rename(tmp, metaPath(dest)); err != nil {
		return dlerr.Wrap(dlerr.KindIoError, "WriteMetadataAtomic.rename", dest, err)
	}
	return nil
}

// ReadMetadata loads and validates the metadata record for dest, if present.
// It returns (nil, nil) if no metadata file exists.
func ReadMetadata(fs afero.Fs, dest string) (*Metadata, error) {
	data, err := afero.ReadFile(fs, metaPath(dest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, dlerr.Wrap(dlerr.KindIoError, "ReadMetadata", dest, err)
	}

	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, dlerr.Wrap(dlerr.KindIoError, "ReadMetadata.unmarshal", dest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// RemoveArtifacts deletes both the .part file and the metadata file for
// dest, ignoring "not found" errors — used when entering Restarting.
func RemoveArtifacts(fs afero.Fs, dest string) error {
	for _, p := range []string{partPath(dest), metaPath(dest), metaTmpPath(dest)} {
		if err := fs.Remove(p); err != nil && !os.IsNotExist(err) {
			return dlerr.Wrap(dlerr.KindIoError, "RemoveArtifacts", p, err)
		}
	}
	return nil
}

// dirname is a small filepath.Dir wrapper kept for readability at call sites.
func dirname(p string) string { return filepath.Dir(p) }

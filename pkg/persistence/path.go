package persistence

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/chiral-network/downloader/pkg/dlerr"
)

// SandboxPath canonicalizes dest against downloadsRoot and rejects any
// attempt to escape the root. If dest exists on disk it is resolved via
// EvalSymlinks; otherwise it is normalized lexically (Clean) without
// touching disk, per the "Path sandboxing" contract.
func SandboxPath(fs afero.Fs, downloadsRoot, dest string) (string, error) {
	root, err := canonicalRoot(fs, downloadsRoot)
	if err != nil {
		return "", dlerr.Wrap(dlerr.KindIoError, "SandboxPath.root", downloadsRoot, err)
	}

	candidate := dest
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}

	effective, err := resolveOrNormalize(fs, candidate)
	if err != nil {
		return "", dlerr.Wrap(dlerr.KindIoError, "SandboxPath.resolve", dest, err)
	}

	if effective != root && !strings.HasPrefix(effective, root+string(filepath.Separator)) {
		return "", dlerr.Wrap(dlerr.KindPathTraversal, "SandboxPath", dest,
			fmt.Errorf("effective path %q escapes root %q", effective, root))
	}
	return effective, nil
}

func canonicalRoot(fs afero.Fs, root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if real, ok := realPath(fs, abs); ok {
		return filepath.Clean(real), nil
	}
	return filepath.Clean(abs), nil
}

// resolveOrNormalize resolves symlinks for paths that exist; for paths that
// don't (the common case — a destination not yet created), it collapses
// "." and ".." segments lexically without ever touching the disk, exactly
// as the spec requires ("normalize if it exists else... collapsed without
// touching disk").
func resolveOrNormalize(fs afero.Fs, p string) (string, error) {
	if exists, _ := afero.Exists(fs, p); exists {
		if real, ok := realPath(fs, p); ok {
			return filepath.Clean(real), nil
		}
	}
	return filepath.Clean(p), nil
}

// realPath resolves symlinks only when fs is backed by the real OS
// filesystem; in-memory test filesystems have no symlink semantics, so
// this is a best-effort hook, not a hard dependency for correctness.
func realPath(fs afero.Fs, p string) (string, bool) {
	type symlinkEvaler interface {
		EvalSymlinks(path string) (string, error)
	}
	if e, ok := fs.(symlinkEvaler); ok {
		real, err := e.EvalSymlinks(p)
		if err == nil {
			return real, true
		}
	}
	return "", false
}


// Copyright (C) 2025 the sgrun authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package runtime

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sgrun/sgrun/internal/registry"
	"github.com/sgrun/sgrun/internal/sgerr"
)

// snapshotPaths lists what a snapshot carries, relative to the project
// root. The registry's kv mirror is deliberately absent: it is disposable
// and rebuilt from index.json on the next Open.
var snapshotPaths = []string{
	".sg/registry",
	".sg/regression.json",
	".sg/config.yaml",
	"phenotype.toml",
	"fusion_tracker.json",
}

// Snapshot writes a gzip-compressed tarball of root's persistent state to w.
func Snapshot(root string, w io.Writer) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for _, rel := range snapshotPaths {
		abs := filepath.Join(root, rel)
		info, err := os.Stat(abs)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("snapshot: stat %s: %w", rel, err)
		}
		if info.IsDir() {
			if err := snapshotDir(tw, root, rel); err != nil {
				return err
			}
			continue
		}
		if err := snapshotFile(tw, abs, rel, info); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("snapshot: close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("snapshot: close gzip: %w", err)
	}
	return nil
}

// SnapshotFile writes a snapshot atomically to path (temp file + rename).
func SnapshotFile(root, path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("snapshot: create %s: %w", tmp, err)
	}
	if err := Snapshot(root, f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func snapshotDir(tw *tar.Writer, root, rel string) error {
	return filepath.WalkDir(filepath.Join(root, rel), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return rerr
		}
		if d.IsDir() {
			if d.Name() == "kv" {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), ".tmp") {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return ierr
		}
		return snapshotFile(tw, path, name, info)
	})
}

func snapshotFile(tw *tar.Writer, abs, rel string, info os.FileInfo) error {
	hdr := &tar.Header{
		Name:    filepath.ToSlash(rel),
		Mode:    0o640,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("snapshot: header %s: %w", rel, err)
	}
	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("snapshot: open %s: %w", rel, err)
	}
	defer f.Close()
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("snapshot: copy %s: %w", rel, err)
	}
	return nil
}

// Restore unpacks a snapshot produced by Snapshot into root. Every allele
// source file is verified against the digest its filename claims; a
// mismatch aborts the restore with a RegistryCorrupt error before anything
// else is touched. Restore refuses paths that escape root.
func Restore(root string, rd io.Reader) error {
	gz, err := gzip.NewReader(rd)
	if err != nil {
		return fmt.Errorf("restore: gzip: %w", err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	type pending struct {
		rel  string
		data []byte
		mod  time.Time
	}
	var files []pending

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("restore: read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		rel := filepath.Clean(filepath.FromSlash(hdr.Name))
		if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) || filepath.IsAbs(rel) {
			return fmt.Errorf("restore: entry %q escapes root", hdr.Name)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return fmt.Errorf("restore: read %s: %w", hdr.Name, err)
		}
		if strings.HasSuffix(rel, ".src") {
			claimed := strings.TrimSuffix(filepath.Base(rel), ".src")
			if actual := registry.Digest(string(data)); actual != claimed {
				return sgerr.New(sgerr.RegistryCorrupt,
					fmt.Errorf("restore: %s claims digest %s but hashes to %s", rel, claimed, actual))
			}
		}
		files = append(files, pending{rel: rel, data: data, mod: hdr.ModTime})
	}

	for _, f := range files {
		abs := filepath.Join(root, f.rel)
		if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
			return fmt.Errorf("restore: mkdir for %s: %w", f.rel, err)
		}
		if err := os.WriteFile(abs, f.data, 0o640); err != nil {
			return fmt.Errorf("restore: write %s: %w", f.rel, err)
		}
	}
	return nil
}

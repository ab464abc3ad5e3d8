package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"
)

// ManifestName is the manifest entry inside every bundle.
const ManifestName = "archive_metadata.json"

// Source is a directory whose files matching Pattern are bundled under
// Prefix.
type Source struct {
	Prefix  string
	Dir     string
	Pattern string
}

// Manifest describes a bundle's contents.
type Manifest struct {
	Name      string            `json:"archive_name"`
	CreatedAt time.Time         `json:"created_at"`
	Counts    map[string]int    `json:"archived_components"`
	Checksums map[string]string `json:"checksums"`
}

// Bundle writes a gzip-compressed tarball named <name>_<timestamp>.tar.gz
// into dir holding every matching file from sources plus a manifest of
// SHA-256 checksums. Missing source directories are skipped.
func Bundle(ctx context.Context, dir, name string, at time.Time, sources []Source) (string, Manifest, error) {
	full := name + "_" + at.Format(TimestampLayout)
	m := Manifest{
		Name:      full,
		CreatedAt: at,
		Counts:    make(map[string]int),
		Checksums: make(map[string]string),
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", m, fmt.Errorf("create archive dir: %w", err)
	}

	dest := filepath.Join(dir, full+".tar.gz")
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", m, fmt.Errorf("create bundle: %w", err)
	}
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	err = writeSources(ctx, tw, full, sources, &m)
	if err == nil {
		err = writeManifest(tw, full, m)
	}
	if cerr := tw.Close(); err == nil {
		err = cerr
	}
	if cerr := gz.Close(); err == nil {
		err = cerr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dest)
		return "", m, fmt.Errorf("write bundle %s: %w", full, err)
	}
	return dest, m, nil
}

func writeSources(ctx context.Context, tw *tar.Writer, root string, sources []Source, m *Manifest) error {
	for _, src := range sources {
		matches, err := filepath.Glob(filepath.Join(src.Dir, src.Pattern))
		if err != nil {
			return err
		}
		sort.Strings(matches)
		for _, p := range matches {
			if err := ctx.Err(); err != nil {
				return err
			}
			info, err := os.Stat(p)
			if err != nil {
				return err
			}
			if info.IsDir() {
				continue
			}
			rel := path.Join(src.Prefix, filepath.Base(p))
			sum, err := addFile(tw, path.Join(root, rel), p, info)
			if err != nil {
				return fmt.Errorf("add %s: %w", p, err)
			}
			m.Checksums[rel] = sum
			m.Counts[src.Prefix]++
		}
	}
	return nil
}

func addFile(tw *tar.Writer, name, p string, info os.FileInfo) (string, error) {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return "", err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return "", err
	}
	in, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer in.Close()
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tw, h), in); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeManifest(tw *tar.Writer, root string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:    path.Join(root, ManifestName),
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: m.CreatedAt,
	}); err != nil {
		return err
	}
	_, err = tw.Write(data)
	return err
}

// ReadManifest returns the manifest stored in a bundle.
func ReadManifest(bundlePath string) (Manifest, error) {
	f, err := os.Open(bundlePath)
	if err != nil {
		return Manifest{}, err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return Manifest{}, err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return Manifest{}, fmt.Errorf("%s: no manifest", bundlePath)
		}
		if err != nil {
			return Manifest{}, err
		}
		if path.Base(hdr.Name) != ManifestName {
			continue
		}
		var m Manifest
		if err := json.NewDecoder(tr).Decode(&m); err != nil {
			return Manifest{}, fmt.Errorf("decode manifest: %w", err)
		}
		return m, nil
	}
}

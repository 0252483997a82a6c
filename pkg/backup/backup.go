// Package backup archives finished builds so a known-good distribution and
// its configuration can be restored after a failed rebuild.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"gopkg.in/yaml.v3"

	"github.com/osforge/osforge/pkg/config"
)

const manifestFile = "manifest.json"

// Entry describes one stored backup.
type Entry struct {
	Name      string        `json:"name"`
	Path      string        `json:"path"`
	Digest    digest.Digest `json:"digest"`
	Size      int64         `json:"size"`
	CreatedAt time.Time     `json:"created_at"`
}

// Manager writes and restores build backups in a directory beside the
// workspace, tracked by a JSON manifest with per-archive digests.
type Manager struct {
	cfg *config.Config
	dir string

	// Logger receives progress lines; nil disables logging.
	Logger func(format string, args ...any)
}

// NewManager returns a manager storing backups next to the workspace.
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		cfg: cfg,
		dir: filepath.Join(filepath.Dir(cfg.Workspace), "backups"),
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.Logger != nil {
		m.Logger(format, args...)
	}
}

// Create archives the distribution tree and the effective configuration
// into a timestamped tar.gz and records it in the manifest.
func (m *Manager) Create() (*Entry, error) {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	stamp := time.Now().Format("20060102_150405")
	name := fmt.Sprintf("%s_%s_%s.tar.gz", m.cfg.OSName, m.cfg.Version, stamp)
	path := filepath.Join(m.dir, name)

	if err := m.writeArchive(path); err != nil {
		os.Remove(path)
		return nil, err
	}

	dgst, size, err := fileDigest(path)
	if err != nil {
		return nil, err
	}

	entry := Entry{
		Name:      name,
		Path:      path,
		Digest:    dgst,
		Size:      size,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.appendManifest(entry); err != nil {
		return nil, err
	}

	m.logf("backup created: %s (%d bytes)", path, size)
	return &entry, nil
}

func (m *Manager) writeArchive(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	defer file.Close()

	gz := gzip.NewWriter(file)
	tw := tar.NewWriter(gz)

	if _, err := os.Stat(m.cfg.DistDir()); err == nil {
		if err := addTree(tw, m.cfg.DistDir(), "dist"); err != nil {
			return err
		}
	}

	cfgData, err := yaml.Marshal(m.cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := addFile(tw, "config.yaml", cfgData); err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	return file.Close()
}

func addTree(tw *tar.Writer, root, prefix string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(filepath.Join(prefix, rel))

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
}

func addFile(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

func fileDigest(path string) (digest.Digest, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	dgst, err := digest.FromReader(file)
	if err != nil {
		return "", 0, fmt.Errorf("digest backup: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		return "", 0, err
	}
	return dgst, info.Size(), nil
}

// List returns stored backups, oldest first.
func (m *Manager) List() ([]Entry, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, manifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("corrupt backup manifest: %w", err)
	}
	return entries, nil
}

func (m *Manager) appendManifest(entry Entry) error {
	entries, err := m.List()
	if err != nil {
		return err
	}
	entries = append(entries, entry)

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.dir, manifestFile), data, 0644)
}

// Restore verifies the named backup against its recorded digest and unpacks
// it into the workspace.
func (m *Manager) Restore(name string) error {
	entries, err := m.List()
	if err != nil {
		return err
	}

	var entry *Entry
	for i := range entries {
		if entries[i].Name == name {
			entry = &entries[i]
			break
		}
	}
	if entry == nil {
		return fmt.Errorf("unknown backup: %s", name)
	}

	file, err := os.Open(entry.Path)
	if err != nil {
		return err
	}
	defer file.Close()

	verifier := entry.Digest.Verifier()
	if _, err := io.Copy(verifier, file); err != nil {
		return err
	}
	if !verifier.Verified() {
		return fmt.Errorf("backup %s does not match its recorded digest", name)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	m.logf("restoring %s into %s", name, m.cfg.Workspace)
	return extract(file, m.cfg.Workspace)
}

func extract(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&0777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
}

// safeJoin rejects archive member names that would escape the destination.
func safeJoin(dest, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("unsafe path in backup: %s", name)
	}
	target := filepath.Join(dest, filepath.FromSlash(name))
	if target != filepath.Clean(dest) && !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return "", fmt.Errorf("unsafe path in backup: %s", name)
	}
	return target, nil
}

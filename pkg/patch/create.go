package patch

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Create diffs the given workspace-relative paths in tree against the
// pristine reference snapshot and stores the result as a new pending patch
// at the next free sort position. An empty diff is ErrNoChanges.
func (s *Set) Create(name string, paths []string, tree, reference string) (*Patch, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("at least one path is required")
	}

	var files []FilePatch
	for _, rel := range paths {
		oldContent, err := readIfExists(reference, rel)
		if err != nil {
			return nil, err
		}
		newContent, err := readIfExists(tree, rel)
		if err != nil {
			return nil, err
		}

		filePatch, changed := DiffContents(rel, oldContent, newContent)
		if !changed {
			continue
		}
		files = append(files, filePatch)
	}

	if len(files) == 0 {
		return nil, ErrNoChanges
	}

	var content strings.Builder
	for _, filePatch := range files {
		content.WriteString(FormatUnifiedDiff(filePatch))
	}

	fileName := fmt.Sprintf("%03d-%s.patch", s.nextPosition(), sanitizeName(name))
	path := filepath.Join(s.dir, fileName)
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(content.String()), 0644); err != nil {
		return nil, fmt.Errorf("write patch %s: %w", fileName, err)
	}

	p := &Patch{
		Name:    fileName,
		Path:    path,
		State:   StatePending,
		content: content.String(),
		files:   files,
	}
	s.patches = append(s.patches, p)
	if err := s.status.save(s.patches); err != nil {
		return nil, err
	}
	return p, nil
}

// nextPosition returns one past the highest numeric prefix in the set.
func (s *Set) nextPosition() int {
	next := 1
	for _, p := range s.patches {
		key := sortKey(p.Name)
		n, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		if n >= next {
			next = n + 1
		}
	}
	return next
}

func sanitizeName(name string) string {
	name = strings.TrimSuffix(name, ".patch")
	name = strings.ToLower(name)
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			sb.WriteRune(r)
		case r == ' ', r == '_':
			sb.WriteByte('-')
		}
	}
	return sb.String()
}

func readIfExists(root, rel string) (string, error) {
	path, err := safeJoin(root, rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

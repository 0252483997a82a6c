package patch

import (
	"fmt"
	"strconv"
	"strings"
)

// FilePatch is the parsed unified diff for a single file.
type FilePatch struct {
	OldPath string
	NewPath string
	Hunks   []Hunk
}

// Hunk is one unified diff hunk.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []string
}

// ParseUnifiedDiff parses unified diff text into per-file patches.
func ParseUnifiedDiff(input string) ([]FilePatch, error) {
	lines := strings.Split(input, "\n")
	var patches []FilePatch

	for i := 0; i < len(lines); {
		line := lines[i]
		if !strings.HasPrefix(line, "--- ") {
			i++
			continue
		}

		oldPath := parseDiffPath(line)
		i++
		if i >= len(lines) || !strings.HasPrefix(lines[i], "+++ ") {
			return nil, fmt.Errorf("expected +++ after --- for %s", oldPath)
		}
		newPath := parseDiffPath(lines[i])
		i++

		filePatch := FilePatch{OldPath: oldPath, NewPath: newPath}
		for i < len(lines) && strings.HasPrefix(lines[i], "@@") {
			hunk, next, err := parseHunk(lines, i)
			if err != nil {
				return nil, err
			}
			filePatch.Hunks = append(filePatch.Hunks, hunk)
			i = next
		}

		patches = append(patches, filePatch)
	}

	if len(patches) == 0 {
		return nil, fmt.Errorf("no unified diff content found")
	}
	return patches, nil
}

func parseDiffPath(line string) string {
	trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(line, "---"), "+++"))
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func parseHunk(lines []string, start int) (Hunk, int, error) {
	oldStart, oldLines, newStart, newLines, err := parseHunkHeader(lines[start])
	if err != nil {
		return Hunk{}, 0, err
	}

	hunk := Hunk{
		OldStart: oldStart,
		OldLines: oldLines,
		NewStart: newStart,
		NewLines: newLines,
	}

	i := start + 1
	for i < len(lines) {
		if strings.HasPrefix(lines[i], "@@") || strings.HasPrefix(lines[i], "--- ") {
			break
		}
		if strings.HasPrefix(lines[i], "\\") {
			i++
			continue
		}
		hunk.Lines = append(hunk.Lines, lines[i])
		i++
	}

	// Drop the trailing empty element produced by a final newline.
	for len(hunk.Lines) > 0 && hunk.Lines[len(hunk.Lines)-1] == "" {
		hunk.Lines = hunk.Lines[:len(hunk.Lines)-1]
	}

	return hunk, i, nil
}

func parseHunkHeader(line string) (int, int, int, int, error) {
	if !strings.HasPrefix(line, "@@") {
		return 0, 0, 0, 0, fmt.Errorf("invalid hunk header: %s", line)
	}

	trimmed := strings.TrimSpace(strings.TrimPrefix(line, "@@"))
	if i := strings.Index(trimmed, "@@"); i >= 0 {
		trimmed = trimmed[:i]
	}
	fields := strings.Fields(trimmed)
	if len(fields) < 2 {
		return 0, 0, 0, 0, fmt.Errorf("invalid hunk header: %s", line)
	}

	oldStart, oldLines, err := parseHunkRange(fields[0], '-')
	if err != nil {
		return 0, 0, 0, 0, err
	}
	newStart, newLines, err := parseHunkRange(fields[1], '+')
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return oldStart, oldLines, newStart, newLines, nil
}

func parseHunkRange(value string, sign byte) (int, int, error) {
	value = strings.TrimSpace(value)
	if len(value) == 0 || value[0] != sign {
		return 0, 0, fmt.Errorf("invalid hunk range: %s", value)
	}

	parts := strings.SplitN(value[1:], ",", 2)
	start, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid hunk start: %s", value)
	}

	count := 1
	if len(parts) == 2 {
		count, err = strconv.Atoi(parts[1])
		if err != nil {
			return 0, 0, fmt.Errorf("invalid hunk length: %s", value)
		}
	}

	return start, count, nil
}

// applyHunks applies hunks to the original content with strict context
// matching. Any mismatch between expected and actual lines is an error;
// there is no fuzzing.
func applyHunks(original string, hunks []Hunk) (string, error) {
	oldLines := splitLines(original)
	var newLines []string

	index := 0
	for _, hunk := range hunks {
		targetIndex := hunk.OldStart - 1
		if targetIndex < 0 {
			targetIndex = 0
		}
		if targetIndex < index || targetIndex > len(oldLines) {
			return "", fmt.Errorf("hunk start out of range at line %d", hunk.OldStart)
		}

		newLines = append(newLines, oldLines[index:targetIndex]...)
		index = targetIndex

		for _, line := range hunk.Lines {
			if line == "" {
				line = " "
			}
			text := line[1:]
			switch line[0] {
			case ' ':
				if index >= len(oldLines) || oldLines[index] != text {
					return "", fmt.Errorf("context mismatch at line %d: %q", index+1, text)
				}
				newLines = append(newLines, text)
				index++
			case '-':
				if index >= len(oldLines) || oldLines[index] != text {
					return "", fmt.Errorf("delete mismatch at line %d: %q", index+1, text)
				}
				index++
			case '+':
				newLines = append(newLines, text)
			default:
				return "", fmt.Errorf("invalid hunk line: %q", line)
			}
		}
	}

	newLines = append(newLines, oldLines[index:]...)
	if len(newLines) == 0 {
		return "", nil
	}
	return strings.Join(newLines, "\n") + "\n", nil
}

func splitLines(content string) []string {
	if content == "" {
		return []string{}
	}
	content = strings.TrimSuffix(content, "\n")
	return strings.Split(content, "\n")
}

// Invert returns the reverse patch: applying it undoes the original.
func (p FilePatch) Invert() FilePatch {
	inverted := FilePatch{OldPath: p.NewPath, NewPath: p.OldPath}
	for _, hunk := range p.Hunks {
		inv := Hunk{
			OldStart: hunk.NewStart,
			OldLines: hunk.NewLines,
			NewStart: hunk.OldStart,
			NewLines: hunk.OldLines,
		}
		for _, line := range hunk.Lines {
			if line == "" {
				line = " "
			}
			switch line[0] {
			case '+':
				inv.Lines = append(inv.Lines, "-"+line[1:])
			case '-':
				inv.Lines = append(inv.Lines, "+"+line[1:])
			default:
				inv.Lines = append(inv.Lines, line)
			}
		}
		inverted.Hunks = append(inverted.Hunks, inv)
	}
	return inverted
}

const diffContextLines = 3

// FormatUnifiedDiff renders a file patch back to unified diff text.
func FormatUnifiedDiff(p FilePatch) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "--- %s\n", p.OldPath)
	fmt.Fprintf(&sb, "+++ %s\n", p.NewPath)
	for _, hunk := range p.Hunks {
		fmt.Fprintf(&sb, "@@ -%s +%s @@\n",
			formatHunkRange(hunk.OldStart, hunk.OldLines),
			formatHunkRange(hunk.NewStart, hunk.NewLines))
		for _, line := range hunk.Lines {
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

func formatHunkRange(start, count int) string {
	if count == 1 {
		return strconv.Itoa(start)
	}
	return fmt.Sprintf("%d,%d", start, count)
}

// DiffContents computes the unified diff between two versions of a file.
// The second return value is false when the contents are identical.
func DiffContents(relPath, oldContent, newContent string) (FilePatch, bool) {
	if oldContent == newContent {
		return FilePatch{}, false
	}

	oldLines := splitLines(oldContent)
	newLines := splitLines(newContent)
	ops := diffOps(oldLines, newLines)

	filePatch := FilePatch{OldPath: "a/" + relPath, NewPath: "b/" + relPath}
	if oldContent == "" {
		filePatch.OldPath = "/dev/null"
	}
	if newContent == "" {
		filePatch.NewPath = "/dev/null"
	}
	filePatch.Hunks = buildHunks(ops)
	return filePatch, true
}

type diffOp struct {
	kind byte // ' ', '-', '+'
	text string
}

// diffOps computes a line-level edit script via a longest-common-subsequence
// table. Patch files are small and hand-curated, so the quadratic table is
// acceptable.
func diffOps(oldLines, newLines []string) []diffOp {
	n, m := len(oldLines), len(newLines)
	table := make([][]int, n+1)
	for i := range table {
		table[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if oldLines[i] == newLines[j] {
				table[i][j] = table[i+1][j+1] + 1
			} else if table[i+1][j] >= table[i][j+1] {
				table[i][j] = table[i+1][j]
			} else {
				table[i][j] = table[i][j+1]
			}
		}
	}

	var ops []diffOp
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case oldLines[i] == newLines[j]:
			ops = append(ops, diffOp{' ', oldLines[i]})
			i++
			j++
		case table[i+1][j] >= table[i][j+1]:
			ops = append(ops, diffOp{'-', oldLines[i]})
			i++
		default:
			ops = append(ops, diffOp{'+', newLines[j]})
			j++
		}
	}
	for ; i < n; i++ {
		ops = append(ops, diffOp{'-', oldLines[i]})
	}
	for ; j < m; j++ {
		ops = append(ops, diffOp{'+', newLines[j]})
	}
	return ops
}

// buildHunks groups an edit script into hunks with surrounding context,
// merging changes separated by fewer than 2*diffContextLines common lines.
func buildHunks(ops []diffOp) []Hunk {
	var hunks []Hunk

	oldLine, newLine := 1, 1
	i := 0
	for i < len(ops) {
		if ops[i].kind == ' ' {
			oldLine++
			newLine++
			i++
			continue
		}

		// Found a change; open a hunk with leading context.
		start := i
		lead := diffContextLines
		if start < lead {
			lead = start
		}
		for k := 1; k <= lead; k++ {
			if ops[start-k].kind != ' ' {
				lead = k - 1
				break
			}
		}

		hunk := Hunk{
			OldStart: oldLine - lead,
			NewStart: newLine - lead,
		}
		for k := start - lead; k < start; k++ {
			hunk.Lines = append(hunk.Lines, " "+ops[k].text)
			hunk.OldLines++
			hunk.NewLines++
		}

		// Consume changes and any common runs short enough to merge.
		for i < len(ops) {
			if ops[i].kind == ' ' {
				run := 0
				for i+run < len(ops) && ops[i+run].kind == ' ' {
					run++
				}
				if i+run == len(ops) || run > 2*diffContextLines {
					// Close with trailing context.
					trail := run
					if trail > diffContextLines {
						trail = diffContextLines
					}
					for k := 0; k < trail; k++ {
						hunk.Lines = append(hunk.Lines, " "+ops[i+k].text)
						hunk.OldLines++
						hunk.NewLines++
					}
					oldLine += run
					newLine += run
					i += run
					break
				}
				for k := 0; k < run; k++ {
					hunk.Lines = append(hunk.Lines, " "+ops[i+k].text)
					hunk.OldLines++
					hunk.NewLines++
				}
				oldLine += run
				newLine += run
				i += run
				continue
			}

			switch ops[i].kind {
			case '-':
				hunk.Lines = append(hunk.Lines, "-"+ops[i].text)
				hunk.OldLines++
				oldLine++
			case '+':
				hunk.Lines = append(hunk.Lines, "+"+ops[i].text)
				hunk.NewLines++
				newLine++
			}
			i++
		}

		if hunk.OldLines == 0 {
			hunk.OldStart--
		}
		if hunk.NewLines == 0 {
			hunk.NewStart--
		}
		hunks = append(hunks, hunk)
	}

	return hunks
}

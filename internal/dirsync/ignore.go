package dirsync

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/dirsync/internal/utils"
	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFileName is read from the root of a synced directory when present
const IgnoreFileName = ".dirsyncignore"

// IgnoreList holds gitignore style patterns matched against paths relative to a root.
// A nil or empty list ignores nothing.
type IgnoreList struct {
	root     string
	patterns []string
	ignore   *gitignore.GitIgnore
}

func NewIgnoreList(root string, patterns ...string) *IgnoreList {
	return &IgnoreList{root: root, patterns: patterns}
}

// Load compiles the configured patterns together with the root's ignore file
func (l *IgnoreList) Load() {
	lines := make([]string, 0, len(l.patterns))
	for _, p := range l.patterns {
		if p = strings.TrimSpace(p); p != "" {
			lines = append(lines, p)
		}
	}

	ignorePath := filepath.Join(l.root, IgnoreFileName)
	if utils.FileExists(ignorePath) {
		fileLines, err := readIgnoreFile(ignorePath)
		if err != nil {
			slog.Warn("dirsync ignore file read", "path", ignorePath, "error", err)
		} else {
			slog.Info("dirsync ignore file loaded", "path", ignorePath, "rules", len(fileLines))
			lines = append(lines, fileLines...)
		}
	}

	// patterns repeated between config and file compile once
	seen := mapset.NewThreadUnsafeSet[string]()
	unique := lines[:0]
	for _, line := range lines {
		if seen.Add(line) {
			unique = append(unique, line)
		}
	}

	if len(unique) == 0 {
		l.ignore = nil
		return
	}
	l.ignore = gitignore.CompileIgnoreLines(unique...)
}

func readIgnoreFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

// ShouldIgnore reports whether rel, a slash or OS separated path relative to the root, is excluded.
func (l *IgnoreList) ShouldIgnore(rel string, isDir bool) bool {
	if l == nil || l.ignore == nil || rel == "." || rel == "" {
		return false
	}
	rel = filepath.ToSlash(rel)
	if isDir {
		return l.ignore.MatchesPath(rel) || l.ignore.MatchesPath(rel+"/")
	}
	return l.ignore.MatchesPath(rel)
}

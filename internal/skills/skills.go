// Package skills lists the agent skill files available on the machine.
// Skills are markdown files under a base directory (~/.claude/skills)
// and optionally under the active repository (.claude/skills); repo
// skills override base skills of the same name.
package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const frontmatterDelimiter = "---"

// cacheTTL bounds how stale a skill listing may be before a rescan.
const cacheTTL = 5 * time.Minute

// Skill is one discovered skill file.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Source      string `json:"source"` // "base" or "repo"
}

// Lister scans skill directories with a short-lived cache.
type Lister struct {
	baseDir string
	logger  *slog.Logger

	mu        sync.Mutex
	cached    []Skill
	cachedFor string
	cachedAt  time.Time
}

// NewLister creates a lister over baseDir (usually ~/.claude/skills).
func NewLister(baseDir string, logger *slog.Logger) *Lister {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lister{
		baseDir: baseDir,
		logger:  logger.With("component", "skills"),
	}
}

// List returns all skills visible with repoDir active, repo entries
// overriding base entries of the same name. Results are cached for a
// short interval per repo.
func (l *Lister) List(repoDir string) []Skill {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cachedFor == repoDir && time.Since(l.cachedAt) < cacheTTL {
		return l.cached
	}

	merged := map[string]Skill{}
	for _, s := range l.scanDir(l.baseDir, "base") {
		merged[s.Name] = s
	}
	if repoDir != "" {
		for _, s := range l.scanDir(filepath.Join(repoDir, ".claude", "skills"), "repo") {
			merged[s.Name] = s
		}
	}

	out := make([]Skill, 0, len(merged))
	for _, s := range merged {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	l.cached = out
	l.cachedFor = repoDir
	l.cachedAt = time.Now()
	return out
}

// Invalidate drops the cache so the next List rescans.
func (l *Lister) Invalidate() {
	l.mu.Lock()
	l.cachedAt = time.Time{}
	l.mu.Unlock()
}

func (l *Lister) scanDir(dir, source string) []Skill {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn("skills directory unreadable", "dir", dir, "error", err)
		}
		return nil
	}

	var skills []Skill
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		desc, err := describe(path)
		if err != nil {
			l.logger.Warn("skipping unreadable skill", "path", path, "error", err)
			continue
		}
		skills = append(skills, Skill{
			Name:        strings.TrimSuffix(entry.Name(), ".md"),
			Description: desc,
			Source:      source,
		})
	}
	return skills
}

// describe extracts the description from a skill file: the frontmatter
// description field if present, else the first non-empty content line.
func describe(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read skill: %w", err)
	}

	frontmatter, body := splitFrontmatter(data)
	if len(frontmatter) > 0 {
		var meta struct {
			Description string `yaml:"description"`
		}
		if err := yaml.Unmarshal(frontmatter, &meta); err == nil && meta.Description != "" {
			return strings.TrimSpace(meta.Description), nil
		}
	}

	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(strings.TrimLeft(scanner.Text(), "# "))
		if line != "" {
			return line, nil
		}
	}
	return "", nil
}

// splitFrontmatter separates YAML frontmatter from the markdown body.
// Files without frontmatter return (nil, data).
func splitFrontmatter(data []byte) (frontmatter, body []byte) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, data
	}

	var fmLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		fmLines = append(fmLines, line)
	}
	if !closed {
		return nil, data
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	return []byte(strings.Join(fmLines, "\n")), []byte(strings.Join(bodyLines, "\n"))
}

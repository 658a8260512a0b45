// Package syncpath decides which paths may sync and keeps every resolved
// path inside the sync root.
//
// A Policy answers two questions. Eligible is the wire-level check: is this
// relative path well-formed, inside an allowed top-level directory, and not
// ignored? ResolvesInsideRoot is the filesystem-level check: after following
// symlinks, does this absolute path still land under the root? Both checks
// run before any write; containment runs again after directories are
// created, since a fresh parent directory can itself be a symlink planted
// between the two steps.
package syncpath

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// File size ceilings per sync profile.
const (
	// DefaultMaxFileSize bounds files on the coordination channel.
	DefaultMaxFileSize = 256 * 1024
	// ProjectMaxFileSize bounds files when mirroring a project tree.
	ProjectMaxFileSize = 2 * 1024 * 1024
)

// CoordinationDirs are the top-level directories synced on the coordination
// channel. Anything outside them is not eligible.
var CoordinationDirs = []string{"tasks", "shared", "compound", "pm", "qa"}

// defaultIgnores are always skipped, in both profiles: version-control
// internals, dependency and build trees, OS droppings, and editor or sync
// temp files. A trailing slash marks a directory name matched anywhere in
// the path; other patterns match any single path segment.
var defaultIgnores = []string{
	".git/",
	".jj/",
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
	"__pycache__/",
	"*.pyc",
	"*.pyo",
	".env",
	"venv/",
	".venv/",
	"*.egg-info",
	"dist/",
	"node_modules/",
	".build/",
	"DerivedData/",
	"*.xcworkspace",
	"Pods/",
	".swiftpm/",
	"build/",
	"*.tmp",
	"*.swp",
	"*~",
}

// Policy holds the sync rules for one root directory.
type Policy struct {
	root        string   // absolute sync root
	allowedDirs []string // nil means the whole tree is eligible
	ignores     []string
	maxFileSize int64
}

// Coordination returns the policy for the coordination channel rooted at
// root: only CoordinationDirs are eligible, default ignores apply, and the
// small file ceiling is in force.
func Coordination(root string) (*Policy, error) {
	return newPolicy(root, CoordinationDirs, nil, DefaultMaxFileSize)
}

// Project returns the policy for mirroring a project tree rooted at root:
// the whole tree is eligible, the root's .gitignore rules are layered on
// top of the defaults, and the larger file ceiling applies.
func Project(root string) (*Policy, error) {
	rules, err := loadIgnoreRules(filepath.Join(root, ".gitignore"))
	if err != nil {
		return nil, err
	}
	return newPolicy(root, nil, rules, ProjectMaxFileSize)
}

func newPolicy(root string, allowed, extraIgnores []string, maxSize int64) (*Policy, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sync root: %w", err)
	}
	ignores := make([]string, 0, len(defaultIgnores)+len(extraIgnores))
	ignores = append(ignores, defaultIgnores...)
	ignores = append(ignores, extraIgnores...)
	return &Policy{
		root:        abs,
		allowedDirs: allowed,
		ignores:     ignores,
		maxFileSize: maxSize,
	}, nil
}

// Root returns the absolute sync root.
func (p *Policy) Root() string {
	return p.root
}

// MaxFileSize returns the per-file size ceiling in bytes.
func (p *Policy) MaxFileSize() int64 {
	return p.maxFileSize
}

// Eligible reports whether the slash-separated relative path rel may sync
// under this policy. The path must be relative, must not contain a ".."
// segment, must start under an allowed directory when the policy restricts
// them, and must not match an ignore pattern. Segments are inspected as
// given; nothing is normalized away first.
func (p *Policy) Eligible(rel string) bool {
	if rel == "" {
		return false
	}
	if strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, "\\") {
		return false
	}
	if filepath.IsAbs(filepath.FromSlash(rel)) {
		return false
	}
	parts := strings.Split(rel, "/")
	for _, part := range parts {
		if part == ".." {
			return false
		}
	}
	if p.allowedDirs != nil {
		allowed := false
		for _, dir := range p.allowedDirs {
			if parts[0] == dir {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	return !p.ignored(parts)
}

// Rel converts an absolute path into its slash-separated sync path,
// reporting whether the path is eligible.
func (p *Policy) Rel(abs string) (string, bool) {
	rel, err := filepath.Rel(p.root, abs)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if !p.Eligible(rel) {
		return "", false
	}
	return rel, true
}

// Abs converts a slash-separated sync path into an absolute path under the
// root. It does not validate; call Eligible first.
func (p *Policy) Abs(rel string) string {
	return filepath.Join(p.root, filepath.FromSlash(rel))
}

// DescendDir reports whether a walk should descend into the directory at
// the slash-separated relative path rel. The root itself ("." or "") is
// always descended; otherwise the directory must sit under an allowed
// top-level directory (or be one, or be an ancestor of one) and must not
// match an ignore pattern.
func (p *Policy) DescendDir(rel string) bool {
	if rel == "" || rel == "." {
		return true
	}
	parts := strings.Split(rel, "/")
	for _, part := range parts {
		if part == ".." {
			return false
		}
	}
	if p.allowedDirs != nil {
		allowed := false
		for _, dir := range p.allowedDirs {
			if parts[0] == dir {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	return !p.ignored(parts)
}

// ResolvesInsideRoot reports whether abs, after resolving every symlink in
// it, still lands inside the sync root. Components that do not exist yet
// resolve through their deepest existing ancestor, matching what a
// subsequent create would do.
func (p *Policy) ResolvesInsideRoot(abs string) bool {
	root, err := resolvePath(p.root)
	if err != nil {
		return false
	}
	resolved, err := resolvePath(abs)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (p *Policy) ignored(parts []string) bool {
	base := parts[len(parts)-1]
	for _, pattern := range p.ignores {
		if dir, ok := strings.CutSuffix(pattern, "/"); ok {
			for _, part := range parts {
				if matchSegment(dir, part) {
					return true
				}
			}
			continue
		}
		if matchSegment(pattern, base) {
			return true
		}
		for _, part := range parts[:len(parts)-1] {
			if matchSegment(pattern, part) {
				return true
			}
		}
	}
	return false
}

func matchSegment(pattern, segment string) bool {
	if !strings.ContainsAny(pattern, "*?[") {
		return pattern == segment
	}
	ok, err := path.Match(pattern, segment)
	return err == nil && ok
}

// resolvePath resolves symlinks in a path that may not fully exist:
// the deepest existing ancestor is resolved and the remaining components
// are rejoined unresolved.
func resolvePath(p string) (string, error) {
	p = filepath.Clean(p)
	suffix := ""
	for cur := p; ; {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			if suffix == "" {
				return resolved, nil
			}
			return filepath.Join(resolved, suffix), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		if suffix == "" {
			suffix = filepath.Base(cur)
		} else {
			suffix = filepath.Join(filepath.Base(cur), suffix)
		}
		cur = parent
	}
}

// loadIgnoreRules reads ignore patterns from a .gitignore-style file.
// Comments, blank lines, and negations are skipped; a missing file yields
// no rules.
func loadIgnoreRules(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ignore rules: %w", err)
	}
	defer f.Close()

	var rules []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		line = strings.TrimPrefix(line, "/")
		rules = append(rules, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ignore rules: %w", err)
	}
	return rules, nil
}

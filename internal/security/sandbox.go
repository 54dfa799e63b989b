package security

import (
	"fmt"
	"os"
	"path/filepath"

	"agentswarm/internal/domain"
)

// Sandbox confines agent file access to one workspace directory. The root
// is stored with symlinks resolved so containment checks compare real paths.
type Sandbox struct {
	root string
}

// NewSandbox roots a sandbox at dir, which must exist.
func NewSandbox(dir string) (*Sandbox, error) {
	root, err := filepath.Abs(dir)
	if err == nil {
		root, err = filepath.EvalSymlinks(root)
	}
	if err != nil {
		return nil, fmt.Errorf("sandbox root %q: %w", dir, err)
	}
	if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("sandbox root %q is not a directory", dir)
	}
	return &Sandbox{root: root}, nil
}

// ValidatePath resolves requested against the root (relative paths are taken
// relative to it) and checks the result stays inside. Symlinks are resolved
// on the longest existing prefix, so paths to files and directories that do
// not exist yet are accepted when their nearest existing ancestor is inside.
func (s *Sandbox) ValidatePath(requested string) (string, error) {
	if requested == "" {
		return "", domain.NewDomainError("Sandbox.ValidatePath", domain.ErrInvalidInput, "empty path")
	}
	if !filepath.IsAbs(requested) {
		requested = filepath.Join(s.root, requested)
	}
	abs := filepath.Clean(requested)

	resolved, err := resolveExisting(abs)
	if err != nil {
		return "", domain.NewDomainError("Sandbox.ValidatePath", domain.ErrPathOutsideSandbox, err.Error())
	}

	if !s.isWithinRoot(resolved) {
		return "", domain.NewDomainError("Sandbox.ValidatePath", domain.ErrPathOutsideSandbox,
			fmt.Sprintf("resolved %q is outside root %q", resolved, s.root))
	}

	return resolved, nil
}

// resolveExisting evaluates symlinks on the deepest existing ancestor of path
// and re-appends the missing tail.
func resolveExisting(path string) (string, error) {
	var tail []string
	cur := path
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}

// Rel returns path relative to the sandbox root, for display.
func (s *Sandbox) Rel(path string) string {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return path
	}
	return rel
}

// Root returns the sandbox root directory.
func (s *Sandbox) Root() string { return s.root }

func (s *Sandbox) isWithinRoot(path string) bool {
	rel, err := filepath.Rel(s.root, path)
	return err == nil && (rel == "." || filepath.IsLocal(rel))
}

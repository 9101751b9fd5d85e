package dirsync

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/openmined/dirsync/internal/utils"
)

var ErrNoDataRoot = errors.New("data root not configured")

// ArchiveKey names the remote archive of a directory: {name}.tar.gz, or
// {name}-node-{index}.tar.gz when a node index is given.
func ArchiveKey(name string, nodeIndex *int) string {
	if nodeIndex != nil {
		return name + "-node-" + strconv.Itoa(*nodeIndex) + ArchiveExt
	}
	return name + ArchiveExt
}

// LocationResolver decides which remote location a manager reads and writes
type LocationResolver interface {
	Resolve() (string, error)
}

// RunContext scopes remote archives to one run of a workflow
type RunContext struct {
	Flow  string `mapstructure:"flow" yaml:"flow"`
	RunID string `mapstructure:"run_id" yaml:"run_id"`
}

func (r *RunContext) IsZero() bool {
	return r == nil || (r.Flow == "" && r.RunID == "")
}

func (r *RunContext) validate() error {
	if r.Flow == "" || r.RunID == "" {
		return fmt.Errorf("run context requires both flow and run_id")
	}
	if strings.ContainsAny(r.Flow+r.RunID, `/\`) {
		return fmt.Errorf("run context %s/%s: separators not allowed", r.Flow, r.RunID)
	}
	return nil
}

// PrecedenceResolver resolves a location in order of precedence:
// run context, then an explicit remote root, then DataRoot joined with the
// root's path relative to the working directory.
type PrecedenceResolver struct {
	Run        *RunContext
	RemoteRoot string
	DataRoot   string
	Root       string
}

func (p *PrecedenceResolver) Resolve() (string, error) {
	if !p.Run.IsZero() {
		if err := p.Run.validate(); err != nil {
			return "", err
		}
		if p.DataRoot == "" {
			return "", fmt.Errorf("%w: needed for run %s/%s", ErrNoDataRoot, p.Run.Flow, p.Run.RunID)
		}
		return joinLocation(p.DataRoot, p.Run.Flow, p.Run.RunID)
	}

	if p.RemoteRoot != "" {
		return p.RemoteRoot, nil
	}

	if p.DataRoot == "" {
		return "", ErrNoDataRoot
	}

	rel, ok := utils.RelToWorkDir(p.Root)
	if !ok {
		// outside of the working directory there is no meaningful relative path
		rel = filepath.Base(p.Root)
	}
	return joinLocation(p.DataRoot, filepath.ToSlash(rel))
}

// joinLocation appends path segments to a URL or a bare prefix
func joinLocation(base string, parts ...string) (string, error) {
	if !strings.Contains(base, "://") {
		return path.Join(append([]string{base}, parts...)...), nil
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse location %q: %w", base, err)
	}
	u.Path = path.Join(append([]string{"/", u.Path}, parts...)...)
	return u.String(), nil
}

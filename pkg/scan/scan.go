// Package scan implements the filesystem discovery stage: a recursive
// walker with ordered filters, symlink-loop detection keyed by resolved
// device and inode, permission-error continuation, and a file/runtime
// budget. Resumability across runs is delegated to the scan manifest.
package scan

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrKind classifies non-fatal per-path discovery failures.
type ErrKind string

const (
	// ErrKindPermission marks a directory or file that could not be
	// read. Traversal continues with siblings.
	ErrKindPermission ErrKind = "permission_denied"

	// ErrKindSymlinkLoop marks a symlink whose resolved target was
	// already visited in this walk.
	ErrKindSymlinkLoop ErrKind = "symlink_loop"

	// ErrKindIO marks any other per-path read failure, such as a
	// transient I/O error or an entry that vanished mid-walk.
	ErrKindIO ErrKind = "io_error"
)

// BudgetReasonFiles and BudgetReasonRuntime mark which budget stopped
// a partially-completed walk.
const (
	BudgetReasonFiles   = "max_files"
	BudgetReasonRuntime = "max_runtime"
)

// Discovered is one file that passed all filters.
type Discovered struct {
	Path  string
	Size  int64
	MTime time.Time
}

// PathError is a non-fatal per-path failure surfaced to the visitor.
type PathError struct {
	Path string
	Kind ErrKind
	Err  error
}

// Budget bounds a single walk. Zero values mean unbounded.
type Budget struct {
	MaxFiles   int
	MaxRuntime time.Duration
}

// Summary aggregates the outcome of one walk.
type Summary struct {
	Discovered       int
	Filtered         int
	PermissionErrors int
	IOErrors         int
	SymlinkLoops     int
	BudgetExhausted  bool
	BudgetReason     string
}

// Visitor receives walk results. File is required; PathError is
// optional and called for recorded non-fatal failures.
type Visitor struct {
	File      func(Discovered) error
	PathError func(PathError)
}

// Walker walks filesystem trees. A Walker is stateless across walks;
// the visited set is per-invocation.
type Walker struct {
	log logrus.FieldLogger
}

// NewWalker creates a new Walker.
func NewWalker(log logrus.FieldLogger) *Walker {
	return &Walker{
		log: log.WithField("component", "scan"),
	}
}

// errBudget stops a walk when a budget is exhausted. It never escapes
// Walk.
var errBudget = errors.New("scan budget exhausted")

// Walk traverses root depth-first, applies filters in their fixed
// order, and calls the visitor for each surviving file. It is finite
// and restartable; an error returned by the visitor aborts the walk
// and propagates.
func (w *Walker) Walk(
	ctx context.Context,
	root string,
	filters Filters,
	budget Budget,
	visitor Visitor,
) (Summary, error) {
	var summary Summary

	start := time.Now()
	visited := make(map[fileID]struct{}, 256)

	rootInfo, err := os.Stat(root)
	if err != nil {
		return summary, err
	}

	if !rootInfo.IsDir() {
		return summary, errors.New("scan root is not a directory")
	}

	visited[idFromInfo(root, rootInfo)] = struct{}{}

	walkErr := w.walkDir(ctx, root, root, filters, budget, visitor,
		visited, start, &summary)

	if errors.Is(walkErr, errBudget) {
		summary.BudgetExhausted = true

		return summary, nil
	}

	return summary, walkErr
}

func (w *Walker) walkDir(
	ctx context.Context,
	root, dir string,
	filters Filters,
	budget Budget,
	visitor Visitor,
	visited map[fileID]struct{},
	start time.Time,
	summary *Summary,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if budget.MaxRuntime > 0 && time.Since(start) >= budget.MaxRuntime {
		summary.BudgetReason = BudgetReasonRuntime

		return errBudget
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		w.recordPathError(dir, err, visitor, summary)

		return nil
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		path := filepath.Join(dir, entry.Name())

		switch {
		case entry.Type()&fs.ModeSymlink != 0:
			if err := w.walkSymlink(ctx, root, path, filters, budget,
				visitor, visited, start, summary); err != nil {
				return err
			}
		case entry.IsDir():
			info, err := entry.Info()
			if err != nil {
				w.recordPathError(path, err, visitor, summary)

				continue
			}

			visited[idFromInfo(path, info)] = struct{}{}

			if err := w.walkDir(ctx, root, path, filters, budget,
				visitor, visited, start, summary); err != nil {
				return err
			}
		default:
			if err := w.visitFile(root, path, entry, filters, budget,
				visitor, start, summary); err != nil {
				return err
			}
		}
	}

	return nil
}

// walkSymlink resolves a symlink and either recurses into its target
// directory or visits its target file. Already-visited targets are
// recorded as loops and skipped.
func (w *Walker) walkSymlink(
	ctx context.Context,
	root, path string,
	filters Filters,
	budget Budget,
	visitor Visitor,
	visited map[fileID]struct{},
	start time.Time,
	summary *Summary,
) error {
	info, err := os.Stat(path)
	if err != nil {
		// Broken links are dropped silently; unreadable targets are
		// recorded like any other permission failure.
		if os.IsPermission(err) {
			w.recordPathError(path, err, visitor, summary)
		}

		return nil
	}

	id := idFromInfo(path, info)

	if _, seen := visited[id]; seen {
		summary.SymlinkLoops++

		if visitor.PathError != nil {
			visitor.PathError(PathError{
				Path: path,
				Kind: ErrKindSymlinkLoop,
			})
		}

		w.log.WithField("path", path).Debug("Symlink loop skipped")

		return nil
	}

	visited[id] = struct{}{}

	if info.IsDir() {
		return w.walkDir(ctx, root, path, filters, budget, visitor,
			visited, start, summary)
	}

	return w.deliver(root, path, info, filters, budget, visitor, start,
		summary)
}

func (w *Walker) visitFile(
	root, path string,
	entry fs.DirEntry,
	filters Filters,
	budget Budget,
	visitor Visitor,
	start time.Time,
	summary *Summary,
) error {
	info, err := entry.Info()
	if err != nil {
		w.recordPathError(path, err, visitor, summary)

		return nil
	}

	return w.deliver(root, path, info, filters, budget, visitor, start,
		summary)
}

// deliver applies the filter chain and hands a surviving file to the
// visitor, enforcing both budgets at the boundary.
func (w *Walker) deliver(
	root, path string,
	info fs.FileInfo,
	filters Filters,
	budget Budget,
	visitor Visitor,
	start time.Time,
	summary *Summary,
) error {
	if budget.MaxRuntime > 0 && time.Since(start) >= budget.MaxRuntime {
		summary.BudgetReason = BudgetReasonRuntime

		return errBudget
	}

	if !filters.Match(root, path, info) {
		summary.Filtered++

		return nil
	}

	if budget.MaxFiles > 0 && summary.Discovered >= budget.MaxFiles {
		summary.BudgetReason = BudgetReasonFiles

		return errBudget
	}

	summary.Discovered++

	return visitor.File(Discovered{
		Path:  path,
		Size:  info.Size(),
		MTime: info.ModTime(),
	})
}

func (w *Walker) recordPathError(
	path string, err error, visitor Visitor, summary *Summary,
) {
	kind := classifyReadError(err)

	if kind == ErrKindPermission {
		summary.PermissionErrors++
	} else {
		summary.IOErrors++
	}

	if visitor.PathError != nil {
		visitor.PathError(PathError{
			Path: path,
			Kind: kind,
			Err:  err,
		})
	}

	w.log.WithError(err).WithField("path", path).
		Debug("Path skipped")
}

// classifyReadError maps a per-path read failure onto the error
// taxonomy. Only genuine permission failures count as such; everything
// else is reported as an I/O failure.
func classifyReadError(err error) ErrKind {
	if os.IsPermission(err) {
		return ErrKindPermission
	}

	return ErrKindIO
}

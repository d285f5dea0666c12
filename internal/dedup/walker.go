package dedup

import (
	"context"
	"errors"
	"iter"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// errStopWalk aborts afero.Walk when the consumer or context stops
var errStopWalk = errors.New("stop walk")

// WalkConfig defines which entries a Walker skips
type WalkConfig struct {
	// ExcludePatterns are glob patterns matched against base names.
	// Matching directories are pruned, matching files are skipped.
	ExcludePatterns []string
}

// Walker enumerates regular files under a root
type Walker struct {
	fs  afero.Fs
	cfg WalkConfig
	log *logrus.Entry

	skipped int64
}

// NewWalker creates a walker over fs
func NewWalker(fs afero.Fs, cfg WalkConfig, log *logrus.Entry) *Walker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Walker{fs: fs, cfg: cfg, log: log}
}

// Skipped returns how many entries the last walk could not read
func (w *Walker) Skipped() int64 {
	return w.skipped
}

// Files returns a lazy depth-first sequence of regular file paths under
// root, visited in lexical order. Entries that cannot be read are skipped.
// The walk ends early when ctx is done or the consumer stops ranging.
// Each call starts a fresh walk.
func (w *Walker) Files(ctx context.Context, root string) iter.Seq[string] {
	return func(yield func(string) bool) {
		w.skipped = 0
		err := afero.Walk(w.fs, root, func(path string, info os.FileInfo, err error) error {
			if ctx.Err() != nil {
				return errStopWalk
			}
			if err != nil {
				w.skipped++
				w.log.WithError(err).WithField("path", path).Debug("skipping unreadable entry")
				if info != nil && info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			if path != root && w.excluded(info.Name()) {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			if !info.Mode().IsRegular() {
				return nil
			}
			if !yield(path) {
				return errStopWalk
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopWalk) {
			w.log.WithError(err).WithField("root", root).Debug("walk ended with error")
		}
	}
}

func (w *Walker) excluded(name string) bool {
	for _, pattern := range w.cfg.ExcludePatterns {
		if ok, err := filepath.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

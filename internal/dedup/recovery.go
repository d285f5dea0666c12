package dedup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/charlievieth/fastwalk"
)

// Leftover is a temporary sibling left behind by an interrupted link
type Leftover struct {
	TempPath       string `json:"temp_path"`
	OriginalPath   string `json:"original_path"`
	OriginalExists bool   `json:"original_exists"`
}

// RecoveryResult reports what RecoverLeftovers did
type RecoveryResult struct {
	Restored []Leftover `json:"restored"`
	Manual   []Leftover `json:"manual"` // original name exists; needs an operator
	Failed   []Leftover `json:"failed"`
}

// originalFromTemp returns the path a temp sibling was moved from
func originalFromTemp(path string) (string, bool) {
	i := strings.LastIndex(path, TempMarker)
	if i <= 0 {
		return "", false
	}
	suffix := path[i+len(TempMarker):]
	if len(suffix) != 8 {
		return "", false
	}
	for _, c := range suffix {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return "", false
		}
	}
	return path[:i], true
}

// FindLeftovers sweeps root for temporary siblings. The order of the
// parallel walk is not stable, so results are sorted by path.
func FindLeftovers(ctx context.Context, root string) ([]Leftover, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, fatal("stat", root, err)
	}

	var (
		mu    sync.Mutex
		found []Leftover
	)
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil || d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		orig, ok := originalFromTemp(path)
		if !ok {
			return nil
		}
		_, statErr := os.Lstat(orig)
		mu.Lock()
		found = append(found, Leftover{TempPath: path, OriginalPath: orig, OriginalExists: statErr == nil})
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(found, func(i, j int) bool { return found[i].TempPath < found[j].TempPath })
	return found, nil
}

// RecoverLeftovers moves a leftover back when its original name is free.
// A leftover whose original name exists was most likely linked already,
// but that cannot be proven here, so it is only reported.
func RecoverLeftovers(ctx context.Context, lfs LinkFS, leftovers []Leftover) (*RecoveryResult, error) {
	if lfs == nil {
		lfs = OSLinkFS{}
	}
	res := &RecoveryResult{}
	for _, l := range leftovers {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, err := lfs.Lstat(l.OriginalPath); err == nil {
			l.OriginalExists = true
			res.Manual = append(res.Manual, l)
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			res.Failed = append(res.Failed, l)
			continue
		}
		if err := lfs.Rename(l.TempPath, l.OriginalPath); err != nil {
			res.Failed = append(res.Failed, l)
			continue
		}
		l.OriginalExists = true
		res.Restored = append(res.Restored, l)
	}
	return res, nil
}

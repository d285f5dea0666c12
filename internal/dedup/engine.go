package dedup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Options configures an Engine. Zero values select the real filesystem
// and platform defaults.
type Options struct {
	// Fs is read during walking, size grouping and hashing
	Fs afero.Fs
	// LinkFS performs the rename/link/remove protocol
	LinkFS LinkFS
	// Identify reads device and inode/file index
	Identify IdentityFunc
	// Classifier flags protected roots
	Classifier *PathClassifier

	HashWorkers     int   // parallel hashing workers (default NumCPU)
	PrefixCheck     bool  // split size buckets by a 4 KiB pre-hash before full hashing
	MinSize         int64 // files smaller than this are ignored (empty files always are)
	ExcludePatterns []string

	Logger *logrus.Entry
}

// Engine runs scans and link passes. At most one pass is active at a
// time; starting another while busy returns ErrBusy and changes nothing.
type Engine struct {
	fs         afero.Fs
	identify   IdentityFunc
	classifier *PathClassifier
	linker     *Linker
	opts       Options
	log        *logrus.Entry

	busy  atomic.Bool
	mu    sync.RWMutex
	state State
}

// New creates an engine
func New(opts Options) *Engine {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Identify == nil {
		opts.Identify = fileIdentity
	}
	if opts.Classifier == nil {
		opts.Classifier = NewPathClassifier()
	}
	if opts.HashWorkers <= 0 {
		opts.HashWorkers = runtime.NumCPU()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Engine{
		fs:         opts.Fs,
		identify:   opts.Identify,
		classifier: opts.Classifier,
		linker:     NewLinker(opts.LinkFS, opts.Logger.WithField("component", "linker")),
		opts:       opts,
		log:        opts.Logger,
	}
}

// State returns the current state machine position
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Busy reports whether a pass is running
func (e *Engine) Busy() bool {
	return e.busy.Load()
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// IsProtected reports whether root is a system location that warrants
// confirmation before linking
func (e *Engine) IsProtected(root string) bool {
	return e.classifier.IsProtected(root)
}

// Scan finds duplicate groups under root. It returns ErrCancelled when ctx
// is cancelled (no partial result), a *ScanError when the root is invalid
// or vanishes, or ErrBusy when another pass is active.
func (e *Engine) Scan(ctx context.Context, root string, onProgress ProgressFunc) (*ScanResult, error) {
	if !e.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer e.busy.Store(false)

	res, err := e.scan(ctx, root, onProgress)
	switch {
	case err == nil:
		e.setState(StateDone)
	case errors.Is(err, ErrCancelled):
		e.setState(StateCancelled)
	default:
		e.setState(StateFailed)
	}
	return res, err
}

func (e *Engine) scan(ctx context.Context, root string, onProgress ProgressFunc) (*ScanResult, error) {
	start := time.Now()
	log := e.log.WithField("root", root)

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, &ScanError{Root: root, Reason: "invalid root path", Err: err}
	}
	root = abs
	if err := e.checkRoot(root); err != nil {
		return nil, err
	}

	res := &ScanResult{
		Root:      root,
		Protected: e.classifier.IsProtected(root),
		StartedAt: start,
	}
	if res.Protected {
		log.Warn("scan root is a protected system location")
	}

	// Walking
	e.setState(StateWalking)
	walker := NewWalker(e.fs, WalkConfig{ExcludePatterns: e.opts.ExcludePatterns}, log)
	var paths []string
	for path := range walker.Files(ctx, root) {
		paths = append(paths, path)
		n := int64(len(paths))
		onProgress.report(PhaseWalking, n, n)
	}
	if ctx.Err() != nil {
		return nil, ErrCancelled
	}
	res.FilesScanned = int64(len(paths))
	res.Skipped += walker.Skipped()
	if err := e.checkRoot(root); err != nil {
		return nil, err
	}
	log.WithField("files", len(paths)).Debug("walk complete")

	// Size grouping
	e.setState(StateSizeGrouping)
	buckets := NewSizeBuckets()
	total := int64(len(paths))
	for i, path := range paths {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		info, err := lstat(e.fs, path)
		switch {
		case err != nil:
			res.Skipped++
			log.WithError(err).WithField("path", path).Debug("skipping file")
		case info.Mode().IsRegular() && info.Size() >= e.opts.MinSize:
			buckets.Add(&FileEntry{Path: path, Size: info.Size(), ModTime: info.ModTime(), seq: i})
		}
		onProgress.report(PhaseSizeGrouping, int64(i+1), total)
	}
	candidates := buckets.Candidates()
	if err := e.checkRoot(root); err != nil {
		return nil, err
	}

	// Hashing
	e.setState(StateHashing)
	hasher := NewHasher(e.fs)
	if e.opts.PrefixCheck && len(candidates) > 0 {
		flat := flatten(candidates)
		prefixes := make([]uint64, len(flat))
		failed, err := e.parallel(ctx, len(flat), PhasePrefixCheck, onProgress, func(i int) error {
			p, err := hasher.Prefix(flat[i].Path)
			prefixes[i] = p
			return err
		})
		if err != nil {
			return nil, err
		}
		res.Skipped += int64(len(failed))

		byEntry := make(map[*FileEntry]uint64, len(flat))
		for i, fe := range flat {
			byEntry[fe] = prefixes[i]
		}
		bad := entriesAt(flat, failed)
		var split [][]*FileEntry
		for _, b := range candidates {
			split = append(split, splitBy(without(b, bad), func(fe *FileEntry) uint64 { return byEntry[fe] })...)
		}
		candidates = split
	}

	flat := flatten(candidates)
	failed, err := e.parallel(ctx, len(flat), PhaseHashing, onProgress, func(i int) error {
		d, err := hasher.Digest(flat[i].Path)
		flat[i].Digest = d
		return err
	})
	if err != nil {
		return nil, err
	}
	res.FilesHashed = int64(len(flat) - len(failed))
	res.Skipped += int64(len(failed))

	bad := entriesAt(flat, failed)
	var digestBuckets [][]*FileEntry
	for _, b := range candidates {
		digestBuckets = append(digestBuckets, splitBy(without(b, bad), func(fe *FileEntry) Digest { return fe.Digest })...)
	}
	if err := e.checkRoot(root); err != nil {
		return nil, err
	}

	// Identity filtering
	e.setState(StateIdentityFiltering)
	total = int64(len(digestBuckets))
	for i, b := range digestBuckets {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		files, skipped := resolveIdentities(b, e.identify)
		res.Skipped += skipped
		if files != nil {
			res.Groups = append(res.Groups, &DuplicateGroup{
				Size:   files[0].Size,
				Digest: files[0].Digest,
				Files:  files,
			})
		}
		onProgress.report(PhaseIdentity, int64(i+1), total)
	}

	sort.SliceStable(res.Groups, func(i, j int) bool {
		return res.Groups[i].Files[0].seq < res.Groups[j].Files[0].seq
	})
	res.summarize()
	res.Duration = time.Since(start)

	log.WithFields(logrus.Fields{
		"groups":      len(res.Groups),
		"reclaimable": res.ReclaimableBytes,
		"skipped":     res.Skipped,
		"duration":    res.Duration,
	}).Info("scan complete")
	return res, nil
}

// checkRoot fails the scan when root is missing or not a directory
func (e *Engine) checkRoot(root string) error {
	info, err := e.fs.Stat(root)
	if err != nil {
		return &ScanError{Root: root, Reason: "root path is not accessible", Err: fatal("stat", root, err)}
	}
	if !info.IsDir() {
		return &ScanError{Root: root, Reason: "root path is not a directory"}
	}
	return nil
}

// parallel runs fn for indexes 0..n-1 on HashWorkers goroutines. Progress
// is reported from the calling goroutine so counts never go backwards.
// It returns the set of indexes whose fn failed with a skippable error.
func (e *Engine) parallel(ctx context.Context, n int, phase Phase, onProgress ProgressFunc, fn func(i int) error) (map[int]struct{}, error) {
	type result struct {
		idx int
		err error
	}

	failed := make(map[int]struct{})
	onProgress.report(phase, 0, int64(n))
	if n == 0 {
		return failed, nil
	}

	jobs := make(chan int)
	results := make(chan result, e.opts.HashWorkers)

	var wg sync.WaitGroup
	for w := 0; w < e.opts.HashWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results <- result{idx: i, err: fn(i)}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i := 0; i < n; i++ {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var done int64
	for r := range results {
		done++
		if r.err != nil {
			failed[r.idx] = struct{}{}
			e.log.WithError(r.err).Debug("skipping file")
		}
		onProgress.report(phase, done, int64(n))
	}

	if ctx.Err() != nil {
		return nil, ErrCancelled
	}
	return failed, nil
}

// Link consolidates every group of result into hardlinks. Groups are
// processed sequentially and cancellation is checked between files; a
// cancelled pass returns partial totals with Cancelled set.
func (e *Engine) Link(ctx context.Context, result *ScanResult, onProgress ProgressFunc) (*LinkOutcome, error) {
	if result == nil {
		return nil, errors.New("no scan result to link")
	}
	return e.LinkGroups(ctx, result.Groups, onProgress)
}

// LinkGroups is Link over an explicit group list
func (e *Engine) LinkGroups(ctx context.Context, groups []*DuplicateGroup, onProgress ProgressFunc) (*LinkOutcome, error) {
	if !e.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer e.busy.Store(false)

	e.setState(StateLinking)
	out := e.linker.LinkAll(ctx, groups, onProgress)
	if out.Cancelled {
		e.setState(StateCancelled)
	} else {
		e.setState(StateDone)
	}

	e.log.WithFields(logrus.Fields{
		"succeeded":        out.Succeeded,
		"failed":           out.Failed,
		"restore_failures": out.RestoreFailures,
		"bytes_reclaimed":  out.BytesReclaimed,
		"cancelled":        out.Cancelled,
	}).Info("link pass finished")
	return out, nil
}

// lstat uses Lstat when the filesystem supports it so symlinks are seen
// as links rather than their targets
func lstat(fs afero.Fs, path string) (os.FileInfo, error) {
	if l, ok := fs.(afero.Lstater); ok {
		info, _, err := l.LstatIfPossible(path)
		if err != nil {
			return nil, skippable("stat", path, err)
		}
		return info, nil
	}
	info, err := fs.Stat(path)
	if err != nil {
		return nil, skippable("stat", path, err)
	}
	return info, nil
}

func flatten(buckets [][]*FileEntry) []*FileEntry {
	out := make([]*FileEntry, 0, countEntries(buckets))
	for _, b := range buckets {
		out = append(out, b...)
	}
	return out
}

// entriesAt maps failed indexes of flat back to their entries
func entriesAt(flat []*FileEntry, idx map[int]struct{}) map[*FileEntry]struct{} {
	out := make(map[*FileEntry]struct{}, len(idx))
	for i := range idx {
		out[flat[i]] = struct{}{}
	}
	return out
}

// without returns bucket minus the entries in drop
func without(bucket []*FileEntry, drop map[*FileEntry]struct{}) []*FileEntry {
	if len(drop) == 0 {
		return bucket
	}
	out := make([]*FileEntry, 0, len(bucket))
	for _, fe := range bucket {
		if _, ok := drop[fe]; !ok {
			out = append(out, fe)
		}
	}
	return out
}

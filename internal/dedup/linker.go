package dedup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TempMarker is embedded in the temporary sibling name a duplicate is
// moved to while its link is created
const TempMarker = ".hltmp-"

// LinkFS is the set of filesystem calls the link protocol needs
type LinkFS interface {
	Rename(oldpath, newpath string) error
	Link(oldname, newname string) error
	Remove(name string) error
	Lstat(name string) (fs.FileInfo, error)
}

// OSLinkFS performs the calls on the real filesystem
type OSLinkFS struct{}

func (OSLinkFS) Rename(oldpath, newpath string) error   { return os.Rename(oldpath, newpath) }
func (OSLinkFS) Link(oldname, newname string) error     { return os.Link(oldname, newname) }
func (OSLinkFS) Remove(name string) error               { return os.Remove(name) }
func (OSLinkFS) Lstat(name string) (fs.FileInfo, error) { return os.Lstat(name) }

// Linker replaces duplicates with hardlinks to their group's master
type Linker struct {
	fs  LinkFS
	log *logrus.Entry

	// tempName picks the sibling a duplicate is parked under
	tempName func(path string) string
}

// NewLinker creates a linker over lfs
func NewLinker(lfs LinkFS, log *logrus.Entry) *Linker {
	if lfs == nil {
		lfs = OSLinkFS{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Linker{fs: lfs, log: log, tempName: tempSibling}
}

// tempSibling returns a unique name in the same directory as path
func tempSibling(path string) string {
	return path + TempMarker + uuid.NewString()[:8]
}

// LinkAll processes groups in order, file by file. A failure on one file
// never stops the pass. Cancellation is checked before every file; when
// it fires the outcome is returned with Cancelled set and every later
// file left untouched.
func (l *Linker) LinkAll(ctx context.Context, groups []*DuplicateGroup, onProgress ProgressFunc) *LinkOutcome {
	out := &LinkOutcome{GroupsTotal: len(groups)}
	total := int64(len(groups))
	onProgress.report(PhaseLinking, 0, total)

	for i, g := range groups {
		master := g.Master()
		for _, dup := range g.Duplicates() {
			if ctx.Err() != nil {
				out.Cancelled = true
				return out
			}
			out.record(l.LinkFile(master, dup))
		}
		out.GroupsProcessed++
		onProgress.report(PhaseLinking, int64(i+1), total)
	}

	return out
}

// LinkFile replaces dup with a hardlink to master. Both files are checked
// against what the scan recorded first; a file that changed since then is
// left alone and reported as failed. On return dup either shares master's
// data, is unchanged, or (StatusRestoreFailed) has its original data
// parked under TempPath.
func (l *Linker) LinkFile(master, dup *FileEntry) FileOutcome {
	res := FileOutcome{Path: dup.Path, Master: master.Path, Size: dup.Size}
	log := l.log.WithFields(logrus.Fields{"path": dup.Path, "master": master.Path})

	mi, err := l.fs.Lstat(master.Path)
	if err != nil {
		res.Status = StatusFailed
		res.Reason = "stat master: " + err.Error()
		log.WithError(err).Warn("master is not accessible")
		return res
	}
	if why := changedSince(master, mi); why != "" {
		res.Status = StatusFailed
		res.Reason = "master " + why
		log.WithField("reason", why).Warn("master changed, skipping")
		return res
	}

	di, err := l.fs.Lstat(dup.Path)
	if err != nil {
		res.Status = StatusFailed
		res.Reason = "stat duplicate: " + err.Error()
		log.WithError(err).Warn("duplicate is not accessible")
		return res
	}
	// Checked before the content check: a linked duplicate reports the
	// master's mtime, not the one scanned for it
	if os.SameFile(mi, di) {
		res.Status = StatusAlreadyLinked
		log.Debug("already linked")
		return res
	}
	if why := changedSince(dup, di); why != "" {
		res.Status = StatusFailed
		res.Reason = why
		log.WithField("reason", why).Warn("duplicate changed, skipping")
		return res
	}

	tmp := l.tempName(dup.Path)
	if err := l.fs.Rename(dup.Path, tmp); err != nil {
		res.Status = StatusFailed
		res.Reason = "rename to temporary name: " + err.Error()
		log.WithError(err).Warn("could not move duplicate aside")
		return res
	}

	if err := l.fs.Link(master.Path, dup.Path); err != nil {
		res.Reason = "create hardlink: " + err.Error()
		if rerr := l.restore(dup.Path, tmp); rerr != nil {
			res.Status = StatusRestoreFailed
			res.TempPath = tmp
			res.Reason += "; restore: " + rerr.Error()
			log.WithError(rerr).WithField("temp_path", tmp).Error("restore failed, original data left under temporary name")
			return res
		}
		res.Status = StatusFailed
		log.WithError(err).Warn("hardlink failed, original restored")
		return res
	}

	if err := l.fs.Remove(tmp); err != nil {
		res.Status = StatusCleanupFailed
		res.TempPath = tmp
		res.Reason = "remove temporary file: " + err.Error()
		log.WithError(err).WithField("temp_path", tmp).Warn("linked, but temporary file remains")
		return res
	}

	res.Status = StatusLinked
	return res
}

// changedSince returns why info no longer matches e, or "" if it does
func changedSince(e *FileEntry, info fs.FileInfo) string {
	switch {
	case !info.Mode().IsRegular():
		return "changed since scan: no longer a regular file"
	case info.Size() != e.Size:
		return fmt.Sprintf("changed since scan: size %d, scanned %d", info.Size(), e.Size)
	case !e.ModTime.IsZero() && !info.ModTime().Equal(e.ModTime):
		return "changed since scan: modified " + info.ModTime().Format(time.RFC3339)
	}
	return ""
}

// restore removes any partial entry at path and moves tmp back
func (l *Linker) restore(path, tmp string) error {
	if _, err := l.fs.Lstat(path); err == nil {
		if err := l.fs.Remove(path); err != nil {
			return err
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return l.fs.Rename(tmp, path)
}

package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lyallcooper/hardlinker/internal/db"
	"github.com/lyallcooper/hardlinker/internal/dedup"
	"github.com/lyallcooper/hardlinker/internal/types"
)

var (
	// ErrNothingToLink is returned when a link request selects no linkable group
	ErrNothingToLink = errors.New("no pending groups to link")

	// ErrRunNotLinkable is returned when linking a run that did not complete
	ErrRunNotLinkable = errors.New("scan run has not completed")
)

// subscriber wraps a channel with safe close handling
type subscriber struct {
	mu     sync.Mutex
	ch     chan *types.ScanProgress
	closed bool
}

func (sub *subscriber) close() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

func (sub *subscriber) send(progress *types.ScanProgress) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return false
	}
	select {
	case sub.ch <- progress:
		return true
	default:
		return false
	}
}

// Scanner runs scans and link passes in the background, one at a time,
// and records their results
type Scanner struct {
	db          *db.DB
	engine      dedup.EngineInterface
	linkFS      dedup.LinkFS
	scanTimeout time.Duration
	log         *logrus.Entry

	// Active pass, keyed by scan run ID
	mu          sync.RWMutex
	activeScans map[int64]context.CancelFunc

	// SSE subscribers
	subMu       sync.RWMutex
	subscribers map[int64][]*subscriber
}

// NewScanner creates a new scanner service
func NewScanner(database *db.DB, engine dedup.EngineInterface, scanTimeout time.Duration, log *logrus.Entry) *Scanner {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scanner{
		db:          database,
		engine:      engine,
		linkFS:      dedup.OSLinkFS{},
		scanTimeout: scanTimeout,
		log:         log.WithField("component", "scanner"),
		activeScans: make(map[int64]context.CancelFunc),
		subscribers: make(map[int64][]*subscriber),
	}
}

// Subscribe subscribes to progress updates for a scan run
func (s *Scanner) Subscribe(runID int64) chan *types.ScanProgress {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	sub := &subscriber{
		ch: make(chan *types.ScanProgress, 32),
	}
	s.subscribers[runID] = append(s.subscribers[runID], sub)
	return sub.ch
}

// Unsubscribe removes a subscriber
func (s *Scanner) Unsubscribe(runID int64, ch chan *types.ScanProgress) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	subs := s.subscribers[runID]
	for i, sub := range subs {
		if sub.ch == ch {
			s.subscribers[runID] = append(subs[:i], subs[i+1:]...)
			sub.close()
			break
		}
	}

	if len(s.subscribers[runID]) == 0 {
		delete(s.subscribers, runID)
	}
}

// broadcast sends progress to all subscribers. Slow subscribers miss
// intermediate updates.
func (s *Scanner) broadcast(runID int64, progress *types.ScanProgress) {
	s.subMu.RLock()
	subs := make([]*subscriber, len(s.subscribers[runID]))
	copy(subs, s.subscribers[runID])
	s.subMu.RUnlock()

	for _, sub := range subs {
		if !sub.send(progress) && progress.Done() {
			// the final update must not be lost to a full buffer
			go s.sendFinal(sub, progress)
		}
	}
}

func (s *Scanner) sendFinal(sub *subscriber, progress *types.ScanProgress) {
	for i := 0; i < 20; i++ {
		if sub.send(progress) {
			return
		}
		sub.mu.Lock()
		closed := sub.closed
		sub.mu.Unlock()
		if closed {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// closeSubscribers closes all subscriber channels for a scan run
func (s *Scanner) closeSubscribers(runID int64) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, sub := range s.subscribers[runID] {
		sub.close()
	}
	delete(s.subscribers, runID)
}

// Busy reports whether a scan or link pass is running
func (s *Scanner) Busy() bool {
	s.mu.RLock()
	n := len(s.activeScans)
	s.mu.RUnlock()
	return n > 0 || s.engine.Busy()
}

// IsActive reports whether a pass over runID is running
func (s *Scanner) IsActive(runID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.activeScans[runID]
	return ok
}

// IsProtected reports whether root is a system location
func (s *Scanner) IsProtected(root string) bool {
	return s.engine.IsProtected(root)
}

// register claims the single pass slot for runID
func (s *Scanner) register(parent context.Context, runID int64, timeout time.Duration) (context.Context, context.CancelFunc) {
	var ctx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	s.activeScans[runID] = cancel
	return ctx, cancel
}

func (s *Scanner) finish(runID int64, cancel context.CancelFunc) {
	cancel()
	s.mu.Lock()
	delete(s.activeScans, runID)
	s.mu.Unlock()
	s.closeSubscribers(runID)
}

// beginScan creates the run record and claims the pass slot
func (s *Scanner) beginScan(parent context.Context, root string, jobID *int64) (*db.ScanRun, context.Context, context.CancelFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.activeScans) > 0 || s.engine.Busy() {
		return nil, nil, nil, dedup.ErrBusy
	}

	run, err := s.db.CreateScanRun(root, s.engine.IsProtected(root), jobID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create scan run: %w", err)
	}

	ctx, cancel := s.register(parent, run.ID, s.scanTimeout)
	return run, ctx, cancel, nil
}

// StartScan starts a scan of root in the background
func (s *Scanner) StartScan(root string, jobID *int64) (*db.ScanRun, error) {
	run, ctx, cancel, err := s.beginScan(context.Background(), root, jobID)
	if err != nil {
		return nil, err
	}

	go s.runScan(ctx, cancel, run.ID, root)

	return run, nil
}

// RunScan scans root and waits for the result
func (s *Scanner) RunScan(ctx context.Context, root string, jobID *int64) (*db.ScanRun, error) {
	run, scanCtx, cancel, err := s.beginScan(ctx, root, jobID)
	if err != nil {
		return nil, err
	}

	s.runScan(scanCtx, cancel, run.ID, root)

	return s.db.GetScanRun(run.ID)
}

// runScan executes the actual scan
func (s *Scanner) runScan(ctx context.Context, cancel context.CancelFunc, runID int64, root string) {
	defer s.finish(runID, cancel)

	log := s.log.WithFields(logrus.Fields{"run_id": runID, "root": root})
	log.Info("scan started")

	result, err := s.engine.Scan(ctx, root, func(p dedup.Progress) {
		s.broadcast(runID, &types.ScanProgress{
			Kind:    types.KindScan,
			Phase:   string(p.Phase),
			Current: p.Current,
			Total:   p.Total,
			Status:  types.StatusRunning,
		})
	})
	if err != nil {
		s.failScan(ctx, log, runID, err)
		return
	}

	groups := make([]*db.DuplicateGroup, 0, len(result.Groups))
	for i, g := range result.Groups {
		groups = append(groups, toStoredGroup(runID, i, g))
	}
	if err := s.db.CreateDuplicateGroups(groups); err != nil {
		s.failScan(ctx, log, runID, fmt.Errorf("store duplicate groups: %w", err))
		return
	}

	totals := db.ScanRunTotals{
		FilesScanned:    result.FilesScanned,
		FilesHashed:     result.FilesHashed,
		FilesSkipped:    result.Skipped,
		DuplicateGroups: int64(len(result.Groups)),
		DuplicateFiles:  result.FileCount - int64(len(result.Groups)),
		WastedBytes:     result.ReclaimableBytes,
	}
	if err := s.db.UpdateScanRunTotals(runID, totals); err != nil {
		log.WithError(err).Error("failed to record scan totals")
	}
	if err := s.db.CompleteScanRun(runID, db.ScanRunStatusCompleted, nil); err != nil {
		log.WithError(err).Error("failed to complete scan run")
	}

	log.WithFields(logrus.Fields{
		"groups":      totals.DuplicateGroups,
		"reclaimable": totals.WastedBytes,
		"duration":    result.Duration,
	}).Info("scan completed")

	s.broadcast(runID, &types.ScanProgress{
		Kind:         types.KindScan,
		Status:       types.StatusCompleted,
		FilesScanned: totals.FilesScanned,
		GroupsFound:  totals.DuplicateGroups,
		WastedBytes:  totals.WastedBytes,
	})
}

func (s *Scanner) failScan(ctx context.Context, log *logrus.Entry, runID int64, err error) {
	status, msg := db.ScanRunStatusFailed, err.Error()
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		msg = "scan timed out"
	case errors.Is(err, dedup.ErrCancelled), ctx.Err() != nil:
		status, msg = db.ScanRunStatusCancelled, "scan cancelled"
	}

	if status == db.ScanRunStatusCancelled {
		log.Info("scan cancelled")
	} else {
		log.WithError(err).Error("scan failed")
	}

	if dbErr := s.db.CompleteScanRun(runID, status, &msg); dbErr != nil {
		log.WithError(dbErr).Error("failed to complete scan run")
	}
	s.broadcast(runID, &types.ScanProgress{Kind: types.KindScan, Status: string(status), Error: msg})
}

// toStoredGroup converts an engine group into its stored form, master first
func toStoredGroup(runID int64, position int, g *dedup.DuplicateGroup) *db.DuplicateGroup {
	files := make([]string, len(g.Files))
	times := make([]int64, len(g.Files))
	for i, f := range g.Files {
		files[i] = f.Path
		if !f.ModTime.IsZero() {
			times[i] = f.ModTime.UnixNano()
		}
	}
	return &db.DuplicateGroup{
		ScanRunID:   runID,
		Position:    position,
		FileHash:    g.Digest.String(),
		FileSize:    g.Size,
		FileCount:   len(g.Files),
		WastedBytes: g.Reclaimable(),
		Status:      db.DuplicateGroupStatusPending,
		Files:       files,
		FileTimes:   times,
	}
}

// fromStoredGroup rebuilds an engine group from its stored form
func fromStoredGroup(g *db.DuplicateGroup) (*dedup.DuplicateGroup, error) {
	digest, err := dedup.ParseDigest(g.FileHash)
	if err != nil {
		return nil, fmt.Errorf("group %d: %w", g.ID, err)
	}
	out := &dedup.DuplicateGroup{Size: g.FileSize, Digest: digest}
	for i, p := range g.Files {
		f := &dedup.FileEntry{Path: p, Size: g.FileSize, Digest: digest}
		// Groups stored before mtimes were recorded only get the size check
		if i < len(g.FileTimes) && g.FileTimes[i] != 0 {
			f.ModTime = time.Unix(0, g.FileTimes[i])
		}
		out.Files = append(out.Files, f)
	}
	return out, nil
}

// CancelScan cancels the active pass over a scan run
func (s *Scanner) CancelScan(runID int64) bool {
	s.mu.RLock()
	cancel, ok := s.activeScans[runID]
	s.mu.RUnlock()

	if ok {
		cancel()
	}
	return ok
}

// linkable reports whether a stored group may be (re)linked
func linkable(g *db.DuplicateGroup) bool {
	return g.Status == db.DuplicateGroupStatusPending || g.Status == db.DuplicateGroupStatusPartial
}

// selectGroups loads the groups of runID a link pass covers. With no IDs
// every pending or partial group is selected, in discovery order.
func (s *Scanner) selectGroups(runID int64, groupIDs []int64) ([]*db.DuplicateGroup, error) {
	run, err := s.db.GetScanRun(runID)
	if err != nil {
		return nil, err
	}
	if run.Status != db.ScanRunStatusCompleted {
		return nil, ErrRunNotLinkable
	}

	var stored []*db.DuplicateGroup
	if len(groupIDs) == 0 {
		all, err := s.db.ListDuplicateGroups(runID, "")
		if err != nil {
			return nil, err
		}
		for _, g := range all {
			if linkable(g) {
				stored = append(stored, g)
			}
		}
	} else {
		seen := make(map[int64]bool, len(groupIDs))
		for _, id := range groupIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			g, err := s.db.GetDuplicateGroup(id)
			if errors.Is(err, db.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if g.ScanRunID == runID && linkable(g) {
				stored = append(stored, g)
			}
		}
	}

	if len(stored) == 0 {
		return nil, ErrNothingToLink
	}
	return stored, nil
}

type linkPass struct {
	action *db.Action
	stored []*db.DuplicateGroup
	groups []*dedup.DuplicateGroup
}

func (s *Scanner) beginLink(parent context.Context, runID int64, groupIDs []int64) (*linkPass, context.Context, context.CancelFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.activeScans) > 0 || s.engine.Busy() {
		return nil, nil, nil, dedup.ErrBusy
	}

	stored, err := s.selectGroups(runID, groupIDs)
	if err != nil {
		return nil, nil, nil, err
	}

	pass := &linkPass{stored: stored}
	for _, g := range stored {
		eg, err := fromStoredGroup(g)
		if err != nil {
			return nil, nil, nil, err
		}
		pass.groups = append(pass.groups, eg)
	}

	pass.action, err = s.db.CreateAction(&db.Action{
		ScanRunID:   runID,
		ActionType:  db.ActionTypeHardlink,
		GroupsTotal: len(stored),
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create action: %w", err)
	}

	ctx, cancel := s.register(parent, runID, 0)
	return pass, ctx, cancel, nil
}

// StartLink links the selected groups of a completed run in the background
func (s *Scanner) StartLink(runID int64, groupIDs []int64) (*db.Action, error) {
	pass, ctx, cancel, err := s.beginLink(context.Background(), runID, groupIDs)
	if err != nil {
		return nil, err
	}

	go s.runLink(ctx, cancel, runID, pass)

	return pass.action, nil
}

// ExecuteLink links the selected groups of a completed run and waits for
// the pass to finish
func (s *Scanner) ExecuteLink(ctx context.Context, runID int64, groupIDs []int64) (*db.Action, error) {
	pass, linkCtx, cancel, err := s.beginLink(ctx, runID, groupIDs)
	if err != nil {
		return nil, err
	}

	s.runLink(linkCtx, cancel, runID, pass)

	return s.db.GetAction(pass.action.ID)
}

func (s *Scanner) runLink(ctx context.Context, cancel context.CancelFunc, runID int64, pass *linkPass) {
	defer s.finish(runID, cancel)

	actionID := pass.action.ID
	log := s.log.WithFields(logrus.Fields{"run_id": runID, "action_id": actionID})
	log.WithField("groups", len(pass.groups)).Info("link pass started")

	outcome, err := s.engine.LinkGroups(ctx, pass.groups, func(p dedup.Progress) {
		s.broadcast(runID, &types.ScanProgress{
			Kind:     types.KindLink,
			Phase:    string(p.Phase),
			Current:  p.Current,
			Total:    p.Total,
			Status:   types.StatusRunning,
			ActionID: actionID,
		})
	})
	if err != nil {
		msg := err.Error()
		log.WithError(err).Error("link pass failed")
		if dbErr := s.db.CompleteAction(actionID, db.ActionTotals{}, db.ActionStatusFailed, &msg); dbErr != nil {
			log.WithError(dbErr).Error("failed to complete action")
		}
		s.broadcast(runID, &types.ScanProgress{Kind: types.KindLink, Status: types.StatusFailed, ActionID: actionID, Error: msg})
		return
	}

	if failures := outcome.Failures(); len(failures) > 0 {
		rows := make([]*db.ActionFailure, 0, len(failures))
		for _, f := range failures {
			row := &db.ActionFailure{
				Path:   f.Path,
				Master: f.Master,
				Status: string(f.Status),
				Reason: f.Reason,
			}
			if f.TempPath != "" {
				tmp := f.TempPath
				row.TempPath = &tmp
			}
			rows = append(rows, row)
		}
		if err := s.db.AddActionFailures(actionID, rows); err != nil {
			log.WithError(err).Error("failed to record link failures")
		}
	}

	processed, partial := groupStatuses(pass.stored, outcome)
	if err := s.db.UpdateDuplicateGroupStatus(processed, db.DuplicateGroupStatusProcessed); err != nil {
		log.WithError(err).Error("failed to mark groups processed")
	}
	if err := s.db.UpdateDuplicateGroupStatus(partial, db.DuplicateGroupStatusPartial); err != nil {
		log.WithError(err).Error("failed to mark groups partial")
	}

	totals := db.ActionTotals{
		GroupsProcessed: outcome.GroupsProcessed,
		FilesLinked:     outcome.Succeeded,
		FilesFailed:     outcome.Failed,
		RestoreFailures: outcome.RestoreFailures,
		BytesSaved:      outcome.BytesReclaimed,
		Cancelled:       outcome.Cancelled,
	}
	status := db.ActionStatusCompleted
	if outcome.Cancelled {
		status = db.ActionStatusCancelled
	}
	if err := s.db.CompleteAction(actionID, totals, status, nil); err != nil {
		log.WithError(err).Error("failed to complete action")
	}

	log.WithFields(logrus.Fields{
		"linked":    totals.FilesLinked,
		"already":   outcome.AlreadyLinked,
		"failed":    totals.FilesFailed,
		"saved":     totals.BytesSaved,
		"cancelled": totals.Cancelled,
	}).Info("link pass finished")

	s.broadcast(runID, &types.ScanProgress{
		Kind:        types.KindLink,
		Status:      string(status),
		Current:     int64(outcome.GroupsProcessed),
		Total:       int64(outcome.GroupsTotal),
		WastedBytes: outcome.BytesReclaimed,
		ActionID:    actionID,
	})
}

// groupStatuses splits the groups a pass touched into fully linked and
// partially linked. Groups the pass never reached are left out.
func groupStatuses(stored []*db.DuplicateGroup, outcome *dedup.LinkOutcome) (processed, partial []int64) {
	status := make(map[string]dedup.FileStatus, len(outcome.Files))
	for _, f := range outcome.Files {
		status[f.Path] = f.Status
	}

	for _, g := range stored {
		if len(g.Files) < 2 {
			continue
		}
		touched, failed := 0, false
		for _, p := range g.Files[1:] {
			st, ok := status[p]
			if !ok {
				continue
			}
			touched++
			if !st.Linked() {
				failed = true
			}
		}
		switch {
		case touched == 0:
		case failed || touched < len(g.Files)-1:
			partial = append(partial, g.ID)
		default:
			processed = append(processed, g.ID)
		}
	}
	return processed, partial
}

// Recover sweeps root for files left under temporary names by an
// interrupted link pass and moves them back where possible
func (s *Scanner) Recover(ctx context.Context, root string) (*dedup.RecoveryResult, error) {
	if s.Busy() {
		return nil, dedup.ErrBusy
	}

	leftovers, err := dedup.FindLeftovers(ctx, root)
	if err != nil {
		return nil, err
	}

	res, err := dedup.RecoverLeftovers(ctx, s.linkFS, leftovers)
	if err != nil {
		return res, err
	}

	s.log.WithFields(logrus.Fields{
		"root":     root,
		"restored": len(res.Restored),
		"manual":   len(res.Manual),
		"failed":   len(res.Failed),
	}).Info("leftover recovery finished")
	return res, nil
}

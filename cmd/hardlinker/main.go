// Command hardlinker finds duplicate files under a directory and can
// replace the duplicates with hardlinks to one copy.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/lyallcooper/hardlinker/internal/config"
	"github.com/lyallcooper/hardlinker/internal/dedup"
	"github.com/lyallcooper/hardlinker/internal/logging"
)

// Exit codes
const (
	exitOK           = 0
	exitError        = 1
	exitUsage        = 2
	exitLinkFailures = 3
)

var version = "dev"

// report is the -json output
type report struct {
	Scan        *dedup.ScanResult     `json:"scan,omitempty"`
	Link        *dedup.LinkOutcome    `json:"link,omitempty"`
	LinkSkipped string                `json:"link_skipped,omitempty"`
	Recovery    *dedup.RecoveryResult `json:"recovery,omitempty"`
}

type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	// classifier overrides the platform protected roots
	classifier *dedup.PathClassifier
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := &cli{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}
	code := c.run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func (c *cli) run(ctx context.Context, args []string) int {
	cfg := config.Load()

	fs := flag.NewFlagSet("hardlinker", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	fs.Usage = func() {
		fmt.Fprintf(c.stderr, "usage: hardlinker [flags] <root>\n\n")
		fs.PrintDefaults()
	}

	link := fs.Bool("link", false, "replace duplicates with hardlinks after the scan")
	yes := fs.Bool("yes", false, "link protected system locations without asking")
	recoverOnly := fs.Bool("recover", false, "restore files left behind by an interrupted link pass instead of scanning")
	asJSON := fs.Bool("json", false, "write the report as JSON to stdout")
	list := fs.Bool("list", false, "list every duplicate group")
	minSize := fs.String("min-size", humanize.Bytes(uint64(cfg.MinSize)), "ignore files smaller than this (e.g. 4KiB, 1MB)")
	workers := fs.Int("workers", cfg.HashWorkers, "parallel hashing workers")
	prefix := fs.Bool("prefix-check", cfg.PrefixCheck, "compare a 4 KiB prefix before full hashing")
	exclude := fs.String("exclude", strings.Join(cfg.ExcludePatterns, ","), "comma-separated glob patterns to skip")
	logLevel := fs.String("log-level", "warn", "log level (debug, info, warn, error)")
	showVersion := fs.Bool("version", false, "print the version and exit")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if *showVersion {
		fmt.Fprintln(c.stdout, "hardlinker", version)
		return exitOK
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return exitUsage
	}

	size, err := humanize.ParseBytes(*minSize)
	if err != nil {
		fmt.Fprintf(c.stderr, "invalid -min-size %q: %v\n", *minSize, err)
		return exitUsage
	}

	root, err := filepath.Abs(config.ExpandPath(fs.Arg(0)))
	if err != nil {
		fmt.Fprintf(c.stderr, "invalid root: %v\n", err)
		return exitUsage
	}

	logger := logging.NewWithWriter(c.stderr, *logLevel, "text")
	log := logging.Component(logger, "cli")

	if *recoverOnly {
		return c.runRecovery(ctx, log, root, *asJSON)
	}

	engine := dedup.New(dedup.Options{
		Fs:              afero.NewOsFs(),
		LinkFS:          dedup.OSLinkFS{},
		Classifier:      c.classifier,
		HashWorkers:     *workers,
		PrefixCheck:     *prefix,
		MinSize:         int64(min(size, uint64(1<<62))),
		ExcludePatterns: splitList(*exclude),
		Logger:          logging.Component(logger, "engine"),
	})

	res, err := engine.Scan(ctx, root, phaseLogger(log))
	if err != nil {
		if errors.Is(err, dedup.ErrCancelled) {
			fmt.Fprintln(c.stderr, "scan cancelled")
		} else {
			fmt.Fprintf(c.stderr, "scan failed: %v\n", err)
		}
		return exitError
	}

	rep := &report{Scan: res}
	if !*asJSON {
		c.printScan(res, *list)
	}

	code := exitOK
	switch {
	case !*link:
	case len(res.Groups) == 0:
		rep.LinkSkipped = "no duplicates"
	case res.Protected && !*yes && !c.confirm(fmt.Sprintf("%s is a system location. Link %d duplicate groups anyway?", root, len(res.Groups))):
		rep.LinkSkipped = "protected root not confirmed"
	default:
		out, err := engine.Link(ctx, res, phaseLogger(log))
		if err != nil {
			fmt.Fprintf(c.stderr, "link failed: %v\n", err)
			return exitError
		}
		rep.Link = out
		if !*asJSON {
			c.printLink(out)
		}
		if out.Failed > 0 {
			code = exitLinkFailures
		}
		if out.Cancelled {
			code = exitError
		}
	}

	if rep.LinkSkipped != "" && !*asJSON {
		fmt.Fprintf(c.stdout, "Not linking: %s\n", rep.LinkSkipped)
	}
	if *asJSON {
		if err := c.writeJSON(rep); err != nil {
			return exitError
		}
	}
	return code
}

func (c *cli) runRecovery(ctx context.Context, log *logrus.Entry, root string, asJSON bool) int {
	leftovers, err := dedup.FindLeftovers(ctx, root)
	if err != nil {
		fmt.Fprintf(c.stderr, "recovery failed: %v\n", err)
		return exitError
	}
	res, err := dedup.RecoverLeftovers(ctx, dedup.OSLinkFS{}, leftovers)
	if err != nil {
		fmt.Fprintf(c.stderr, "recovery failed: %v\n", err)
		return exitError
	}
	log.WithFields(logrus.Fields{
		"restored": len(res.Restored),
		"manual":   len(res.Manual),
		"failed":   len(res.Failed),
	}).Info("recovery finished")

	if asJSON {
		if err := c.writeJSON(&report{Recovery: res}); err != nil {
			return exitError
		}
	} else {
		fmt.Fprintf(c.stdout, "Restored %d, needs attention %d, failed %d\n", len(res.Restored), len(res.Manual), len(res.Failed))
		for _, l := range res.Manual {
			fmt.Fprintf(c.stdout, "  manual: %s (original %s exists)\n", l.TempPath, l.OriginalPath)
		}
		for _, l := range res.Failed {
			fmt.Fprintf(c.stdout, "  failed: %s -> %s\n", l.TempPath, l.OriginalPath)
		}
	}
	if len(res.Failed) > 0 {
		return exitError
	}
	return exitOK
}

func (c *cli) printScan(res *dedup.ScanResult, list bool) {
	fmt.Fprintf(c.stdout, "Scanned %s files in %s (hashed %s, skipped %s)\n",
		humanize.Comma(res.FilesScanned), res.Duration.Round(time.Millisecond), humanize.Comma(res.FilesHashed), humanize.Comma(res.Skipped))
	fmt.Fprintf(c.stdout, "Found %s duplicate groups covering %s files, %s reclaimable\n",
		humanize.Comma(int64(len(res.Groups))), humanize.Comma(res.FileCount), humanize.Bytes(uint64(res.ReclaimableBytes)))
	if res.Protected {
		fmt.Fprintln(c.stdout, "Warning: root is a protected system location")
	}
	if !list {
		return
	}
	for _, g := range res.Groups {
		fmt.Fprintf(c.stdout, "\n%s x %d  %s\n", humanize.Bytes(uint64(g.Size)), len(g.Files), g.Digest)
		fmt.Fprintf(c.stdout, "  keep   %s\n", g.Master().Path)
		for _, f := range g.Duplicates() {
			fmt.Fprintf(c.stdout, "  link   %s\n", f.Path)
		}
	}
}

func (c *cli) printLink(out *dedup.LinkOutcome) {
	fmt.Fprintf(c.stdout, "Linked %s files, %s reclaimed, %d failed\n",
		humanize.Comma(int64(out.Succeeded)), humanize.Bytes(uint64(out.BytesReclaimed)), out.Failed)
	if out.AlreadyLinked > 0 {
		fmt.Fprintf(c.stdout, "%s files were already linked\n", humanize.Comma(int64(out.AlreadyLinked)))
	}
	if out.Cancelled {
		fmt.Fprintf(c.stdout, "Cancelled after %d of %d groups\n", out.GroupsProcessed, out.GroupsTotal)
	}
	for _, f := range out.Failures() {
		fmt.Fprintf(c.stdout, "  %s: %s (%s)\n", f.Status, f.Path, f.Reason)
		if f.TempPath != "" {
			fmt.Fprintf(c.stdout, "    data left at %s\n", f.TempPath)
		}
	}
}

// confirm asks a yes/no question on stderr and reads the answer from stdin
func (c *cli) confirm(question string) bool {
	fmt.Fprintf(c.stderr, "%s [y/N] ", question)
	line, err := bufio.NewReader(c.stdin).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func (c *cli) writeJSON(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(c.stderr, "failed to write report: %v\n", err)
		return err
	}
	return nil
}

// phaseLogger logs each phase once as the pass enters it
func phaseLogger(log *logrus.Entry) dedup.ProgressFunc {
	var last dedup.Phase
	return func(p dedup.Progress) {
		if p.Phase != last {
			last = p.Phase
			log.WithField("phase", p.Phase).Info("entering phase")
		}
		log.WithFields(logrus.Fields{"phase": p.Phase, "current": p.Current, "total": p.Total}).Debug("progress")
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/logrusorgru/aurora"
	"github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/snowmerak/pluginscan/lib/plugin"
	"github.com/snowmerak/pluginscan/lib/registry"
)

const rescanDelay = 500 * time.Millisecond

func scanCommand() cli.Command {
	return cli.Command{
		Name:  "scan",
		Usage: "probe every candidate under the given paths and update the registry cache",
		Flags: []cli.Flag{
			cli.StringSliceFlag{
				Name:   "path, p",
				Usage:  "directory or file to scan, may be repeated",
				EnvVar: "PLUGIN_SCANNER_PATH",
			},
			cacheFlag(),
			cli.StringFlag{
				Name:  "ext",
				Value: ".so",
				Usage: "candidate file extension",
			},
			cli.DurationFlag{
				Name:  "timeout",
				Value: 60 * time.Second,
				Usage: "how long a worker may take to load one candidate",
			},
			cli.IntFlag{
				Name:  "max-attempts",
				Value: 3,
				Usage: "give up on a candidate after this many worker crashes (0 retries forever)",
			},
			cli.BoolFlag{
				Name:  "force",
				Usage: "probe candidates even when the cached record is fresh",
			},
			cli.BoolFlag{
				Name:  "watch",
				Usage: "keep running and rescan when candidates change",
			},
			cli.BoolFlag{
				Name:  "no-color",
				Usage: "disable colored output",
			},
		},
		Action: runScan,
	}
}

func runScan(c *cli.Context) error {
	roots, err := absPaths(c.StringSlice("path"))
	if err != nil {
		return err
	}
	if len(roots) == 0 {
		return cli.NewExitError("nothing to scan, pass --path", 2)
	}

	cache, err := homedir.Expand(c.String("cache"))
	if err != nil {
		return err
	}
	store, err := registry.OpenBoltStore(cache)
	if err != nil {
		return err
	}
	defer store.Close()

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate worker executable: %w", err)
	}

	opts := plugin.DefaultLoaderOptions()
	opts.WorkerPath = exe
	opts.WorkerArgs = []string{"--log-level", logrus.GetLevel().String(), "worker"}
	opts.Registry = store
	opts.LoadTimeout = c.Duration("timeout")
	opts.MaxAttempts = c.Int("max-attempts")
	opts.Logger = logrus.StandardLogger()

	loader, err := plugin.NewLoader(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := &scanner{
		loader: loader,
		store:  store,
		ext:    c.String("ext"),
		force:  c.Bool("force"),
		out:    os.Stdout,
		au:     aurora.NewAurora(!c.Bool("no-color")),
	}

	scanErr := s.scanOnce(ctx, roots)
	if scanErr == nil && c.Bool("watch") {
		scanErr = s.watch(ctx, roots)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 2*opts.ExitTimeout)
	defer cancel()
	if err := loader.Close(closeCtx); err != nil && scanErr == nil {
		scanErr = err
	}
	return scanErr
}

func absPaths(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		expanded, err := homedir.Expand(p)
		if err != nil {
			return nil, err
		}
		abs, err := filepath.Abs(expanded)
		if err != nil {
			return nil, err
		}
		out = append(out, abs)
	}
	return out, nil
}

type candidate struct {
	path  string
	size  int64
	mtime int64
}

type summary struct {
	found       int
	loaded      int
	blacklisted int
	cached      int
	pruned      int
}

// scanner feeds candidates found on disk through the loader.
type scanner struct {
	loader *plugin.Loader
	store  *registry.BoltStore
	ext    string
	force  bool
	out    io.Writer
	au     aurora.Aurora
}

func (s *scanner) scanOnce(ctx context.Context, roots []string) error {
	sum, err := s.scan(ctx, roots)
	s.printSummary(sum)
	return err
}

func (s *scanner) scan(ctx context.Context, roots []string) (summary, error) {
	var sum summary

	candidates, err := s.collect(roots)
	if err != nil {
		return sum, err
	}
	sum.found = len(candidates)

	for _, cand := range candidates {
		if !s.force {
			rec, ok, err := s.store.Lookup(cand.path)
			if err != nil {
				return sum, err
			}
			if ok && rec.Fresh(cand.size, cand.mtime) {
				sum.cached++
				continue
			}
		}
		if _, err := s.loader.Enqueue(cand.path, cand.size, cand.mtime); err != nil {
			return sum, err
		}
	}

	outcomes, err := s.loader.Flush(ctx)
	for _, out := range outcomes {
		if out.Blacklisted {
			sum.blacklisted++
			logrus.WithError(out.Err).WithField("path", out.Path).Warn("candidate blacklisted")
			continue
		}
		sum.loaded++
		if out.Err != nil {
			logrus.WithError(out.Err).WithField("path", out.Path).Warn("candidate loaded with errors")
		}
	}
	if err != nil {
		return sum, err
	}

	sum.pruned, err = s.prune(roots)
	return sum, err
}

// collect walks roots for files with the candidate extension.
func (s *scanner) collect(roots []string) ([]candidate, error) {
	var out []candidate
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				logrus.WithError(err).WithField("path", path).Warn("skipping unreadable path")
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() || !strings.HasSuffix(d.Name(), s.ext) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			out = append(out, candidate{path: path, size: info.Size(), mtime: info.ModTime().Unix()})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", root, err)
		}
	}
	return out, nil
}

// prune drops cached records under roots whose file is gone.
func (s *scanner) prune(roots []string) (int, error) {
	records, err := s.store.List()
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, rec := range records {
		if !underAny(rec.Filename, roots) {
			continue
		}
		if _, err := os.Stat(rec.Filename); !os.IsNotExist(err) {
			continue
		}
		if err := s.store.Remove(rec.Filename); err != nil {
			return pruned, err
		}
		logrus.WithField("path", rec.Filename).Info("pruned record of removed candidate")
		pruned++
	}
	return pruned, nil
}

func underAny(path string, roots []string) bool {
	for _, root := range roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (s *scanner) printSummary(sum summary) {
	fmt.Fprintf(s.out, "%d candidates: %d loaded, %d blacklisted, %d cached, %d pruned\n",
		s.au.Bold(sum.found),
		s.au.Green(sum.loaded),
		s.au.Red(sum.blacklisted),
		s.au.Cyan(sum.cached),
		s.au.Yellow(sum.pruned))
}

// watch rescans roots whenever a candidate under them changes, until ctx ends.
func (s *scanner) watch(ctx context.Context, roots []string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, root := range roots {
		if err := addTree(watcher, root); err != nil {
			return err
		}
	}
	logrus.WithField("paths", roots).Info("watching for changes")

	var rescan <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := addTree(watcher, ev.Name); err != nil {
						logrus.WithError(err).WithField("path", ev.Name).Warn("failed to watch directory")
					}
				}
			}
			if strings.HasSuffix(ev.Name, s.ext) {
				logrus.WithFields(logrus.Fields{"path": ev.Name, "op": ev.Op.String()}).Debug("candidate changed")
				rescan = time.After(rescanDelay)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logrus.WithError(err).Warn("watcher error")
		case <-rescan:
			rescan = nil
			if err := s.scanOnce(ctx, roots); err != nil {
				return err
			}
		}
	}
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(filepath.Dir(root))
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		return watcher.Add(path)
	})
}

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/logrusorgru/aurora"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/pluginscan/lib/plugin"
	"github.com/snowmerak/pluginscan/lib/process"
	"github.com/snowmerak/pluginscan/lib/registry"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// goroutineWorker serves a plugin.Module inside the test process.
type goroutineWorker struct {
	done   chan struct{}
	cancel context.CancelFunc
}

func (w *goroutineWorker) Pid() int              { return os.Getpid() }
func (w *goroutineWorker) Done() <-chan struct{} { return w.done }
func (w *goroutineWorker) Kill() error           { w.cancel(); return nil }

type goroutineSpawner struct {
	loader plugin.ModuleLoader
	spawns atomic.Int32
}

func (g *goroutineSpawner) Spawn(ctx context.Context, name string, args []string, env []string) (process.Handle, error) {
	g.spawns.Add(1)
	wctx, cancel := context.WithCancel(context.Background())
	w := &goroutineWorker{done: make(chan struct{}), cancel: cancel}

	m, err := plugin.NewModule(&plugin.ModuleOptions{Loader: g.loader, Logger: quietLogger()})
	if err != nil {
		cancel()
		return nil, err
	}
	go func() {
		defer close(w.done)
		m.Serve(wctx, args[len(args)-1])
	}()
	return w, nil
}

func writeFile(t *testing.T, path string, data string) os.FileInfo {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info
}

func newTestScanner(t *testing.T) (*scanner, *bytes.Buffer) {
	t.Helper()
	return newWorkingScanner(t, nil)
}

// newWorkingScanner builds a scanner whose workers run in-process. A nil
// spawner leaves the default one, which must never be reached.
func newWorkingScanner(t *testing.T, spawner process.Spawner) (*scanner, *bytes.Buffer) {
	t.Helper()

	store, err := registry.OpenBoltStore(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	loader, err := plugin.NewLoader(&plugin.LoaderOptions{
		WorkerPath: "unused",
		Registry:   store,
		Spawner:    spawner,
		Logger:     quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		loader.Close(ctx)
	})

	var out bytes.Buffer
	return &scanner{
		loader: loader,
		store:  store,
		ext:    ".so",
		out:    &out,
		au:     aurora.NewAurora(false),
	}, &out
}

func TestScanner_Collect(t *testing.T) {
	s, _ := newTestScanner(t)
	root := t.TempDir()

	writeFile(t, filepath.Join(root, "a.so"), "a")
	writeFile(t, filepath.Join(root, "nested", "b.so"), "bb")
	writeFile(t, filepath.Join(root, "readme.txt"), "x")

	got, err := s.collect([]string{root})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, filepath.Join(root, "a.so"), got[0].path)
	assert.Equal(t, int64(1), got[0].size)
	assert.Equal(t, filepath.Join(root, "nested", "b.so"), got[1].path)
	assert.Equal(t, int64(2), got[1].size)
}

func TestScanner_FreshCacheSkipsWorker(t *testing.T) {
	s, out := newTestScanner(t)
	root := t.TempDir()

	path := filepath.Join(root, "a.so")
	info := writeFile(t, path, "a")
	require.NoError(t, s.store.Merge(&registry.Record{
		Filename: path,
		Size:     info.Size(),
		Mtime:    info.ModTime().Unix(),
		Name:     "a",
	}))
	require.NoError(t, s.store.Merge(registry.NewBlacklistRecord(filepath.Join(root, "gone.so"), 1, 1)))

	sum, err := s.scan(context.Background(), []string{root})
	require.NoError(t, err)
	assert.Equal(t, summary{found: 1, cached: 1, pruned: 1}, sum)
	assert.Zero(t, s.loader.Pending())

	_, ok, err := s.store.Lookup(filepath.Join(root, "gone.so"))
	require.NoError(t, err)
	assert.False(t, ok)

	s.printSummary(sum)
	assert.Equal(t, "1 candidates: 0 loaded, 0 blacklisted, 1 cached, 1 pruned\n", out.String())
}

func TestScanner_ChangedBlacklistedCandidateIsProbedAgain(t *testing.T) {
	var fixed atomic.Bool
	spawner := &goroutineSpawner{loader: plugin.ModuleLoaderFunc(func(ctx context.Context, path string) (*registry.Record, error) {
		if !fixed.Load() {
			return nil, errors.New("undefined symbol")
		}
		return &registry.Record{Filename: path, Name: "a", Version: "1.0"}, nil
	})}
	s, out := newWorkingScanner(t, spawner)
	root := t.TempDir()
	path := filepath.Join(root, "a.so")
	ctx := context.Background()

	writeFile(t, path, "a")
	sum, err := s.scan(ctx, []string{root})
	require.NoError(t, err)
	assert.Equal(t, summary{found: 1, blacklisted: 1}, sum)

	rec, ok, err := s.store.Lookup(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.Blacklisted)

	// The candidate is rebuilt; the next rescan must hand it to a worker.
	fixed.Store(true)
	info := writeFile(t, path, "abc")
	sum, err = s.scan(ctx, []string{root})
	require.NoError(t, err)
	assert.Equal(t, summary{found: 1, loaded: 1}, sum)

	rec, ok, err = s.store.Lookup(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, rec.Blacklisted)
	assert.True(t, rec.Fresh(info.Size(), info.ModTime().Unix()))

	// Unchanged since, so it is served from the cache.
	sum, err = s.scan(ctx, []string{root})
	require.NoError(t, err)
	assert.Equal(t, summary{found: 1, cached: 1}, sum)

	s.printSummary(sum)
	assert.Equal(t, "1 candidates: 0 loaded, 0 blacklisted, 1 cached, 0 pruned\n", out.String())
}

func TestScanner_StaleBlacklistCacheEntryIsProbed(t *testing.T) {
	spawner := &goroutineSpawner{loader: plugin.ModuleLoaderFunc(func(ctx context.Context, path string) (*registry.Record, error) {
		return &registry.Record{Filename: path, Name: "a", Version: "1.0"}, nil
	})}
	s, _ := newWorkingScanner(t, spawner)
	root := t.TempDir()
	path := filepath.Join(root, "a.so")

	info := writeFile(t, path, "a")
	require.NoError(t, s.store.Merge(registry.NewBlacklistRecord(path, info.Size()+1, info.ModTime().Unix()-60)))

	sum, err := s.scan(context.Background(), []string{root})
	require.NoError(t, err)
	assert.Equal(t, summary{found: 1, loaded: 1}, sum)
	assert.EqualValues(t, 1, spawner.spawns.Load())
}

func TestScanner_PruneOnlyUnderRoots(t *testing.T) {
	s, _ := newTestScanner(t)
	root := t.TempDir()

	require.NoError(t, s.store.Merge(registry.NewBlacklistRecord(filepath.Join(root, "gone.so"), 1, 1)))
	require.NoError(t, s.store.Merge(registry.NewBlacklistRecord("/elsewhere/gone.so", 1, 1)))

	pruned, err := s.prune([]string{root})
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	all, err := s.store.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "/elsewhere/gone.so", all[0].Filename)
}

func TestUnderAny(t *testing.T) {
	roots := []string{"/usr/lib/plugins"}
	assert.True(t, underAny("/usr/lib/plugins/a.so", roots))
	assert.True(t, underAny("/usr/lib/plugins", roots))
	assert.False(t, underAny("/usr/lib/plugins-extra/a.so", roots))
}

func TestPrintRecords(t *testing.T) {
	var out bytes.Buffer
	printRecords(&out, aurora.NewAurora(false), []*registry.Record{
		registry.NewBlacklistRecord("/tmp/bad.so", 1, 1),
		{
			Filename: "/tmp/good.so",
			Name:     "good",
			Version:  "1.0",
			Features: []registry.Feature{{Name: "goodsrc", Kind: "element", Rank: 128}},
		},
	})

	assert.Equal(t, "blacklisted /tmp/bad.so\n"+
		"good 1.0 /tmp/good.so (1 features)\n"+
		"    element goodsrc rank=128\n", out.String())
}

func TestSetupLogging(t *testing.T) {
	assert.NoError(t, setupLogging("debug"))
	assert.Error(t, setupLogging("loud"))
	assert.NoError(t, setupLogging("info"))
}

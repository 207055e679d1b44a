// Package probe provides module loaders that run inside a scanner worker.
package probe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"plugin"
	"strconv"

	"github.com/snowmerak/pluginscan/lib/registry"
)

const (
	// InfoSymbol is the exported variable every candidate must provide:
	// a map[string]string with at least a "name" key.
	InfoSymbol = "PluginInfo"
	// FeaturesSymbol is an optional exported []map[string]string, one map per feature.
	FeaturesSymbol = "PluginFeatures"
)

var ErrNotAPlugin = errors.New("not a plugin")

// GoPluginLoader opens candidates as Go plugins (-buildmode=plugin) and reads their
// descriptor symbols. Opening runs the candidate's init code, which is why it
// only ever runs inside a worker process.
type GoPluginLoader struct{}

// LoadModule opens path and extracts its descriptive record.
func (GoPluginLoader) LoadModule(ctx context.Context, path string) (*registry.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat candidate: %w", err)
	}

	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	sym, err := p.Lookup(InfoSymbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %s has no %s symbol", ErrNotAPlugin, path, InfoSymbol)
	}
	info, ok := sym.(*map[string]string)
	if !ok || info == nil {
		return nil, fmt.Errorf("%w: %s.%s has type %T", ErrNotAPlugin, path, InfoSymbol, sym)
	}

	rec := RecordFromInfo(path, st.Size(), st.ModTime().Unix(), *info)
	if rec.Name == "" {
		return nil, fmt.Errorf("%w: %s.%s has no name", ErrNotAPlugin, path, InfoSymbol)
	}

	if sym, err := p.Lookup(FeaturesSymbol); err == nil {
		if features, ok := sym.(*[]map[string]string); ok && features != nil {
			rec.Features = FeaturesFromMaps(*features)
		}
	}

	return rec, nil
}

// RecordFromInfo maps descriptor keys onto a record.
func RecordFromInfo(path string, size, mtime int64, info map[string]string) *registry.Record {
	return &registry.Record{
		Filename:    path,
		Size:        size,
		Mtime:       mtime,
		Name:        info["name"],
		Description: info["description"],
		Version:     info["version"],
		License:     info["license"],
		Source:      info["source"],
		Package:     info["package"],
		Origin:      info["origin"],
		ReleaseDate: info["release_date"],
	}
}

// FeaturesFromMaps converts feature descriptors. "name", "kind" and "rank" are
// lifted into fields, every other key lands in Metadata.
func FeaturesFromMaps(maps []map[string]string) []registry.Feature {
	features := make([]registry.Feature, 0, len(maps))
	for _, m := range maps {
		f := registry.Feature{Name: m["name"], Kind: m["kind"]}
		if r, err := strconv.ParseUint(m["rank"], 10, 32); err == nil {
			f.Rank = uint32(r)
		}
		for k, v := range m {
			switch k {
			case "name", "kind", "rank":
				continue
			}
			if f.Metadata == nil {
				f.Metadata = make(map[string]string)
			}
			f.Metadata[k] = v
		}
		features = append(features, f)
	}
	return features
}

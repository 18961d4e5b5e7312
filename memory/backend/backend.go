// Package backend wires the concrete memory backends to the manager.
package backend

import (
	"fmt"
	"path/filepath"

	"github.com/talekeeper/mnemo/memory"
	"github.com/talekeeper/mnemo/memory/backend/disabled"
	"github.com/talekeeper/mnemo/memory/backend/flatfile"
	"github.com/talekeeper/mnemo/memory/backend/graph"
	"github.com/talekeeper/mnemo/memory/backend/vector"
)

// Open is the default memory.Factory: it constructs an uninitialized
// backend of the configured kind rooted at DataDir/<entity>.
func Open(entity string, cfg *memory.Config) (memory.Backend, error) {
	dir := filepath.Join(cfg.DataDir, entity)

	switch cfg.Kind {
	case memory.KindFlatFile, "":
		return flatfile.New(entity, dir, cfg.MaxMessages), nil
	case memory.KindGraph:
		return graph.New(entity, dir, cfg.MaxMessages), nil
	case memory.KindVector:
		if cfg.Embedder == nil {
			return nil, fmt.Errorf("vector backend requires Config.Embedder")
		}
		return vector.New(entity, dir, cfg.MaxMessages, cfg.Embedder), nil
	case memory.KindDisabled:
		return disabled.New(entity), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}

package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	goyaml "github.com/goccy/go-yaml"

	"github.com/flowforge/dagrunner/internal/blockdag"
)

// ListExamples returns the names of every bundled example DAG file under
// Config.ExamplesDir (SPEC_FULL.md §6's POST /api/dag/run "example" field),
// sorted for a stable listing.
func (e *Engine) ListExamples() ([]string, error) {
	if e.cfg.ExamplesDir == "" {
		return nil, nil
	}
	matches, err := doublestar.Glob(os.DirFS(e.cfg.ExamplesDir), "**/*.{yaml,yml}")
	if err != nil {
		return nil, fmt.Errorf("engine: glob examples: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

// LoadExample parses one bundled example DAG by its name (as returned by
// ListExamples) into an unparsed DAGDef; the caller (StartRun) is
// responsible for clamping and blockdag.Parse-ing it.
func (e *Engine) LoadExample(name string) (blockdag.DAGDef, error) {
	if e.cfg.ExamplesDir == "" {
		return blockdag.DAGDef{}, fmt.Errorf("engine: no examples directory configured")
	}
	clean := filepath.Clean(name)
	if clean == ".." || filepath.IsAbs(clean) {
		return blockdag.DAGDef{}, fmt.Errorf("engine: invalid example name %q", name)
	}
	path := filepath.Join(e.cfg.ExamplesDir, clean)
	if rel, err := filepath.Rel(e.cfg.ExamplesDir, path); err != nil || rel == ".." || len(rel) >= 2 && rel[:2] == ".." {
		return blockdag.DAGDef{}, fmt.Errorf("engine: invalid example name %q", name)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return blockdag.DAGDef{}, fmt.Errorf("engine: read example %q: %w", name, err)
	}
	var dag blockdag.DAGDef
	if err := goyaml.Unmarshal(data, &dag); err != nil {
		return blockdag.DAGDef{}, fmt.Errorf("engine: parse example %q: %w", name, err)
	}
	return dag, nil
}

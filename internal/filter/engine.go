// Package filter loads Lua filter programs from a directory and runs them as
// ordered pipelines over timeline items. Programs are sandboxed: no network,
// no filesystem, no credentials, and a wall-clock budget per program. A filter
// that times out or faults degrades to a pass-through for that batch instead
// of failing the request.
package filter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"
	luajson "layeh.com/gopher-json"
)

// DefaultTimeout bounds a program's execution when its metadata does not
// declare one. It must stay well below the overall request deadline so a
// stalled pipeline is attributable to the offending filter.
const DefaultTimeout = 3 * time.Second

// LoadError records a program that failed to load. The remaining programs
// still load; the broken one is unusable until fixed and reloaded.
type LoadError struct {
	Name string
	Err  error
}

// Fault records a program that timed out or raised an error during a run. The
// stage degraded to identity; the request still succeeded.
type Fault struct {
	Name string
	Err  error
}

// set is one immutable generation of loaded programs. Reload swaps the whole
// set atomically so in-flight executions keep the generation they started with.
type set struct {
	programs map[string]*Program
}

// Engine owns the filter directory and the active program set.
type Engine struct {
	dir            string
	defaultTimeout time.Duration
	active         atomic.Pointer[set]
}

// NewEngine creates an engine rooted at dir. Call Reload before first use.
func NewEngine(dir string, defaultTimeout time.Duration) *Engine {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	e := &Engine{dir: dir, defaultTimeout: defaultTimeout}
	e.active.Store(&set{programs: map[string]*Program{}})
	return e
}

// Reload scans the filter directory and swaps in a new program set. Malformed
// programs are reported but do not abort the load. Returns the names of loaded
// programs and the per-program load errors.
func (e *Engine) Reload() ([]string, []LoadError, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("scan filter directory: %w", err)
	}

	programs := make(map[string]*Program)
	var loadErrs []LoadError
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
			continue
		}
		p, err := loadProgram(filepath.Join(e.dir, entry.Name()), entry.Name(), e.defaultTimeout)
		if err != nil {
			log.Printf("⚠️ skipping filter %s: %v", entry.Name(), err)
			loadErrs = append(loadErrs, LoadError{Name: entry.Name(), Err: err})
			continue
		}
		programs[p.Name] = p
	}

	e.active.Store(&set{programs: programs})

	names := make([]string, 0, len(programs))
	for name := range programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, loadErrs, nil
}

// Lookup reports whether every program named in the pipeline is loaded,
// returning the first missing name otherwise.
func (e *Engine) Lookup(pipeline []string) (missing string, ok bool) {
	s := e.active.Load()
	for _, name := range pipeline {
		if _, found := s.programs[name]; !found {
			return name, false
		}
	}
	return "", true
}

// Run applies the named pipeline to items in declared order: each program maps
// the output of the previous one. Items are opaque JSON values. The returned
// faults list the stages that degraded to identity this batch.
func (e *Engine) Run(ctx context.Context, pipeline []string, items []json.RawMessage) ([]json.RawMessage, []Fault, error) {
	s := e.active.Load()

	var faults []Fault
	current := items
	for _, name := range pipeline {
		p, ok := s.programs[name]
		if !ok {
			return nil, faults, fmt.Errorf("filter %s is not loaded", name)
		}
		out, err := e.runProgram(ctx, p, current)
		if err != nil {
			log.Printf("⚠️ filter %s faulted, passing items through unchanged: %v", name, err)
			faults = append(faults, Fault{Name: name, Err: err})
			continue // stage degrades to identity
		}
		current = out
	}
	return current, faults, nil
}

// runProgram feeds every item through one program, bounded by the program's
// wall-clock budget for the whole batch. Each item gets its own fresh sandboxed
// state; a global set while processing one item is gone before the next. Any
// error aborts the whole stage; the caller keeps the stage's input.
func (e *Engine) runProgram(ctx context.Context, p *Program, items []json.RawMessage) ([]json.RawMessage, error) {
	runCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		kept, rewritten, err := runItem(runCtx, p, item)
		if err != nil {
			return nil, err
		}
		if !kept {
			continue // dropped
		}
		out = append(out, rewritten)
	}
	return out, nil
}

// runItem executes one program invocation against one item in an isolated
// state.
func runItem(ctx context.Context, p *Program, item json.RawMessage) (kept bool, result json.RawMessage, err error) {
	L := newState()
	defer L.Close()
	L.SetContext(ctx)

	post, err := luajson.Decode(L, item)
	if err != nil {
		return false, nil, fmt.Errorf("decode item for filter %s: %w", p.Name, err)
	}
	L.SetGlobal("post", post)

	fn := L.NewFunctionFromProto(p.proto)
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return false, nil, fmt.Errorf("filter %s: %w", p.Name, err)
	}

	ret := lua.LValue(lua.LNil)
	if L.GetTop() > 0 {
		ret = L.Get(-1)
	}

	if ret == lua.LNil {
		return false, nil, nil
	}

	// A predicate may decide, not rewrite: keep the original item.
	if p.Kind == KindPredicate {
		return true, item, nil
	}

	encoded, err := luajson.Encode(ret)
	if err != nil {
		return false, nil, fmt.Errorf("filter %s returned an unencodable value: %w", p.Name, err)
	}
	return true, json.RawMessage(encoded), nil
}

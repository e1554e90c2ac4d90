package filter

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// Kind declares what a program is allowed to do with an item.
type Kind string

const (
	// KindPredicate programs may only drop items; a non-nil result passes the
	// original item through unchanged.
	KindPredicate Kind = "predicate"

	// KindTransform programs may drop or rewrite items.
	KindTransform Kind = "transform"
)

// Program is one loaded Lua filter. Programs are immutable after load; a
// reload builds new Program values rather than mutating these, so concurrent
// executions never observe a program changing mid-run.
type Program struct {
	Name    string
	Kind    Kind
	Timeout time.Duration

	proto *lua.FunctionProto
}

// loadProgram reads and compiles one filter file. The leading comment lines of
// the file may carry metadata:
//
//	-- kind: predicate
//	-- timeout: 2s
//
// Unknown keys are ignored. Compilation errors are reported here so a broken
// filter fails at load, not on the first request.
func loadProgram(path, name string, defaultTimeout time.Duration) (*Program, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read filter %s: %w", name, err)
	}

	p := &Program{Name: name, Kind: KindTransform, Timeout: defaultTimeout}
	if err := p.parseMeta(string(src)); err != nil {
		return nil, err
	}

	chunk, err := parse.Parse(strings.NewReader(string(src)), name)
	if err != nil {
		return nil, fmt.Errorf("parse filter %s: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("compile filter %s: %w", name, err)
	}
	p.proto = proto

	return p, nil
}

func (p *Program) parseMeta(src string) error {
	scanner := bufio.NewScanner(strings.NewReader(src))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "--") {
			break // metadata only lives in the leading comment block
		}
		key, value, ok := strings.Cut(strings.TrimSpace(strings.TrimPrefix(line, "--")), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "kind":
			switch Kind(value) {
			case KindPredicate, KindTransform:
				p.Kind = Kind(value)
			default:
				return fmt.Errorf("filter %s: unknown kind %q", p.Name, value)
			}
		case "timeout":
			d, err := time.ParseDuration(value)
			if err != nil || d <= 0 {
				return fmt.Errorf("filter %s: invalid timeout %q", p.Name, value)
			}
			p.Timeout = d
		}
	}
	return nil
}

// newState builds a fresh Lua state with only side-effect-free libraries. No
// io, no os: filters cannot reach the network, the filesystem, or the clock,
// which keeps pipeline output deterministic for fixed input.
func newState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			panic(err) // opening built-in libraries cannot fail
		}
	}
	return L
}

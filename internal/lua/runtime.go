// Package lua renders scripted scenarios in a sandboxed Lua state.
package lua

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/mpataki/jury/internal/models"
)

// Script is a compiled scenario script. It is safe for concurrent use: each
// Render gets its own Lua state.
type Script struct {
	path  string
	proto *lua.FunctionProto
}

// Rendered is what a script's render(vars) returned.
type Rendered struct {
	Text    string
	Options []models.OptionDef
	Logs    []string
}

// Load compiles the script once and checks that it defines render().
func Load(path string) (*Script, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	chunk, err := parse.Parse(strings.NewReader(string(source)), path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	proto, err := lua.Compile(chunk, path)
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}

	s := &Script{path: path, proto: proto}

	// A dry load catches scripts that forget to define render().
	L := s.newState()
	defer L.Close()
	if err := s.define(L); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Script) Path() string {
	return s.path
}

// Render calls render(vars) and converts its result.
func (s *Script) Render(ctx context.Context, vars map[string]string) (*Rendered, error) {
	L := s.newState()
	defer L.Close()
	L.SetContext(ctx)

	var logs []string
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		logs = append(logs, L.CheckString(1))
		return 0
	}))

	if err := s.define(L); err != nil {
		return nil, err
	}

	L.Push(L.GetGlobal("render"))
	L.Push(varsToTable(L, vars))
	if err := L.PCall(1, 1, nil); err != nil {
		return nil, fmt.Errorf("%s: render failed: %w", filepath.Base(s.path), err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	out, err := fromResult(ret)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(s.path), err)
	}
	out.Logs = logs
	return out, nil
}

func (s *Script) newState() *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	openSafeLibs(L)
	return L
}

func (s *Script) define(L *lua.LState) error {
	L.Push(L.NewFunctionFromProto(s.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return fmt.Errorf("failed to load script: %w", err)
	}
	if fn, ok := L.GetGlobal("render").(*lua.LFunction); !ok || fn == nil {
		return fmt.Errorf("script %s must define a 'render' function", filepath.Base(s.path))
	}
	return nil
}

// openSafeLibs loads base, table, string and math without file access,
// dynamic loading, or randomness. Renders must be reproducible.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // use log()
	L.SetGlobal("log", L.NewFunction(func(*lua.LState) int { return 0 }))

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func varsToTable(L *lua.LState, vars map[string]string) *lua.LTable {
	tbl := L.NewTable()
	for k, v := range vars {
		L.SetField(tbl, k, lua.LString(v))
	}
	return tbl
}

// fromResult accepts {text=..., options={...}}. Options may be a list of
// {id=..., text=...} tables or a map of id to text.
func fromResult(v lua.LValue) (*Rendered, error) {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("render must return a table, got %s", v.Type())
	}

	text, ok := tbl.RawGetString("text").(lua.LString)
	if !ok || strings.TrimSpace(string(text)) == "" {
		return nil, fmt.Errorf("render result has no text")
	}
	out := &Rendered{Text: string(text)}

	switch opts := tbl.RawGetString("options").(type) {
	case *lua.LNilType:
	case *lua.LTable:
		parsed, err := optionsFrom(opts)
		if err != nil {
			return nil, err
		}
		out.Options = parsed
	default:
		return nil, fmt.Errorf("render result options must be a table, got %s", opts.Type())
	}
	return out, nil
}

func optionsFrom(tbl *lua.LTable) ([]models.OptionDef, error) {
	var out []models.OptionDef

	if tbl.Len() > 0 {
		for i := 1; i <= tbl.Len(); i++ {
			entry, ok := tbl.RawGetInt(i).(*lua.LTable)
			if !ok {
				return nil, fmt.Errorf("option %d must be a table", i)
			}
			id := lua.LVAsString(entry.RawGetString("id"))
			text := lua.LVAsString(entry.RawGetString("text"))
			if id == "" || text == "" {
				return nil, fmt.Errorf("option %d needs id and text", i)
			}
			out = append(out, models.OptionDef{ID: id, Text: text})
		}
		return out, nil
	}

	var err error
	tbl.ForEach(func(k, v lua.LValue) {
		id, text := lua.LVAsString(k), lua.LVAsString(v)
		if id == "" || text == "" {
			err = fmt.Errorf("option %q needs id and text", id)
			return
		}
		out = append(out, models.OptionDef{ID: id, Text: text})
	})
	if err != nil {
		return nil, err
	}
	// Map iteration order is unspecified; keep prompts stable.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

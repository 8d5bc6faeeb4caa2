// Package script runs small Lua predicates that decide whether a device
// report is a genuine state report for a given model.
package script

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// EntryPoint is the global function every filter source must define.
const EntryPoint = "accept"

var ErrNoEntryPoint = errors.New("lua filter does not define accept(data)")

// Filter is a compiled report predicate. One Lua state per filter; calls
// are serialised.
type Filter struct {
	mu     sync.Mutex
	state  *lua.LState
	fn     *lua.LFunction
	logger *slog.Logger
}

// Compile runs src in a sandboxed state and looks up accept(data).
func Compile(src string, logger *slog.Logger) (*Filter, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})

	// Sandbox: remove dangerous libs and functions
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)

	if err := L.DoString(src); err != nil {
		L.Close()
		return nil, fmt.Errorf("compile lua filter: %w", err)
	}
	fn, ok := L.GetGlobal(EntryPoint).(*lua.LFunction)
	if !ok {
		L.Close()
		return nil, ErrNoEntryPoint
	}
	return &Filter{state: L, fn: fn, logger: logger.With("component", "script")}, nil
}

// Match calls accept(data) and reports whether it returned a truthy value.
// A Lua error is logged and counts as no match.
func (f *Filter) Match(data map[string]any) (matched bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == nil {
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("lua filter panic", "err", r)
			matched = false
		}
	}()

	L := f.state
	if err := L.CallByParam(lua.P{
		Fn:      f.fn,
		NRet:    1,
		Protect: true,
	}, goToLua(L, data)); err != nil {
		f.logger.Warn("lua filter error", "err", err)
		return false
	}
	ret := L.Get(-1)
	L.Pop(1)
	return lua.LVAsBool(ret)
}

// Close releases the Lua state.
func (f *Filter) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != nil {
		f.state.Close()
		f.state = nil
	}
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int8:
		return lua.LNumber(val)
	case int16:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

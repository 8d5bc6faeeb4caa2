package script

import (
	"errors"
	"log/slog"
	"os"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const markerFilter = `
function accept(data)
  return data.onOff ~= nil and data["61440"] ~= nil
end
`

func TestFilterMatch(t *testing.T) {
	f, err := Compile(markerFilter, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	tests := []struct {
		name string
		data map[string]any
		want bool
	}{
		{"state report", map[string]any{"onOff": true, "61440": uint32(59891968)}, true},
		{"numeric onOff", map[string]any{"onOff": uint8(0), "61440": uint32(59891968)}, true},
		{"missing marker", map[string]any{"onOff": true}, false},
		{"empty", map[string]any{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.Match(tt.data); got != tt.want {
				t.Errorf("Match(%v) = %v, want %v", tt.data, got, tt.want)
			}
		})
	}
}

func TestCompileErrors(t *testing.T) {
	if _, err := Compile("function accept(", testLogger()); err == nil {
		t.Error("expected syntax error")
	}
	if _, err := Compile("x = 1", testLogger()); !errors.Is(err, ErrNoEntryPoint) {
		t.Errorf("err = %v, want ErrNoEntryPoint", err)
	}
}

func TestRuntimeErrorIsNoMatch(t *testing.T) {
	f, err := Compile(`function accept(data) return data.nested.value > 1 end`, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if f.Match(map[string]any{"onOff": true}) {
		t.Error("erroring filter matched")
	}
	if !f.Match(map[string]any{"nested": map[string]any{"value": 2}}) {
		t.Error("filter should still work after an error")
	}
}

func TestSandbox(t *testing.T) {
	f, err := Compile(`function accept(data) return os == nil and io == nil and require == nil and load == nil end`, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if !f.Match(nil) {
		t.Error("sandboxed globals are reachable")
	}
}

func TestMatchAfterClose(t *testing.T) {
	f, err := Compile(`function accept(data) return true end`, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	if f.Match(map[string]any{}) {
		t.Error("closed filter matched")
	}
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  any
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool", true, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"uint32", uint32(59891968), lua.LTNumber},
		{"int8", int8(-10), lua.LTNumber},
		{"map", map[string]any{"a": 1}, lua.LTTable},
		{"slice", []any{1, 2, 3}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := goToLua(L, tt.val).Type(); got != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, got, tt.want)
			}
		})
	}
}

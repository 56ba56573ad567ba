//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"linak-desk/internal/desk"
)

type fakeDesk struct {
	events *desk.EventBus
	height float64

	mu    sync.Mutex
	calls []string
	err   error
}

func newFakeDesk() *fakeDesk {
	return &fakeDesk{events: desk.NewEventBus(testLogger()), height: 72.5}
}

func (f *fakeDesk) record(call string) (*desk.Move, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return nil, f.err
}

func (f *fakeDesk) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDesk) Events() *desk.EventBus { return f.events }

func (f *fakeDesk) State() desk.State {
	h := f.height
	return desk.State{Address: "AA:BB:CC:DD:EE:FF", Ready: true, HeightCm: &h, Favorites: []desk.FavoriteState{}}
}

func (f *fakeDesk) MoveToCm(_ context.Context, cm float64) (*desk.Move, error) {
	return f.record(fmt.Sprintf("move_to %.1f", cm))
}

func (f *fakeDesk) MoveToFavorite(_ context.Context, n int) (*desk.Move, error) {
	return f.record(fmt.Sprintf("favorite %d", n))
}

func (f *fakeDesk) MoveToTop(context.Context) (*desk.Move, error)    { return f.record("top") }
func (f *fakeDesk) MoveToBottom(context.Context) (*desk.Move, error) { return f.record("bottom") }
func (f *fakeDesk) MoveUp(context.Context) (*desk.Move, error)       { return f.record("up") }
func (f *fakeDesk) MoveDown(context.Context) (*desk.Move, error)     { return f.record("down") }

func (f *fakeDesk) StopMoving(context.Context) error {
	_, err := f.record("stop")
	return err
}

func newTestEngine(t *testing.T) (*Engine, *fakeDesk) {
	t.Helper()
	mgr, err := NewManager(filepath.Join(t.TempDir(), "scripts"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	d := newFakeDesk()
	return NewEngine(d, mgr, testLogger()), d
}

func waitForCalls(t *testing.T, d *fakeDesk, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls := d.Calls(); len(calls) >= n {
			return calls
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("calls = %v, want %d", d.Calls(), n)
	return nil
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	cm := 72.5
	var nilCm *float64
	tests := []struct {
		name string
		val  interface{}
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool", true, lua.LTBool},
		{"string", "ready", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"float64", 3.14, lua.LTNumber},
		{"uint16", uint16(1024), lua.LTNumber},
		{"float pointer", &cm, lua.LTNumber},
		{"nil float pointer", nilCm, lua.LTNil},
		{"map", map[string]interface{}{"a": 1}, lua.LTTable},
		{"slice", []interface{}{1, 2, 3}, lua.LTTable},
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

func TestMatchesHandler(t *testing.T) {
	event := desk.Event{Type: desk.EventFavoriteChanged, Data: map[string]interface{}{"slot": 2, "cm": 110.0}}

	tests := []struct {
		name string
		h    luaEventHandler
		want bool
	}{
		{"type only", luaEventHandler{eventType: desk.EventFavoriteChanged}, true},
		{"other type", luaEventHandler{eventType: desk.EventPositionChanged}, false},
		{"int filter", luaEventHandler{eventType: desk.EventFavoriteChanged, filter: map[string]string{"slot": "2"}}, true},
		{"float filter", luaEventHandler{eventType: desk.EventFavoriteChanged, filter: map[string]string{"cm": "110"}}, true},
		{"filter mismatch", luaEventHandler{eventType: desk.EventFavoriteChanged, filter: map[string]string{"slot": "3"}}, false},
		{"missing key", luaEventHandler{eventType: desk.EventFavoriteChanged, filter: map[string]string{"state": "ready"}}, false},
	}
	for _, tt := range tests {
		if got := matchesHandler(tt.h, event); got != tt.want {
			t.Errorf("%s: matchesHandler = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestEngineDispatchesEvents(t *testing.T) {
	e, d := newTestEngine(t)
	_, err := e.manager.Save(&Script{
		ID:   "guard",
		Meta: ScriptMeta{Name: "Guard", Enabled: true},
		LuaCode: `
desk.on("position_changed", function(event)
    if event.height_cm > 120 then
        desk.move_to(100)
    end
end)
desk.on("connection", {state = "ready"}, function(event)
    desk.move_to_favorite(1)
end)
`,
	})
	if err != nil {
		t.Fatal(err)
	}

	e.Start()
	defer e.Stop()
	if e.Running() != 1 {
		t.Fatalf("running = %d, want 1", e.Running())
	}

	d.events.Emit(desk.Event{Type: desk.EventPositionChanged, Data: map[string]interface{}{"height_cm": 90.0}})
	d.events.Emit(desk.Event{Type: desk.EventConnection, Data: map[string]interface{}{"state": "connected"}})
	d.events.Emit(desk.Event{Type: desk.EventPositionChanged, Data: map[string]interface{}{"height_cm": 125.0}})
	d.events.Emit(desk.Event{Type: desk.EventConnection, Data: map[string]interface{}{"state": "ready"}})

	calls := waitForCalls(t, d, 2)
	if strings.Join(calls, ",") != "move_to 100.0,favorite 1" {
		t.Errorf("calls = %v", calls)
	}
}

func TestEngineSkipsDisabledScripts(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.manager.Save(&Script{ID: "off", Meta: ScriptMeta{Name: "Off"}, LuaCode: `desk.stop()`}); err != nil {
		t.Fatal(err)
	}
	e.Start()
	defer e.Stop()
	if e.Running() != 0 {
		t.Errorf("running = %d, want 0", e.Running())
	}
}

func TestEngineReloadAndStopScript(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Start()
	defer e.Stop()

	if _, err := e.manager.Save(&Script{ID: "s", Meta: ScriptMeta{Name: "S", Enabled: true}, LuaCode: `desk.log("x")`}); err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript("s"); err != nil {
		t.Fatal(err)
	}
	if e.Running() != 1 {
		t.Fatalf("running = %d, want 1", e.Running())
	}
	e.StopScript("s")
	if e.Running() != 0 {
		t.Errorf("running after stop = %d, want 0", e.Running())
	}
	if err := e.ReloadScript("missing"); err == nil {
		t.Error("expected error reloading missing script")
	}
}

func TestEngineStartScriptSyntaxError(t *testing.T) {
	e, _ := newTestEngine(t)
	err := e.startScript(&Script{ID: "bad", LuaCode: `desk.on(`})
	if err == nil {
		t.Fatal("expected syntax error")
	}
	if e.Running() != 0 {
		t.Errorf("running = %d, want 0", e.Running())
	}
}

func TestRunLuaCodeCapturesLogs(t *testing.T) {
	e, d := newTestEngine(t)

	res := e.RunLuaCode(`
desk.log("height " .. desk.height())
system.log("warn", "careful")
local ok, err = desk.move_to_favorite(2)
if ok then desk.log("moving") end
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	want := []string{"height 72.5", "[warn] careful", "moving"}
	if strings.Join(res.Logs, "|") != strings.Join(want, "|") {
		t.Errorf("logs = %q, want %q", res.Logs, want)
	}
	if calls := d.Calls(); len(calls) != 1 || calls[0] != "favorite 2" {
		t.Errorf("calls = %v", calls)
	}
}

func TestRunLuaCodeInvokesHandlers(t *testing.T) {
	e, d := newTestEngine(t)

	res := e.RunLuaCode(`
desk.on("position_changed", function(event)
    desk.log("at " .. event.height_cm)
    desk.up()
end)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "at 72.5" {
		t.Errorf("logs = %q", res.Logs)
	}
	if calls := d.Calls(); len(calls) != 1 || calls[0] != "up" {
		t.Errorf("calls = %v", calls)
	}
}

func TestRunLuaCodeReportsErrors(t *testing.T) {
	e, d := newTestEngine(t)
	d.err = desk.ErrNotReady

	res := e.RunLuaCode(`
local ok, err = desk.move_to(100)
if not ok then desk.log(err) end
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != desk.ErrNotReady.Error() {
		t.Errorf("logs = %q", res.Logs)
	}

	res = e.RunLuaCode(`error("boom")`)
	if res.OK || !strings.Contains(res.Error, "boom") {
		t.Errorf("result = %+v, want boom error", res)
	}
}

func TestRunLuaCodeAlreadyAtTargetIsSuccess(t *testing.T) {
	e, d := newTestEngine(t)
	d.err = desk.ErrAlreadyAtTarget

	res := e.RunLuaCode(`assert(desk.move_to(72.5))`)
	if !res.OK {
		t.Errorf("run failed: %s", res.Error)
	}
}

func TestRunLuaCodeSandbox(t *testing.T) {
	e, _ := newTestEngine(t)
	for _, code := range []string{`os.exit(1)`, `io.write("x")`, `require("socket")`, `dofile("/etc/passwd")`} {
		if res := e.RunLuaCode(code); res.OK {
			t.Errorf("%s: expected sandbox error", code)
		}
	}
}

func TestRunLuaCodeTimeout(t *testing.T) {
	e, _ := newTestEngine(t)
	res := e.RunLuaCode(`while true do end`)
	if res.OK || res.Error != "timeout (5s)" {
		t.Errorf("result = %+v, want timeout", res)
	}
}

func TestDeskStateTable(t *testing.T) {
	e, _ := newTestEngine(t)
	res := e.RunLuaCode(`
local s = desk.state()
desk.log(s.address .. " " .. tostring(s.ready) .. " " .. s.height_cm)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "AA:BB:CC:DD:EE:FF true 72.5" {
		t.Errorf("logs = %q", res.Logs)
	}
}

func TestDeskAfterRunsOnVM(t *testing.T) {
	e, d := newTestEngine(t)
	if _, err := e.manager.Save(&Script{
		ID:      "later",
		Meta:    ScriptMeta{Name: "Later", Enabled: true},
		LuaCode: `desk.after(0.01, function() desk.stop() end)`,
	}); err != nil {
		t.Fatal(err)
	}
	e.Start()
	defer e.Stop()

	if calls := waitForCalls(t, d, 1); calls[0] != "stop" {
		t.Errorf("calls = %v", calls)
	}
}

func TestDeskOnHandlerLimit(t *testing.T) {
	e, _ := newTestEngine(t)
	res := e.RunLuaCode(`
for i = 1, 101 do
    desk.on("speed_changed", function() end)
end
`)
	if res.OK || !strings.Contains(res.Error, "too many handlers") {
		t.Errorf("result = %+v, want handler limit error", res)
	}
}

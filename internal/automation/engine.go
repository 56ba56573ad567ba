//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"linak-desk/internal/desk"
)

// Controller is the desk surface scripts can drive.
type Controller interface {
	Events() *desk.EventBus
	State() desk.State
	MoveToCm(ctx context.Context, cm float64) (*desk.Move, error)
	MoveToFavorite(ctx context.Context, index int) (*desk.Move, error)
	MoveToTop(ctx context.Context) (*desk.Move, error)
	MoveToBottom(ctx context.Context) (*desk.Move, error)
	MoveUp(ctx context.Context) (*desk.Move, error)
	MoveDown(ctx context.Context) (*desk.Move, error)
	StopMoving(ctx context.Context) error
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a registered Lua callback for an event type. Every
// filter key must equal the same key in the event data.
type luaEventHandler struct {
	eventType string
	filter    map[string]string
	fn        *lua.LFunction
}

// scriptVM is a running Lua VM for a single script.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState) // serializes Lua access
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers
}

// Engine manages Lua VMs and dispatches desk events to scripts.
type Engine struct {
	desk    Controller
	manager *Manager
	logger  *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM // script ID -> running VM
	unsub func()
}

// NewEngine creates a new automation engine.
func NewEngine(d Controller, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		desk:    d,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to desk events and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.desk.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.logger.Info("automation engine started", "scripts", e.Running())
}

// Stop cancels all VMs and unsubscribes from the event bus.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	if e.unsub != nil {
		e.unsub()
	}
	e.logger.Info("automation engine stopped")
}

// Running returns the number of loaded scripts.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.vms)
}

// ReloadScript stops the old VM (if any) and starts a new one.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// RunScript executes a stored script once in a temporary VM.
func (e *Engine) RunScript(id string) *RunResult {
	start := time.Now()
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: "script not found: " + err.Error(), Duration: time.Since(start).String()}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a temporary sandboxed VM. Handlers the code
// registers with desk.on are then called once with an event built from the
// current desk state, so their actions run too.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	var (
		logs  []string
		logMu sync.Mutex
	)
	capture := func(line string) {
		logMu.Lock()
		logs = append(logs, line)
		logMu.Unlock()
	}

	registerDeskModule(L, vm, e)
	registerSystemModule(L, e)

	if tbl, ok := L.GetGlobal("desk").(*lua.LTable); ok {
		tbl.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
			msg := L.CheckString(1)
			capture(msg)
			e.logger.Info("script run log", "msg", msg)
			return 0
		}))
	}
	if tbl, ok := L.GetGlobal("system").(*lua.LTable); ok {
		tbl.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
			level := L.CheckString(1)
			msg := L.CheckString(2)
			capture("[" + level + "] " + msg)
			return 0
		}))
	}

	e.logger.Debug("run lua code", "code_len", len(code))

	fail := func(err error) *RunResult {
		errStr := err.Error()
		if strings.Contains(errStr, "context deadline exceeded") {
			errStr = "timeout (5s)"
		}
		e.logger.Warn("script run failed", "err", errStr)
		return &RunResult{OK: false, Error: errStr, Logs: logs, Duration: time.Since(start).String()}
	}

	if err := L.DoString(code); err != nil {
		return fail(err)
	}

	vm.mu.Lock()
	handlers := make([]luaEventHandler, len(vm.handlers))
	copy(handlers, vm.handlers)
	vm.mu.Unlock()

	for _, h := range handlers {
		event := e.syntheticEvent(h)
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, eventTable(L, event)); err != nil {
			return fail(err)
		}
	}

	dur := time.Since(start)
	e.logger.Info("script run complete", "handlers", len(handlers), "logs", len(logs), "duration", dur)
	return &RunResult{OK: true, Logs: logs, Duration: dur.String()}
}

// syntheticEvent builds a test event for h from the current desk state.
func (e *Engine) syntheticEvent(h luaEventHandler) desk.Event {
	s := e.desk.State()
	data := map[string]interface{}{}
	if s.HeightCm != nil {
		data["height_cm"] = *s.HeightCm
	}
	if s.HeightRaw != nil {
		data["raw"] = *s.HeightRaw
	}
	if s.Speed != nil {
		data["speed"] = *s.Speed
	}
	for k, v := range h.filter {
		data[k] = v
	}
	return desk.Event{Type: h.eventType, Data: data}
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())

	L := newSandbox()
	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	registerDeskModule(L, vm, e)
	registerSystemModule(L, e)

	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// newSandbox returns a Lua state without file, process or module loading.
func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// dispatchEvent routes a desk event to all matching Lua handlers.
func (e *Engine) dispatchEvent(event desk.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		vm.mu.Lock()
		handlers := make([]luaEventHandler, len(vm.handlers))
		copy(handlers, vm.handlers)
		vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h, event) {
				continue
			}
			if vm.ctx.Err() != nil {
				break
			}
			fn := h.fn
			select {
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, event) }:
			default:
				e.logger.Warn("script command channel full, dropping event", "type", event.Type)
			}
		}
	}
}

func matchesHandler(h luaEventHandler, event desk.Event) bool {
	if h.eventType != event.Type {
		return false
	}
	for k, want := range h.filter {
		v, ok := event.Data[k]
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, event desk.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, eventTable(L, event)); err != nil {
		e.logger.Error("lua handler error", "type", event.Type, "err", err)
	}
}

func eventTable(L *lua.LState, event desk.Event) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("type", lua.LString(event.Type))
	for k, v := range event.Data {
		t.RawSetString(k, goToLua(L, v))
	}
	return t
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case *float64:
		if val == nil {
			return lua.LNil
		}
		return lua.LNumber(*val)
	case *int:
		if val == nil {
			return lua.LNil
		}
		return lua.LNumber(*val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case int8:
		return lua.LNumber(val)
	case int16:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case map[string]interface{}:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

//go:build !no_automation

package automation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	lua "github.com/yuin/gopher-lua"

	"linak-desk/internal/desk"
)

const (
	maxHandlersPerScript = 100
	deskCallTimeout      = 10 * time.Second
)

// registerDeskModule registers the `desk` global table in a Lua state.
func registerDeskModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	fns := map[string]lua.LGFunction{
		"on":    func(L *lua.LState) int { return deskOn(L, vm) },
		"after": func(L *lua.LState) int { return deskAfter(L, vm, e) },
		"log":   func(L *lua.LState) int { return deskLog(L, e) },
		"height": func(L *lua.LState) int {
			if cm := e.desk.State().HeightCm; cm != nil {
				L.Push(lua.LNumber(*cm))
			} else {
				L.Push(lua.LNil)
			}
			return 1
		},
		"state": func(L *lua.LState) int { return deskState(L, e) },
		"move_to": func(L *lua.LState) int {
			cm := float64(L.CheckNumber(1))
			return deskMove(L, vm, func(ctx context.Context) (*desk.Move, error) {
				return e.desk.MoveToCm(ctx, cm)
			})
		},
		"move_to_favorite": func(L *lua.LState) int {
			n := L.CheckInt(1)
			return deskMove(L, vm, func(ctx context.Context) (*desk.Move, error) {
				return e.desk.MoveToFavorite(ctx, n)
			})
		},
		"top":    func(L *lua.LState) int { return deskMove(L, vm, e.desk.MoveToTop) },
		"bottom": func(L *lua.LState) int { return deskMove(L, vm, e.desk.MoveToBottom) },
		"up":     func(L *lua.LState) int { return deskMove(L, vm, e.desk.MoveUp) },
		"down":   func(L *lua.LState) int { return deskMove(L, vm, e.desk.MoveDown) },
		"stop": func(L *lua.LState) int {
			ctx, cancel := context.WithTimeout(vm.ctx, deskCallTimeout)
			defer cancel()
			return pushResult(L, e.desk.StopMoving(ctx))
		},
	}
	for name, fn := range fns {
		mod.RawSetString(name, L.NewFunction(fn))
	}

	L.SetGlobal("desk", mod)
}

// desk.on(type, [filter], callback)
func deskOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}

	switch L.GetTop() {
	case 2:
		h.fn = L.CheckFunction(2)
	default:
		filter := L.CheckTable(2)
		h.fn = L.CheckFunction(3)
		h.filter = make(map[string]string)
		filter.ForEach(func(k, v lua.LValue) {
			h.filter[k.String()] = v.String()
		})
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// deskMove starts a move and returns true, or nil plus an error message.
// A move to the current height counts as success.
func deskMove(L *lua.LState, vm *scriptVM, start func(context.Context) (*desk.Move, error)) int {
	ctx, cancel := context.WithTimeout(vm.ctx, deskCallTimeout)
	defer cancel()
	_, err := start(ctx)
	if errors.Is(err, desk.ErrAlreadyAtTarget) {
		err = nil
	}
	return pushResult(L, err)
}

func pushResult(L *lua.LState, err error) int {
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// desk.state() returns the state snapshot as a table.
func deskState(L *lua.LState, e *Engine) int {
	data, err := json.Marshal(e.desk.State())
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, m))
	return 1
}

// desk.after(seconds, callback) runs callback on the script's VM later.
func deskAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// desk.log(msg)
func deskLog(L *lua.LState, e *Engine) int {
	e.logger.Info("script log", "msg", L.CheckString(1))
	return 0
}

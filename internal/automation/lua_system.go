//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// clock is the time source for the system module.
var clock = time.Now

var datetimeComponents = map[string]func(time.Time) lua.LValue{
	"hour":      func(t time.Time) lua.LValue { return lua.LNumber(t.Hour()) },
	"minute":    func(t time.Time) lua.LValue { return lua.LNumber(t.Minute()) },
	"second":    func(t time.Time) lua.LValue { return lua.LNumber(t.Second()) },
	"weekday":   func(t time.Time) lua.LValue { return lua.LNumber(t.Weekday()) },
	"day":       func(t time.Time) lua.LValue { return lua.LNumber(t.Day()) },
	"month":     func(t time.Time) lua.LValue { return lua.LNumber(t.Month()) },
	"year":      func(t time.Time) lua.LValue { return lua.LNumber(t.Year()) },
	"timestamp": func(t time.Time) lua.LValue { return lua.LNumber(t.Unix()) },
	"time_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format(time.TimeOnly)) },
	"date_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format(time.DateOnly)) },
}

// registerSystemModule installs the `system` global: clock helpers and a
// leveled logger.
func registerSystemModule(L *lua.LState, e *Engine) {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"datetime":     systemDatetime,
		"time_between": systemTimeBetween,
		"workday":      systemWorkday,
		"log": func(L *lua.LState) int {
			e.logger.Log(context.Background(), scriptLevel(L.CheckString(1)), "script log", "msg", L.CheckString(2))
			return 0
		},
	})
	L.SetGlobal("system", mod)
}

// system.datetime(component)
func systemDatetime(L *lua.LState) int {
	component := L.CheckString(1)
	get, ok := datetimeComponents[component]
	if !ok {
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	L.Push(get(clock()))
	return 1
}

// system.time_between(from, to) reports whether the local time of day is in
// [from, to). Bounds are hours (8) or "HH:MM" strings ("08:30"). A range
// with from > to wraps past midnight.
func systemTimeBetween(L *lua.LState) int {
	from := checkTimeOfDay(L, 1)
	to := checkTimeOfDay(L, 2)
	now := clock()
	cur := now.Hour()*60 + now.Minute()

	var in bool
	if from <= to {
		in = cur >= from && cur < to
	} else {
		in = cur >= from || cur < to
	}
	L.Push(lua.LBool(in))
	return 1
}

// system.workday() is true Monday to Friday.
func systemWorkday(L *lua.LState) int {
	wd := clock().Weekday()
	L.Push(lua.LBool(wd != time.Saturday && wd != time.Sunday))
	return 1
}

// checkTimeOfDay reads argument n as minutes since midnight.
func checkTimeOfDay(L *lua.LState, n int) int {
	switch v := L.CheckAny(n).(type) {
	case lua.LNumber:
		h := int(v)
		if h < 0 || h > 24 {
			L.ArgError(n, "hour out of range")
		}
		return h * 60
	case lua.LString:
		m, err := parseTimeOfDay(string(v))
		if err != nil {
			L.ArgError(n, err.Error())
		}
		return m
	default:
		L.TypeError(n, lua.LTNumber)
		return 0
	}
}

func parseTimeOfDay(s string) (int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return h*60 + m, nil
}

func scriptLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

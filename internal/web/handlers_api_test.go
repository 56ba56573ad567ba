package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"linak-desk/internal/automation"
	"linak-desk/internal/connection"
	"linak-desk/internal/desk"
	"linak-desk/internal/dpg"
	"linak-desk/internal/store"
	"linak-desk/internal/transport"
)

// fakeDesk records calls and returns err from every operation.
type fakeDesk struct {
	events *desk.EventBus

	mu       sync.Mutex
	calls    []string
	err      error
	reminder dpg.ReminderSetting
}

func newFakeDesk() *fakeDesk {
	return &fakeDesk{events: desk.NewEventBus(testLogger())}
}

func (f *fakeDesk) record(format string, args ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	return f.err
}

func (f *fakeDesk) lastCall() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeDesk) Address() string        { return "AA:BB:CC:DD:EE:FF" }
func (f *fakeDesk) Events() *desk.EventBus { return f.events }
func (f *fakeDesk) FavoriteSlots() int     { return 3 }

func (f *fakeDesk) State() desk.State {
	h := 74.2
	return desk.State{Address: f.Address(), Connected: true, Ready: true, HeightCm: &h, Favorites: []desk.FavoriteState{}}
}

// The fake never starts a real move, so successful moves report a nil move.
func (f *fakeDesk) MoveToCm(_ context.Context, cm float64) (*desk.Move, error) {
	return nil, f.record("move_to %.1f", cm)
}

func (f *fakeDesk) MoveToFavorite(_ context.Context, n int) (*desk.Move, error) {
	return nil, f.record("favorite %d", n)
}

func (f *fakeDesk) MoveToTop(context.Context) (*desk.Move, error)    { return nil, f.record("top") }
func (f *fakeDesk) MoveToBottom(context.Context) (*desk.Move, error) { return nil, f.record("bottom") }
func (f *fakeDesk) MoveUp(context.Context) (*desk.Move, error)       { return nil, f.record("up") }
func (f *fakeDesk) MoveDown(context.Context) (*desk.Move, error)     { return nil, f.record("down") }
func (f *fakeDesk) StopMoving(context.Context) error                 { return f.record("stop") }

func (f *fakeDesk) SetFavorite(_ context.Context, n int, cm *float64) error {
	if cm == nil {
		return f.record("setfav %d off", n)
	}
	return f.record("setfav %d %.1f", n, *cm)
}

func (f *fakeDesk) SetDeskOffset(_ context.Context, cm float64) error {
	return f.record("offset %.1f", cm)
}

func (f *fakeDesk) UpdateReminder(_ context.Context, fn func(r *dpg.ReminderSetting)) error {
	if err := f.record("reminder"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.reminder)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupTestServer(t *testing.T, opts ...ServerOption) (*Server, *fakeDesk) {
	t.Helper()
	d := newFakeDesk()
	srv := NewServer(d, testLogger(), opts...)
	t.Cleanup(srv.Stop)
	return srv, d
}

func do(t *testing.T, srv http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestAPIGetDesk(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := do(t, srv, "GET", "/api/desk", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var st desk.State
	decode(t, w, &st)
	if st.Address != "AA:BB:CC:DD:EE:FF" || st.HeightCm == nil || *st.HeightCm != 74.2 {
		t.Errorf("state = %+v", st)
	}
}

func TestAPIHealth(t *testing.T) {
	srv, _ := setupTestServer(t, WithVersion("1.2.3"), WithAPIKey("secret"))

	w := do(t, srv, "GET", "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp map[string]interface{}
	decode(t, w, &resp)
	if resp["version"] != "1.2.3" || resp["ready"] != true {
		t.Errorf("health = %v", resp)
	}
}

func TestAPIMove(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"height_cm": 110}`, "move_to 110.0"},
		{`{"action": "up"}`, "up"},
		{`{"action": "down"}`, "down"},
		{`{"action": "top"}`, "top"},
		{`{"action": "bottom"}`, "bottom"},
	}
	for _, tt := range tests {
		srv, d := setupTestServer(t)
		w := do(t, srv, "POST", "/api/desk/move", tt.body)
		if w.Code != http.StatusOK {
			t.Errorf("%s: status = %d, body = %s", tt.body, w.Code, w.Body.String())
		}
		if got := d.lastCall(); got != tt.want {
			t.Errorf("%s: call = %q, want %q", tt.body, got, tt.want)
		}
	}
}

func TestAPIMoveValidation(t *testing.T) {
	srv, d := setupTestServer(t)
	for _, body := range []string{`{}`, `{"action": "sideways"}`, `{"height_cm": 90, "action": "up"}`, `not json`} {
		if w := do(t, srv, "POST", "/api/desk/move", body); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", body, w.Code, http.StatusBadRequest)
		}
	}
	if got := d.lastCall(); got != "" {
		t.Errorf("desk was called: %q", got)
	}
}

func TestAPIErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{desk.ErrAlreadyAtTarget, http.StatusOK},
		{fmt.Errorf("%w: 900 cm", dpg.ErrOutOfRange), http.StatusBadRequest},
		{desk.ErrInvalidFavorite, http.StatusBadRequest},
		{desk.ErrTimedOut, http.StatusGatewayTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{desk.ErrNotReady, http.StatusServiceUnavailable},
		{connection.ErrNotConnected, http.StatusServiceUnavailable},
		{transport.Errorf("write failed"), http.StatusBadGateway},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		srv, d := setupTestServer(t)
		d.err = tt.err
		w := do(t, srv, "POST", "/api/desk/move", `{"height_cm": 900}`)
		if w.Code != tt.want {
			t.Errorf("%v: status = %d, want %d", tt.err, w.Code, tt.want)
		}
	}
}

func TestAPIStop(t *testing.T) {
	srv, d := setupTestServer(t)
	if w := do(t, srv, "POST", "/api/desk/stop", ""); w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if d.lastCall() != "stop" {
		t.Errorf("call = %q, want stop", d.lastCall())
	}
}

func TestAPIFavorites(t *testing.T) {
	srv, d := setupTestServer(t)

	if w := do(t, srv, "POST", "/api/desk/favorites/2/move", ""); w.Code != http.StatusOK {
		t.Errorf("move status = %d", w.Code)
	}
	if d.lastCall() != "favorite 2" {
		t.Errorf("call = %q", d.lastCall())
	}

	if w := do(t, srv, "PUT", "/api/desk/favorites/1", `{"cm": 105.5}`); w.Code != http.StatusOK {
		t.Errorf("set status = %d, body = %s", w.Code, w.Body.String())
	}
	if d.lastCall() != "setfav 1 105.5" {
		t.Errorf("call = %q", d.lastCall())
	}

	if w := do(t, srv, "PUT", "/api/desk/favorites/3", `{"cm": null}`); w.Code != http.StatusOK {
		t.Errorf("clear status = %d", w.Code)
	}
	if d.lastCall() != "setfav 3 off" {
		t.Errorf("call = %q", d.lastCall())
	}

	if w := do(t, srv, "POST", "/api/desk/favorites/one/move", ""); w.Code != http.StatusBadRequest {
		t.Errorf("non-numeric index status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAPISetOffset(t *testing.T) {
	srv, d := setupTestServer(t)
	if w := do(t, srv, "PUT", "/api/desk/offset", `{"cm": 62}`); w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if d.lastCall() != "offset 62.0" {
		t.Errorf("call = %q", d.lastCall())
	}
	if w := do(t, srv, "PUT", "/api/desk/offset", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing cm status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAPIUpdateSettings(t *testing.T) {
	srv, d := setupTestServer(t)
	d.reminder.Wake = true

	w := do(t, srv, "PATCH", "/api/desk/settings", `{"unit": "inch", "light_guide": true, "reminder": 2, "reminders": [[55,5],[45,15],[30,30]]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	r := d.reminder
	if !r.Inch || !r.LightGuide || r.Active != 2 {
		t.Errorf("reminder = %+v", r)
	}
	if !r.Wake {
		t.Error("absent field wake was changed")
	}
	if r.Reminders[1] != (dpg.Reminder{Sit: 45, Stand: 15}) {
		t.Errorf("reminders[1] = %+v", r.Reminders[1])
	}

	for _, body := range []string{`{"unit": "furlong"}`, `{"reminder": 4}`} {
		if w := do(t, srv, "PATCH", "/api/desk/settings", body); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", body, w.Code, http.StatusBadRequest)
		}
	}
}

func TestAPIListDesks(t *testing.T) {
	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.SaveDesk(&store.Desk{Address: "AA:BB:CC:DD:EE:FF", Name: "Desk 1234"}); err != nil {
		t.Fatal(err)
	}

	srv, _ := setupTestServer(t, WithStore(db))
	w := do(t, srv, "GET", "/api/desks", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var desks []store.Desk
	decode(t, w, &desks)
	if len(desks) != 1 || desks[0].Name != "Desk 1234" {
		t.Errorf("desks = %+v", desks)
	}

	srv, _ = setupTestServer(t)
	w = do(t, srv, "GET", "/api/desks", "")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("without store: body = %s, want []", w.Body.String())
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := setupTestServer(t, WithAPIKey("secret-key"))

	tests := []struct {
		name   string
		path   string
		header [2]string
		want   int
	}{
		{"x-api-key header", "/api/desk", [2]string{"X-API-Key", "secret-key"}, http.StatusOK},
		{"bearer token", "/api/desk", [2]string{"Authorization", "Bearer secret-key"}, http.StatusOK},
		{"query token", "/api/desk?token=secret-key", [2]string{}, http.StatusOK},
		{"missing", "/api/desk", [2]string{}, http.StatusUnauthorized},
		{"wrong key", "/api/desk", [2]string{"X-API-Key", "wrong-key"}, http.StatusUnauthorized},
		{"health is open", "/api/health", [2]string{}, http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", tt.path, nil)
		if tt.header[0] != "" {
			req.Header.Set(tt.header[0], tt.header[1])
		}
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		if w.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, w.Code, tt.want)
		}
	}
}

func TestCORS(t *testing.T) {
	srv, _ := setupTestServer(t, WithAllowedOrigins([]string{"http://desk.local"}))

	req := httptest.NewRequest("OPTIONS", "/api/desk/move", nil)
	req.Header.Set("Origin", "http://desk.local")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://desk.local" {
		t.Errorf("allow-origin = %q", got)
	}

	req = httptest.NewRequest("POST", "/api/desk/stop", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign origin status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestAPIAutomations(t *testing.T) {
	d := newFakeDesk()
	mgr, err := automation.NewManager(filepath.Join(t.TempDir(), "scripts"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	engine := automation.NewEngine(d, mgr, testLogger())
	srv := NewServer(d, testLogger(), WithAutomation(engine, mgr))
	t.Cleanup(srv.Stop)

	w := do(t, srv, "POST", "/api/automations", `{"name": "Stand Up", "lua_code": "desk.log('hi')"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	var created automation.Script
	decode(t, w, &created)
	if created.ID != "stand_up" {
		t.Errorf("id = %q", created.ID)
	}

	if w := do(t, srv, "POST", "/api/automations", `{"lua_code": "x"}`); w.Code != http.StatusBadRequest {
		t.Errorf("nameless create status = %d", w.Code)
	}

	w = do(t, srv, "GET", "/api/automations", "")
	var list []automation.Script
	decode(t, w, &list)
	if len(list) != 1 {
		t.Errorf("list = %+v", list)
	}

	w = do(t, srv, "POST", "/api/automations/stand_up/toggle", "")
	var toggled automation.Script
	decode(t, w, &toggled)
	if !toggled.Meta.Enabled || engine.Running() != 1 {
		t.Errorf("toggle: enabled = %v, running = %d", toggled.Meta.Enabled, engine.Running())
	}

	w = do(t, srv, "POST", "/api/automations/stand_up/run", "")
	var res automation.RunResult
	decode(t, w, &res)
	if !res.OK || len(res.Logs) != 1 || res.Logs[0] != "hi" {
		t.Errorf("run = %+v", res)
	}

	w = do(t, srv, "POST", "/api/automations/_inline/run", `{"lua_code": "desk.top()"}`)
	decode(t, w, &res)
	if !res.OK || d.lastCall() != "top" {
		t.Errorf("inline run = %+v, call = %q", res, d.lastCall())
	}

	if w := do(t, srv, "PUT", "/api/automations/stand_up", `{"name": "Stand", "lua_code": "desk.log('v2')", "enabled": false}`); w.Code != http.StatusOK {
		t.Errorf("update status = %d", w.Code)
	}
	if engine.Running() != 0 {
		t.Errorf("running after disable = %d, want 0", engine.Running())
	}

	if w := do(t, srv, "DELETE", "/api/automations/stand_up", ""); w.Code != http.StatusOK {
		t.Errorf("delete status = %d", w.Code)
	}
	if w := do(t, srv, "GET", "/api/automations/stand_up", ""); w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if w := do(t, srv, "POST", "/api/automations/missing/run", ""); w.Code != http.StatusNotFound {
		t.Errorf("run missing status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIAutomationsDisabled(t *testing.T) {
	srv, _ := setupTestServer(t)
	if w := do(t, srv, "GET", "/api/automations", ""); w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("list status = %d, body = %s", w.Code, w.Body.String())
	}
	if w := do(t, srv, "POST", "/api/automations/x/run", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("run status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if w := do(t, srv, "GET", "/api/automations/x", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("get status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

package web

import (
	"errors"
	"net/http"

	"linak-desk/internal/automation"
)

// inlineScriptID runs the request body's lua_code instead of a stored script.
const inlineScriptID = "_inline"

type saveAutomationRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LuaCode     string `json:"lua_code"`
	Enabled     bool   `json:"enabled"`
}

// scripts returns the script manager, or writes 503 when automations are
// not built in or not configured.
func (s *Server) scripts(w http.ResponseWriter) (*automation.Manager, bool) {
	if s.scriptMgr == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "automations not available"})
		return nil, false
	}
	return s.scriptMgr, true
}

// scriptError writes the response for a manager failure.
func (s *Server) scriptError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, automation.ErrInvalidScriptID):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid script id"})
	case errors.Is(err, automation.ErrScriptNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "script not found"})
	default:
		s.logger.Error("script store", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

// syncEngine brings the running VM for a saved script in line with its
// enabled flag.
func (s *Server) syncEngine(sc *automation.Script) {
	if s.autoEngine == nil {
		return
	}
	if !sc.Meta.Enabled {
		s.autoEngine.StopScript(sc.ID)
		return
	}
	if err := s.autoEngine.ReloadScript(sc.ID); err != nil {
		s.logger.Error("reload script", "id", sc.ID, "err", err)
	}
}

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	list, err := s.scriptMgr.List()
	if err != nil {
		s.scriptError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAPIGetAutomation(w http.ResponseWriter, r *http.Request) {
	mgr, ok := s.scripts(w)
	if !ok {
		return
	}
	sc, err := mgr.Get(r.PathValue("id"))
	if err != nil {
		s.scriptError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleAPICreateAutomation(w http.ResponseWriter, r *http.Request) {
	mgr, ok := s.scripts(w)
	if !ok {
		return
	}
	var req saveAutomationRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}

	saved, err := mgr.Save(&automation.Script{
		Meta: automation.ScriptMeta{
			Name:        req.Name,
			Description: req.Description,
			Enabled:     req.Enabled,
		},
		LuaCode: req.LuaCode,
	})
	if err != nil {
		s.scriptError(w, err)
		return
	}
	s.syncEngine(saved)
	s.writeJSON(w, http.StatusCreated, saved)
}

// handleAPIUpdateAutomation replaces a script's body and metadata. An empty
// name keeps the stored one.
func (s *Server) handleAPIUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	mgr, ok := s.scripts(w)
	if !ok {
		return
	}
	sc, err := mgr.Get(r.PathValue("id"))
	if err != nil {
		s.scriptError(w, err)
		return
	}
	var req saveAutomationRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Name != "" {
		sc.Meta.Name = req.Name
	}
	sc.Meta.Description = req.Description
	sc.Meta.Enabled = req.Enabled
	sc.LuaCode = req.LuaCode

	saved, err := mgr.Save(sc)
	if err != nil {
		s.scriptError(w, err)
		return
	}
	s.syncEngine(saved)
	s.writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleAPIToggleAutomation(w http.ResponseWriter, r *http.Request) {
	mgr, ok := s.scripts(w)
	if !ok {
		return
	}
	sc, err := mgr.Get(r.PathValue("id"))
	if err != nil {
		s.scriptError(w, err)
		return
	}
	sc.Meta.Enabled = !sc.Meta.Enabled
	saved, err := mgr.Save(sc)
	if err != nil {
		s.scriptError(w, err)
		return
	}
	s.syncEngine(saved)
	s.writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleAPIDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	mgr, ok := s.scripts(w)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if s.autoEngine != nil {
		s.autoEngine.StopScript(id)
	}
	if err := mgr.Delete(id); err != nil {
		s.scriptError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAPIRunAutomation runs a stored script once, or the posted lua_code
// when the id is _inline. Handlers the code registers are invoked with an
// event built from the current desk state.
func (s *Server) handleAPIRunAutomation(w http.ResponseWriter, r *http.Request) {
	if s.autoEngine == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "automation engine not available"})
		return
	}

	id := r.PathValue("id")
	if id == inlineScriptID {
		var req struct {
			LuaCode string `json:"lua_code"`
		}
		if !s.decodeBody(w, r, &req) {
			return
		}
		s.writeJSON(w, http.StatusOK, s.autoEngine.RunLuaCode(req.LuaCode))
		return
	}

	if s.scriptMgr != nil {
		if _, err := s.scriptMgr.Get(id); err != nil {
			s.scriptError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunScript(id))
}

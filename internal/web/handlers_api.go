package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"linak-desk/internal/connection"
	"linak-desk/internal/desk"
	"linak-desk/internal/dpg"
	"linak-desk/internal/transport"
)

// errorStatus maps desk and transport errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, desk.ErrInvalidFavorite),
		errors.Is(err, desk.ErrInvalidReminder),
		errors.Is(err, dpg.ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, desk.ErrTimedOut),
		errors.Is(err, desk.ErrSetupFailed),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, desk.ErrNotReady),
		errors.Is(err, connection.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, transport.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op, "err", err)
	} else {
		s.logger.Debug(op, "err", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeMove reports a started move. A nil move means the request was a
// no-op, such as a disabled favorite slot.
func (s *Server) writeMove(w http.ResponseWriter, op string, mv *desk.Move, err error) {
	switch {
	case errors.Is(err, desk.ErrAlreadyAtTarget):
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "already_at_target"})
	case err != nil:
		s.writeError(w, op, err)
	case mv == nil:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	default:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "moving", "move": mv.Name()})
	}
}

func (s *Server) handleAPIHealth(w http.ResponseWriter, r *http.Request) {
	st := s.desk.State()
	resp := map[string]interface{}{
		"status":    "ok",
		"version":   s.version,
		"address":   st.Address,
		"connected": st.Connected,
		"ready":     st.Ready,
	}
	if s.autoEngine != nil {
		resp["scripts"] = s.autoEngine.Running()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAPIListDesks(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	desks, err := s.store.ListDesks()
	if err != nil {
		s.logger.Error("list desks", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, desks)
}

func (s *Server) handleAPIGetDesk(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.desk.State())
}

type moveRequest struct {
	HeightCm *float64 `json:"height_cm"`
	Action   string   `json:"action"`
}

func (s *Server) handleAPIMove(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	ctx := r.Context()
	var (
		mv  *desk.Move
		err error
	)
	switch {
	case req.HeightCm != nil && req.Action != "":
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "give either height_cm or action"})
		return
	case req.HeightCm != nil:
		mv, err = s.desk.MoveToCm(ctx, *req.HeightCm)
	case req.Action == "up":
		mv, err = s.desk.MoveUp(ctx)
	case req.Action == "down":
		mv, err = s.desk.MoveDown(ctx)
	case req.Action == "top":
		mv, err = s.desk.MoveToTop(ctx)
	case req.Action == "bottom":
		mv, err = s.desk.MoveToBottom(ctx)
	default:
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "height_cm or action (up, down, top, bottom) required"})
		return
	}
	s.writeMove(w, "move", mv, err)
}

func (s *Server) handleAPIStop(w http.ResponseWriter, r *http.Request) {
	if err := s.desk.StopMoving(r.Context()); err != nil {
		s.writeError(w, "stop", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// favoriteIndex parses the {n} path value. Range checks are left to the
// desk, which knows its slot count.
func (s *Server) favoriteIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "favorite index must be a number"})
		return 0, false
	}
	return n, true
}

func (s *Server) handleAPIMoveToFavorite(w http.ResponseWriter, r *http.Request) {
	n, ok := s.favoriteIndex(w, r)
	if !ok {
		return
	}
	mv, err := s.desk.MoveToFavorite(r.Context(), n)
	s.writeMove(w, "move to favorite", mv, err)
}

type favoriteRequest struct {
	Cm *float64 `json:"cm"`
}

func (s *Server) handleAPISetFavorite(w http.ResponseWriter, r *http.Request) {
	n, ok := s.favoriteIndex(w, r)
	if !ok {
		return
	}
	var req favoriteRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.desk.SetFavorite(r.Context(), n, req.Cm); err != nil {
		s.writeError(w, "set favorite", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "slot": n, "cm": req.Cm})
}

type offsetRequest struct {
	Cm *float64 `json:"cm"`
}

func (s *Server) handleAPISetOffset(w http.ResponseWriter, r *http.Request) {
	var req offsetRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Cm == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "cm is required"})
		return
	}
	if err := s.desk.SetDeskOffset(r.Context(), *req.Cm); err != nil {
		s.writeError(w, "set offset", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// settingsRequest holds optional reminder-setting changes. Absent fields
// keep their current value.
type settingsRequest struct {
	Unit        *string      `json:"unit"`
	LightGuide  *bool        `json:"light_guide"`
	Wake        *bool        `json:"wake"`
	ImpulseUp   *bool        `json:"impulse_up"`
	ImpulseDown *bool        `json:"impulse_down"`
	Reminder    *int         `json:"reminder"`
	Reminders   *[3][2]uint8 `json:"reminders"`
}

func (req settingsRequest) validate() error {
	if req.Unit != nil && *req.Unit != "cm" && *req.Unit != "inch" {
		return errors.New("unit must be cm or inch")
	}
	if req.Reminder != nil && (*req.Reminder < 0 || *req.Reminder > 3) {
		return desk.ErrInvalidReminder
	}
	return nil
}

func (req settingsRequest) apply(r *dpg.ReminderSetting) {
	if req.Unit != nil {
		r.Inch = *req.Unit == "inch"
	}
	if req.LightGuide != nil {
		r.LightGuide = *req.LightGuide
	}
	if req.Wake != nil {
		r.Wake = *req.Wake
	}
	if req.ImpulseUp != nil {
		r.ImpulseUp = *req.ImpulseUp
	}
	if req.ImpulseDown != nil {
		r.ImpulseDown = *req.ImpulseDown
	}
	if req.Reminder != nil {
		r.Active = uint8(*req.Reminder)
	}
	if req.Reminders != nil {
		for i, p := range req.Reminders {
			r.Reminders[i] = dpg.Reminder{Sit: p[0], Stand: p[1]}
		}
	}
}

func (s *Server) handleAPIUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.desk.UpdateReminder(r.Context(), req.apply); err != nil {
		s.writeError(w, "update settings", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.desk.State().Reminder)
}

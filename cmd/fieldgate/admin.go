package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"fieldgate/internal/control"
	"fieldgate/internal/fault"
	"fieldgate/internal/monitor"
	"fieldgate/internal/poll"
	"fieldgate/internal/state"
)

// admin exposes the gateway's control surface as JSON endpoints. HTTP status
// codes are derived from the fault kind here, at the edge.
type admin struct {
	mon    *monitor.Service
	ctrl   *control.Service
	poller *poll.Service
	cache  *state.Cache
	logger zerolog.Logger
}

func (a *admin) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/stats", a.stats)
	mux.HandleFunc("GET /api/devices", a.devices)
	mux.HandleFunc("GET /api/devices/{id}/health", a.health)
	mux.HandleFunc("GET /api/devices/{id}/readings", a.readings)
	mux.HandleFunc("POST /api/devices/{id}/sync", a.sync)
	mux.HandleFunc("GET /api/devices/{id}/poll", a.pollStatus)
	mux.HandleFunc("POST /api/devices/{id}/poll", a.startPoll)
	mux.HandleFunc("DELETE /api/devices/{id}/poll", a.stopPoll)
	mux.HandleFunc("GET /api/devices/{id}/schedule", a.schedule)
	mux.HandleFunc("GET /api/speed", a.speed)
	mux.HandleFunc("PUT /api/speed", a.setSpeed)
	mux.HandleFunc("POST /api/init", a.forceInit)
	mux.HandleFunc("POST /api/control", a.setParameter)
	mux.HandleFunc("POST /api/control/batch", a.batchControl)
}

func statusFor(err error) int {
	switch fault.KindOf(err) {
	case fault.KindConfiguration:
		return http.StatusBadRequest
	case fault.KindScheduleConflict:
		return http.StatusConflict
	case fault.KindDisabledDevice:
		return http.StatusConflict
	case fault.KindConnection, fault.KindProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (a *admin) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error().Err(err).Msg("encode admin response")
	}
}

func (a *admin) writeError(w http.ResponseWriter, err error) {
	a.writeJSON(w, statusFor(err), map[string]string{
		"kind":    string(fault.KindOf(err)),
		"message": err.Error(),
	})
}

func (a *admin) stats(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.mon.Stats())
}

func (a *admin) devices(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.mon.HealthAll())
}

func (a *admin) health(w http.ResponseWriter, r *http.Request) {
	health, err := a.mon.Health(r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, health)
}

func (a *admin) readings(w http.ResponseWriter, r *http.Request) {
	event, ok := a.cache.Get(r.PathValue("id"))
	if !ok {
		a.writeJSON(w, http.StatusNotFound, map[string]string{
			"kind":    string(fault.KindConfiguration),
			"message": "no readings cached",
		})
		return
	}
	a.writeJSON(w, http.StatusOK, event)
}

func (a *admin) sync(w http.ResponseWriter, r *http.Request) {
	if err := a.mon.TriggerSync(r.PathValue("id")); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

func (a *admin) startPoll(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IntervalMS int `json:"intervalMs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, fault.Wrap(fault.KindConfiguration, err, "decode poll request"))
		return
	}
	interval := time.Duration(body.IntervalMS) * time.Millisecond
	if err := a.poller.Start(r.PathValue("id"), interval); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *admin) pollStatus(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]bool{
		"running": a.poller.Running(r.PathValue("id")),
	})
}

func (a *admin) stopPoll(w http.ResponseWriter, r *http.Request) {
	a.poller.Stop(r.PathValue("id"))
	a.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *admin) schedule(w http.ResponseWriter, r *http.Request) {
	active, err := a.ctrl.ScheduleActive(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{"scheduled": active})
}

func (a *admin) speed(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.mon.Speed())
}

func (a *admin) setSpeed(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Speed      string `json:"speed"`
		IntervalMS int    `json:"interval"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, fault.Wrap(fault.KindConfiguration, err, "decode speed request"))
		return
	}
	if err := a.mon.SetSpeed(body.Speed, body.IntervalMS); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, a.mon.Speed())
}

func (a *admin) forceInit(w http.ResponseWriter, _ *http.Request) {
	if err := a.mon.ForceInit(); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, a.mon.Stats())
}

func (a *admin) setParameter(w http.ResponseWriter, r *http.Request) {
	var req control.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, fault.Wrap(fault.KindConfiguration, err, "decode control request"))
		return
	}
	result := a.ctrl.SetParameter(r.Context(), req)
	status := http.StatusOK
	if !result.OK {
		status = statusFor(fault.New(fault.Kind(result.Error.Kind), "%s", result.Error.Message))
	}
	a.writeJSON(w, status, result)
}

func (a *admin) batchControl(w http.ResponseWriter, r *http.Request) {
	var commands []control.Command
	if err := json.NewDecoder(r.Body).Decode(&commands); err != nil {
		a.writeError(w, fault.Wrap(fault.KindConfiguration, err, "decode batch request"))
		return
	}
	a.writeJSON(w, http.StatusOK, a.ctrl.BatchControl(r.Context(), commands))
}

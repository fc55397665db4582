package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"charge_point/audit"
	"charge_point/supervisor"
)

type Station interface {
	CurrentState() supervisor.Status
	ForceStopConnector(connectorID int, reason string) (bool, error)
}

type Trail interface {
	Records() ([]audit.Record, error)
}

// Server is the local read-mostly HTTP surface of the charge point.
type Server struct {
	Station Station
	Trail   Trail
	Log     *logrus.Entry
}

func NewServer(station Station, trail Trail, log *logrus.Logger) *Server {
	return &Server{Station: station, Trail: trail, Log: log.WithField("component", "api")}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/status", s.GetStatus)
	r.Get("/audit", s.GetAudit)
	r.Post("/connectors/{connectorId}/stop", s.StopConnector)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Station.CurrentState())
}

type auditResp struct {
	Header  string   `json:"header"`
	Records []string `json:"records"`
}

func (s *Server) GetAudit(w http.ResponseWriter, r *http.Request) {
	records, err := s.Trail.Records()
	if err != nil {
		s.Log.Errorf("couldn't read audit trail: %v", err)
		http.Error(w, "audit trail not readable", http.StatusInternalServerError)
		return
	}
	resp := auditResp{Header: audit.Header, Records: make([]string, 0, len(records))}
	for _, rec := range records {
		resp.Records = append(resp.Records, rec.Line())
	}
	writeJSON(w, http.StatusOK, resp)
}

type stopResp struct {
	ConnectorId int  `json:"connectorId"`
	Aborted     bool `json:"aborted"`
}

func (s *Server) StopConnector(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "connectorId"))
	if err != nil {
		http.Error(w, "bad connector id", http.StatusBadRequest)
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "local operator request"
	}
	aborted, err := s.Station.ForceStopConnector(id, reason)
	if errors.Is(err, supervisor.ErrUnknownConnector) {
		http.Error(w, "unknown connector", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stopResp{ConnectorId: id, Aborted: aborted})
}

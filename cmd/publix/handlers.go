package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/AtlasGo/JATOS/internal/idcookie"
	"github.com/AtlasGo/JATOS/internal/model"
	"github.com/AtlasGo/JATOS/internal/publix"
)

// maxBodyBytes caps result data, session data and log bodies.
const maxBodyBytes = 5 << 20

// ids are the run coordinates every publix URL carries.
type ids struct {
	study     int64
	component int64 // zero on study level routes
	srid      int64
}

func runIDs(r *http.Request) (ids, error) {
	var out ids
	var err error
	if out.study, err = parseID(chi.URLParam(r, "studyId"), "studyId"); err != nil {
		return ids{}, err
	}
	if c := chi.URLParam(r, "componentId"); c != "" {
		if out.component, err = parseID(c, "componentId"); err != nil {
			return ids{}, err
		}
	}
	if out.srid, err = parseID(r.URL.Query().Get("srid"), "srid"); err != nil {
		return ids{}, err
	}
	return out, nil
}

func parseID(s, name string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: invalid %s %q", publix.ErrBadRequest, name, s)
	}
	return n, nil
}

// optionalID parses an id query parameter that may be absent.
func optionalID(r *http.Request, name string) (int64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	return parseID(s, name)
}

// successful reads the "successful" query parameter, true when absent.
func successful(r *http.Request) (bool, error) {
	s := r.URL.Query().Get("successful")
	if s == "" {
		return true, nil
	}
	ok, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("%w: invalid successful %q", publix.ErrBadRequest, s)
	}
	return ok, nil
}

func readBody(w http.ResponseWriter, r *http.Request) (string, error) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %v", publix.ErrBadRequest, err)
	}
	return string(b), nil
}

// collection returns the ID cookies parsed by the cookie middleware.
func collection(r *http.Request) *idcookie.Collection {
	coll, ok := idcookie.FromContext(r.Context())
	if !ok {
		return idcookie.NewCollection()
	}
	return coll
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := publix.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "error", err)
	} else {
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	http.Error(w, err.Error(), status)
}

func (s *server) handleStartStudy(w http.ResponseWriter, r *http.Request) {
	studyID, err := parseID(chi.URLParam(r, "studyId"), "studyId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req := publix.StartRequest{
		StudyID:    studyID,
		WorkerType: model.WorkerType(r.URL.Query().Get("workerType")),
		RunKind:    idcookie.RunKind(r.URL.Query().Get("runKind")),
		URLQuery:   r.URL.RawQuery,
	}
	for name, dst := range map[string]*int64{"batchId": &req.BatchID, "workerId": &req.WorkerID, "componentId": &req.ComponentID} {
		if *dst, err = optionalID(r, name); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	st, err := s.svc.StartStudy(r.Context(), collection(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, st)
}

func (s *server) handleStartComponent(w http.ResponseWriter, r *http.Request) {
	id, err := runIDs(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cr, err := s.svc.StartComponent(r.Context(), collection(r), id.study, id.component, id.srid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, cr)
}

func (s *server) handleStartByPosition(w http.ResponseWriter, r *http.Request) {
	id, err := runIDs(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pos, err := strconv.Atoi(chi.URLParam(r, "position"))
	if err != nil || pos < 1 {
		s.writeError(w, r, fmt.Errorf("%w: invalid position %q", publix.ErrBadRequest, chi.URLParam(r, "position")))
		return
	}
	cr, err := s.svc.StartComponentByPosition(r.Context(), collection(r), id.study, pos, id.srid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, cr)
}

func (s *server) handleStartNext(w http.ResponseWriter, r *http.Request) {
	id, err := runIDs(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cr, err := s.svc.StartNextComponent(r.Context(), collection(r), id.study, id.srid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, cr)
}

func (s *server) handleInitData(w http.ResponseWriter, r *http.Request) {
	id, err := runIDs(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data, ended, err := s.svc.InitData(r.Context(), collection(r), id.study, id.component, id.srid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ended != nil {
		writeJSON(w, struct {
			Ended *publix.Ended `json:"ended"`
		}{ended})
		return
	}
	writeJSON(w, data)
}

func (s *server) handleStudySessionData(w http.ResponseWriter, r *http.Request) {
	id, err := runIDs(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.SetStudySessionData(r.Context(), collection(r), id.study, id.srid, body); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, err := runIDs(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.Heartbeat(r.Context(), collection(r), id.study, id.srid); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleResultData replaces (PUT) or appends to (POST) the result data of
// the running component.
func (s *server) handleResultData(appendData bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := runIDs(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		body, err := readBody(w, r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := s.svc.SubmitResultData(r.Context(), collection(r), id.study, id.component, id.srid, body, appendData); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (s *server) handleFinishComponent(w http.ResponseWriter, r *http.Request) {
	id, err := runIDs(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ok, err := successful(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	err = s.svc.FinishComponent(r.Context(), collection(r), id.study, id.component, id.srid, ok, r.URL.Query().Get("errorMsg"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *server) handleAbortStudy(w http.ResponseWriter, r *http.Request) {
	id, err := runIDs(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.AbortStudy(r.Context(), collection(r), id.study, id.srid, r.URL.Query().Get("message")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *server) handleFinishStudy(w http.ResponseWriter, r *http.Request) {
	id, err := runIDs(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ok, err := successful(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.FinishStudy(r.Context(), collection(r), id.study, id.srid, ok, r.URL.Query().Get("errorMsg")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *server) handleLog(w http.ResponseWriter, r *http.Request) {
	id, err := runIDs(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.Log(r.Context(), collection(r), id.study, id.component, id.srid, body); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *server) handleJoinGroup(w http.ResponseWriter, r *http.Request) {
	id, err := runIDs(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	g, err := s.svc.JoinGroup(r.Context(), collection(r), id.study, id.srid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, g)
}

func (s *server) handleLeaveGroup(w http.ResponseWriter, r *http.Request) {
	id, err := runIDs(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.LeaveGroup(r.Context(), collection(r), id.study, id.srid); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

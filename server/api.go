package server

import (
	"net"
	"net/http"
	"time"

	"github.com/Luis-Dokkaebi/eficiencia/server/eventdb"
	"github.com/Luis-Dokkaebi/eficiencia/server/monitor"
	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

// Default query result size, when the caller doesn't specify a limit
const defaultQueryLimit = 1000

func (s *Server) setupHttpRoutes() error {
	router := httprouter.New()

	// Every endpoint gets its own limiter, keyed by client IP
	ratelimited := func(method, route string, handle httprouter.Handle, requestLimit int, windowLength time.Duration) {
		limited := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handle(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	ratelimited("GET", "/api/ping", s.httpPing, 60, time.Minute)
	ratelimited("GET", "/api/status", s.httpStatus, 60, time.Minute)
	ratelimited("GET", "/api/events", s.httpEvents, 30, time.Minute)
	ratelimited("GET", "/api/snapshots", s.httpSnapshots, 30, time.Minute)
	ratelimited("GET", "/api/visits", s.httpVisits, 30, time.Minute)
	ratelimited("POST", "/api/system/shutdown", s.httpShutdown, 1, time.Second)

	s.httpRouter = router
	return nil
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type pingJSON struct {
		Time int64 `json:"time"`
	}
	www.SendJSON(w, &pingJSON{Time: time.Now().Unix()})
}

type WriterStatus struct {
	Alive bool `json:"alive"`
	eventdb.WriterStats
}

type WorkerStatus struct {
	monitor.WorkerStatus
	Restarts int `json:"restarts"`
}

type Status struct {
	Writer  WriterStatus   `json:"writer"`
	Workers []WorkerStatus `json:"workers"`
}

// Status is a point-in-time view of the writer, the workers, and their cameras
func (s *Server) Status() Status {
	st := Status{
		Writer: WriterStatus{
			Alive:       s.writer.Alive(),
			WriterStats: s.writer.Stats(),
		},
	}
	s.groupsLock.Lock()
	defer s.groupsLock.Unlock()
	for _, g := range s.groups {
		ws := WorkerStatus{Restarts: g.restarts}
		if g.worker != nil {
			ws.WorkerStatus = g.worker.Status()
		} else {
			ws.GroupIndex = g.index
		}
		st.Workers = append(st.Workers, ws)
	}
	return st
}

func (s *Server) httpStatus(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, s.Status())
}

// Parse ?camera=&track=&zone=&since=&until=&limit=
// since and until are unix milliseconds.
func parseQuery(r *http.Request) eventdb.Query {
	q := eventdb.Query{
		CameraID: www.QueryValue(r, "camera"),
		TrackID:  www.QueryInt64(r, "track"),
		Zone:     www.QueryValue(r, "zone"),
		Limit:    www.QueryInt(r, "limit"),
	}
	if since := www.QueryInt64(r, "since"); since > 0 {
		q.Since = time.UnixMilli(since)
	}
	if until := www.QueryInt64(r, "until"); until > 0 {
		q.Until = time.UnixMilli(until)
	}
	if !q.Since.IsZero() && !q.Until.IsZero() && !q.Until.After(q.Since) {
		www.PanicBadRequestf("until must be after since")
	}
	if q.Limit <= 0 {
		q.Limit = defaultQueryLimit
	}
	return q
}

func (s *Server) httpEvents(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	events, err := s.db.Events(parseQuery(r))
	www.Check(err)
	www.SendJSON(w, events)
}

func (s *Server) httpSnapshots(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	snapshots, err := s.db.Snapshots(parseQuery(r))
	www.Check(err)
	www.SendJSON(w, snapshots)
}

func (s *Server) httpVisits(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	visits, err := s.db.Visits(parseQuery(r))
	www.Check(err)
	www.SendJSON(w, visits)
}

// Only a client on this machine may shut us down
func (s *Server) httpShutdown(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		www.PanicForbidden()
	}
	s.Log.Infof("Shutdown requested by %v", r.RemoteAddr)
	www.SendOK(w)
	go s.Shutdown()
}

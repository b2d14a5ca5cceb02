package station

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ryandielhenn/cwlink/internal/telemetry"
	"github.com/ryandielhenn/cwlink/pkg/qso"
)

// Routes wires the control surface. Every handler hops onto the dispatch
// context through Do.
func (s *Station) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.Healthz)
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(s.InfoHandler)))
	mux.Handle("/key/", telemetry.Instrument("key", http.HandlerFunc(s.KeyHandler)))
	mux.Handle("/send", telemetry.Instrument("send", http.HandlerFunc(s.SendHandler)))
	mux.Handle("/transcript", telemetry.Instrument("transcript", http.HandlerFunc(s.TranscriptHandler)))
	mux.Handle("/qso", telemetry.Instrument("qso", http.HandlerFunc(s.QSOHandler)))
	mux.Handle("/tune/", telemetry.Instrument("tune", http.HandlerFunc(s.TuneHandler)))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// do runs fn on the dispatch context, bounded by the request.
func (s *Station) do(w http.ResponseWriter, req *http.Request, fn func()) bool {
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()
	if err := s.disp.Do(ctx, fn); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return false
	}
	return true
}

// Healthz returns 200 OK to indicate the station is alive.
func (s *Station) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// InfoHandler writes the process ID, uptime and the station snapshot.
func (s *Station) InfoHandler(w http.ResponseWriter, req *http.Request) {
	type resp struct {
		PID    int       `json:"pid"`
		Now    time.Time `json:"now"`
		Uptime string    `json:"uptime"`
		Info
	}
	var info Info
	if !s.do(w, req, func() { info = s.Info() }) {
		return
	}
	writeJSON(w, http.StatusOK, resp{PID: os.Getpid(), Now: time.Now(), Uptime: time.Since(s.started).Round(time.Second).String(), Info: info})
}

// KeyHandler accepts POST /key/{dit|dah|straight}/{down|up} from hardware
// key bridges. A refused press answers 409.
func (s *Station) KeyHandler(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	paddle, action, ok := strings.Cut(strings.Trim(req.URL.Path[len("/key/"):], "/"), "/")
	if !ok || (action != "down" && action != "up") {
		http.Error(w, "want /key/{dit|dah|straight}/{down|up}", http.StatusNotFound)
		return
	}
	var (
		accepted bool
		err      error
	)
	if !s.do(w, req, func() { accepted, err = s.Key(paddle, action == "down") }) {
		return
	}
	switch {
	case err != nil:
		http.Error(w, err.Error(), http.StatusNotFound)
	case !accepted:
		http.Error(w, "refused", http.StatusConflict)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// SendHandler keys the request body as text.
func (s *Station) SendHandler(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, 4096))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var (
		took    time.Duration
		sendErr error
	)
	if !s.do(w, req, func() { took, sendErr = s.SendText(string(body)) }) {
		return
	}
	switch {
	case errors.Is(sendErr, ErrNothing):
		http.Error(w, sendErr.Error(), http.StatusBadRequest)
	case sendErr != nil:
		http.Error(w, sendErr.Error(), http.StatusConflict)
	default:
		writeJSON(w, http.StatusAccepted, map[string]int64{"duration_ms": took.Milliseconds()})
	}
}

func (s *Station) TranscriptHandler(w http.ResponseWriter, req *http.Request) {
	var t Transcripts
	if !s.do(w, req, func() { t = s.Transcripts() }) {
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// QSOHandler lists logged exchanges. Query parameters: q, direction, since,
// until (RFC 3339), page, page_size, order=asc.
func (s *Station) QSOHandler(w http.ResponseWriter, req *http.Request) {
	if s.store == nil {
		http.Error(w, "qso log disabled", http.StatusNotFound)
		return
	}
	v := req.URL.Query()
	q := qso.Query{
		Keyword:   v.Get("q"),
		Direction: qso.ParseDirection(v.Get("direction")),
		Ascending: v.Get("order") == "asc",
	}
	for name, dst := range map[string]*int{"page": &q.Page, "page_size": &q.PageSize} {
		if raw := v.Get(name); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				http.Error(w, "invalid "+name, http.StatusBadRequest)
				return
			}
			*dst = n
		}
	}
	for name, dst := range map[string]*time.Time{"since": &q.Since, "until": &q.Until} {
		if raw := v.Get(name); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				http.Error(w, "invalid "+name, http.StatusBadRequest)
				return
			}
			*dst = t
		}
	}
	recs, total, err := s.store.List(req.Context(), q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []qso.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "records": recs})
}

// TuneHandler retunes on POST /tune/{channel}.
func (s *Station) TuneHandler(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost && req.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ch, err := strconv.Atoi(strings.Trim(req.URL.Path[len("/tune/"):], "/"))
	if err != nil {
		http.Error(w, "invalid channel", http.StatusBadRequest)
		return
	}
	var tuneErr error
	if !s.do(w, req, func() { tuneErr = s.Tune(ch) }) {
		return
	}
	if tuneErr != nil {
		http.Error(w, tuneErr.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaunagostinho/tmsdash/internal/acquisition"
	"github.com/shaunagostinho/tmsdash/internal/export"
	"github.com/shaunagostinho/tmsdash/internal/protocol"
	"github.com/shaunagostinho/tmsdash/internal/serialport"
	"github.com/shaunagostinho/tmsdash/internal/stream"
)

// Server exposes the session over HTTP and WebSocket.
type Server struct {
	cfg      *Config
	session  *stream.Session
	hub      *Hub
	webFS    fs.FS
	gatherer prometheus.Gatherer

	// ListPorts enumerates devices; replaced in tests.
	ListPorts func() ([]string, error)
	// Now stamps export files; replaced in tests.
	Now func() time.Time
}

// New creates a new Server. hub must be one of the session's notifiers.
func New(cfg *Config, session *stream.Session, hub *Hub, webFS fs.FS, gatherer prometheus.Gatherer) *Server {
	return &Server{
		cfg:       cfg,
		session:   session,
		hub:       hub,
		webFS:     webFS,
		gatherer:  gatherer,
		ListPorts: serialport.ListPorts,
		Now:       time.Now,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded web files
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/ports", s.handlePorts)
	mux.HandleFunc("/api/connect", s.handleConnect)
	mux.HandleFunc("/api/disconnect", s.post(s.act(s.session.Disconnect)))
	mux.HandleFunc("/api/start", s.post(s.act(s.session.Start)))
	mux.HandleFunc("/api/stop", s.post(s.act(s.session.Stop)))
	mux.HandleFunc("/api/reset", s.post(s.act(s.session.Reset)))
	mux.HandleFunc("/api/params", s.handleParams)
	mux.HandleFunc("/api/data", s.handleData)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/export", s.handleExport)

	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Run serves HTTP until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	status := s.session.Status()
	hello := Frame{
		Status: &status,
		Window: s.session.Buffer().Window(0),
		Stamp:  time.Now().UnixMilli(),
	}
	s.hub.serveWS(w, r, hello)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

// portsResponse lists devices both raw and as the operator's choice list,
// where com_index 2 is the first real device.
type portsResponse struct {
	Ports   []string `json:"ports"`
	Choices []string `json:"choices"`
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	ports, err := s.ListPorts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err, nil)
		return
	}
	choices := append([]string{"---", "refresh"}, ports...)
	writeJSON(w, http.StatusOK, portsResponse{Ports: ports, Choices: choices})
}

type applyResponse struct {
	Result protocol.ApplyResult `json:"result"`
	Status stream.Status        `json:"status"`
	Error  string               `json:"error,omitempty"`
}

// handleConnect opens the port named in the body, or the configured one
// when the body is empty or names no port.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}

	var params serialport.Params
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &params); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
	}
	if params.Port == "" {
		ports, err := s.ListPorts()
		if err != nil {
			log.Printf("[server] list ports: %v", err)
		}
		if params, err = s.cfg.SerialParams(ports); err != nil {
			writeError(w, http.StatusBadRequest, err, nil)
			return
		}
	}

	res, err := s.session.Connect(r.Context(), params)
	s.writeApply(w, res, err)
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.session.Status())

	case http.MethodPost:
		var proposal protocol.Params
		if err := json.NewDecoder(r.Body).Decode(&proposal); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := proposal.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err, nil)
			return
		}
		s.cfg.SetStreamingParams(proposal)

		res, err := s.session.ApplyParams(r.Context(), proposal)
		if errors.Is(err, stream.ErrNotConnected) {
			writeJSON(w, http.StatusAccepted, applyResponse{
				Result: res,
				Status: s.session.Status(),
				Error:  "Not applied: changes will take place when connect serial communication",
			})
			return
		}
		s.writeApply(w, res, err)

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) writeApply(w http.ResponseWriter, res protocol.ApplyResult, err error) {
	resp := applyResponse{Result: res, Status: s.session.Status()}
	if res.Rejected == nil {
		resp.Result.Rejected = []string{}
	}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type dataResponse struct {
	Samples []acquisition.Sample `json:"samples"`
	Min     float64              `json:"min"`
	Max     float64              `json:"max"`
	Rows    int                  `json:"rows"`
}

// handleData serves the render window; ?window=n overrides its size and
// ?window=all returns the whole series.
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}

	buf := s.session.Buffer()
	resp := dataResponse{Rows: buf.Len()}
	switch v := r.URL.Query().Get("window"); v {
	case "":
		resp.Samples = buf.Window(0)
	case "all":
		resp.Samples = buf.Snapshot()
	default:
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "window must be a positive integer or \"all\"", 400)
			return
		}
		resp.Samples = buf.Window(n)
	}
	resp.Min, resp.Max, _ = buf.Bounds()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type statusResponse struct {
		stream.Status
		Clients int `json:"clients"`
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: s.session.Status(), Clients: s.hub.Clients()})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	cfg, op := s.cfg.ExportSettings()
	res, err := export.WriteCSV(cfg, op, s.session.Buffer().Snapshot(), s.Now())
	if err != nil {
		log.Printf("[server] export failed: %v", err)
		writeError(w, http.StatusInternalServerError, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// act runs a session action and reports the state it left behind.
func (s *Server) act(fn func() error) func(*http.Request) (any, error) {
	return func(*http.Request) (any, error) {
		err := fn()
		return s.session.Status(), err
	}
}

// post adapts a state-changing action to a POST-only JSON handler.
func (s *Server) post(fn func(*http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", 405)
			return
		}
		v, err := fn(r)
		if err != nil {
			writeError(w, statusFor(err), err, v)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

// statusFor maps session errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, stream.ErrNotConnected),
		errors.Is(err, stream.ErrBusy),
		errors.Is(err, stream.ErrNotStreaming):
		return http.StatusConflict
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error, detail any) {
	writeJSON(w, code, struct {
		Error  string `json:"error"`
		Detail any    `json:"detail,omitempty"`
	}{Error: err.Error(), Detail: detail})
}

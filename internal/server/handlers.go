package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/hlog"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/Mirai3103/playground-runner/internal/admission"
	"github.com/Mirai3103/playground-runner/internal/models"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	limits := s.deps.Runner.Limits()
	r.Body = http.MaxBytesReader(w, r.Body, int64(limits.MaxSourceBytes)*2+64*1024)

	var req models.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}

	res, err := s.deps.Runner.Execute(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

type runtimeInfo struct {
	Language string   `json:"language"`
	Version  string   `json:"version"`
	Aliases  []string `json:"aliases"`
}

type runtimesResponse struct {
	Available   bool        `json:"available"`
	C           runtimeInfo `json:"c"`
	AllRuntimes int         `json:"allRuntimes"`
}

func (s *Server) compilerVersion(ctx context.Context) (string, error) {
	s.versionOnce.Do(func() {
		s.version, s.versionErr = s.deps.Compiler.CompilerVersion(ctx)
	})
	return s.version, s.versionErr
}

func (s *Server) handleRuntimes(w http.ResponseWriter, r *http.Request) {
	version, err := s.compilerVersion(r.Context())
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("compiler version unavailable")
		version = "unknown"
	}
	writeJSON(w, http.StatusOK, runtimesResponse{
		Available:   err == nil,
		C:           runtimeInfo{Language: "c", Version: version, Aliases: []string{"gcc"}},
		AllRuntimes: 1,
	})
}

type hostStats struct {
	MemoryUsedPercent float64 `json:"memoryUsedPercent"`
	Load1             float64 `json:"load1"`
}

type healthResponse struct {
	Status      string           `json:"status"`
	Mode        string           `json:"mode"`
	Timestamp   string           `json:"timestamp"`
	Admission   admission.Stats  `json:"admission"`
	Interactive *admission.Stats `json:"interactive,omitempty"`
	Sessions    int64            `json:"sessions"`
	Host        *hostStats       `json:"host,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "online",
		Mode:      s.conf.Runner.SandboxType,
		Timestamp: models.Timestamp(time.Now()),
		Admission: s.deps.Runner.Queue().Stats(),
		Sessions:  s.deps.Sessions.Active(),
	}
	if q := s.deps.Sessions.Queue(); q != s.deps.Runner.Queue() {
		st := q.Stats()
		resp.Interactive = &st
	}

	host := &hostStats{}
	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		host.MemoryUsedPercent = vm.UsedPercent
		resp.Host = host
	}
	if avg, err := load.AvgWithContext(r.Context()); err == nil {
		host.Load1 = avg.Load1
		resp.Host = host
	}
	writeJSON(w, http.StatusOK, resp)
}

// wsConn bounds every message write, so a client that stops reading fails
// the write instead of stalling the session.
type wsConn struct {
	*websocket.Conn
	writeWait time.Duration
}

func (c wsConn) WriteJSON(v any) error {
	_ = c.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.Conn.WriteJSON(v)
}

func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		hlog.FromRequest(r).Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ic := s.conf.Interactive
	// Drop the HTTP server's deadlines; the websocket sets its own.
	_ = conn.NetConn().SetDeadline(time.Time{})
	conn.SetReadLimit(ic.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(ic.PongTimeout()))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(ic.PongTimeout()))
	})

	stop := make(chan struct{})
	defer close(stop)
	go keepAlive(conn, ic.PongTimeout()*9/10, ic.WriteTimeout(), stop)

	s.deps.Sessions.Serve(r.Context(), wsConn{Conn: conn, writeWait: ic.WriteTimeout()})

	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
}

// keepAlive pings the client every period until stop is closed or a ping
// cannot be written.
func keepAlive(conn *websocket.Conn, period, writeWait time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

package server

import (
	"io"
	"net/http"
	"strconv"

	"pool-watcher/internal/metrics"

	json "github.com/goccy/go-json"
	zlog "github.com/rs/zerolog/log"
)

// Suppressor 는 maintenance 억제 플래그를 가진 쪽 (policy.Engine).
type Suppressor interface {
	SetSuppressed(on bool)
	Suppressed() bool
}

type Handler struct {
	metrics *metrics.Metrics
	engine  Suppressor
	sink    string
	ready   func() bool
}

// NewHandler 의 ready 는 tailer 가 로그 파일을 연 뒤 true 를 돌려줘야 한다.
// nil 이면 항상 ready.
func NewHandler(m *metrics.Metrics, engine Suppressor, sinkName string, ready func() bool) *Handler {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Handler{
		metrics: m,
		engine:  engine,
		sink:    sinkName,
		ready:   ready,
	}
}

// Routes 는 운영 엔드포인트를 등록한 mux 를 돌려준다.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", h.HandleMetrics)
	mux.HandleFunc("/health", h.HandleHealth)
	mux.HandleFunc("/maintenance", h.HandleMaintenance)
	return mux
}

// HandleMetrics
//
// 카운터 값을 "name=value" 줄 단위로 출력한다.
func (h *Handler) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, h.metrics.String())
}

type healthResponse struct {
	Status      string `json:"status"`
	Sink        string `json:"sink"`
	Maintenance bool   `json:"maintenance"`
}

// HandleHealth
//
// tailer 가 아직 로그 파일을 열지 못했으면 503 "starting".
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Sink:        h.sink,
		Maintenance: h.engine.Suppressed(),
	}
	code := http.StatusOK
	if !h.ready() {
		resp.Status = "starting"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

type maintenanceResponse struct {
	Maintenance bool `json:"maintenance"`
}

// HandleMaintenance
//
//   - GET: 현재 억제 상태
//   - POST ?enabled=true|false: 억제 토글 (내부 주소에서만)
//
// 억제는 알림 발송만 막는다. Window 와 쿨다운 시각은 그대로 유지된다.
func (h *Handler) HandleMaintenance(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, maintenanceResponse{Maintenance: h.engine.Suppressed()})

	case http.MethodPost:
		if ip := peerIP(r); !isInternalIP(ip) {
			zlog.Warn().Str("remote", r.RemoteAddr).Msg("maintenance toggle rejected: non-internal caller")
			w.WriteHeader(http.StatusForbidden)
			return
		}

		on, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
		if err != nil {
			http.Error(w, "enabled must be true or false", http.StatusBadRequest)
			return
		}

		h.engine.SetSuppressed(on)
		writeJSON(w, http.StatusOK, maintenanceResponse{Maintenance: on})

	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zlog.Debug().Err(err).Msg("response write failed")
	}
}

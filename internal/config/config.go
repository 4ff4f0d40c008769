// internal/config/config.go
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrInvalid 는 모든 설정 검증 오류가 감싸는 sentinel.
var ErrInvalid = errors.New("invalid config")

// Config
//
// watcher 실행 시 필요한 모든 환경 변수 값을 보관하는 구조체.
// 모든 값은 프로세스 시작 시점에 Load() 에 의해 초기화되며,
// 이후에는 변경되지 않는 불변(read-only) 설정들이다.
//
// 예외: MaintenanceMode 는 "초기값" 일 뿐이고,
// 런타임 토글은 policy.Engine.SetSuppressed 로 한다.
type Config struct {

	// ---------------------------
	// 서비스 식별 / 로깅
	// ---------------------------

	ServiceName string // 로그 service 필드 (예: pool-watcher)
	InstanceID  string // 호스트명 기반, 실패 시 랜덤 hex
	LogLevel    string // debug / info / warn / error
	LogPretty   bool   // true 면 ConsoleWriter
	LogSampleN  int    // Debug/Info 를 N 개 중 1 개만 기록 (1 = 샘플링 없음)

	// ---------------------------
	// 입력 (Log Tailer)
	// ---------------------------

	LogPath          string        // nginx JSON access log 경로
	TailPollInterval time.Duration // fsnotify 누락 대비 polling 주기 (최대 1s)
	TailStartupGrace time.Duration // 이 시간 안에 한 번도 열지 못하면 fatal

	// ---------------------------
	// 판정 정책 (Policy Engine)
	// ---------------------------

	WindowSize           int           // sliding window 크기 (N개 최근 요청)
	ErrorRateThreshold   float64       // 에러율 임계치 (%), 0~100
	ErrorRateMinRequests int           // error_rate 판정에 필요한 최소 window 크기
	FailoverCooldown     time.Duration // failover 알림 간 최소 간격
	ErrorRateCooldown    time.Duration // error_rate 알림 간 최소 간격
	MaintenanceMode      bool          // 시작 시 알림 억제 여부
	PrimaryPool          string        // 로그상의 primary pool 이름
	BackupPool           string        // 로그상의 backup pool 이름
	TopUpstreams         int           // 메시지에 보여줄 상위 upstream 수

	// ---------------------------
	// 알림 전달 (Notification Sink)
	// ---------------------------
	// WebhookURL 이 비어 있으면 outbox 파일 채널을 사용한다.
	// 채널은 프로세스 생애 동안 하나로 고정된다.

	WebhookURL      string
	WebhookTimeout  time.Duration // 시도당 timeout
	WebhookAttempts int           // 최대 시도 횟수 (무한 재시도 금지)
	OutboxPath      string
	OutboxFsync     bool // append 마다 fsync
	AlertQueueSize  int  // dispatcher 큐 크기 (가득 차면 drop)
	ShutdownTimeout time.Duration

	// ---------------------------
	// 운영 HTTP (/metrics, /health, /maintenance)
	// ---------------------------

	HTTPAddr string // 비어 있으면 비활성

	// ---------------------------
	// 알림 아카이브 (S3 + 로컬 DLQ)
	// ---------------------------
	// ArchiveBucket 이 비어 있으면 아카이브 전체가 비활성.

	AWSRegion            string
	ArchiveBucket        string
	ArchivePrefix        string
	ArchiveDLQPrefix     string
	ArchiveBatchSize     int
	ArchiveFlushInterval time.Duration
	ArchiveQueueSize     int
	S3Timeout            time.Duration
	S3AppRetries         int
	DLQDir               string
	DLQMaxAge            time.Duration
	DLQMaxSizeBytes      int64
}

// ArchiveEnabled 는 S3 아카이브 사용 여부.
func (c Config) ArchiveEnabled() bool { return c.ArchiveBucket != "" }

// Load
//
// .env 파일(있으면) → 환경 변수 순으로 읽어 Config 를 만든다.
// 형식 오류나 범위 오류가 하나라도 있으면 즉시 프로세스를 종료(fail-fast).
// 정의되지 않은 정책으로 돌아가는 것보다 시작 실패가 낫다.
func Load() Config {
	envFile := os.Getenv("WATCHER_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		// godotenv.Load 는 이미 설정된 환경 변수를 덮어쓰지 않는다.
		if err := godotenv.Load(envFile); err != nil {
			log.Fatalf("failed to load env file %s: %v", envFile, err)
		}
	}

	cfg, err := Parse(os.Getenv)
	if err != nil {
		log.Fatalf("%v", err)
	}
	return cfg
}

// Parse 는 getenv 로부터 Config 를 만들고 검증한다.
// 발견된 오류는 모두 모아서 한 번에 반환한다.
func Parse(getenv func(string) string) (Config, error) {
	r := &reader{getenv: getenv}

	cooldown := r.seconds("ALERT_COOLDOWN_SEC", 300*time.Second)

	cfg := Config{
		ServiceName: r.str("SERVICE_NAME", "pool-watcher"),
		InstanceID:  r.str("INSTANCE_ID", fallbackInstanceID()),
		LogLevel:    r.str("LOG_LEVEL", "info"),
		LogPretty:   r.boolean("LOG_PRETTY", false),
		LogSampleN:  r.integer("LOG_SAMPLE_N", 1),

		LogPath:          r.str("LOG_PATH", "/var/log/nginx/access.log"),
		TailPollInterval: r.dur("TAIL_POLL_INTERVAL", 500*time.Millisecond),
		TailStartupGrace: r.dur("TAIL_STARTUP_GRACE", 30*time.Second),

		WindowSize:           r.integer("WINDOW_SIZE", 200),
		ErrorRateThreshold:   r.float("ERROR_RATE_THRESHOLD", 2),
		ErrorRateMinRequests: r.integer("ERROR_RATE_MIN_REQUESTS", 1),
		FailoverCooldown:     r.seconds("FAILOVER_COOLDOWN_SEC", cooldown),
		ErrorRateCooldown:    r.seconds("ERROR_RATE_COOLDOWN_SEC", cooldown),
		MaintenanceMode:      r.boolean("MAINTENANCE_MODE", false),
		PrimaryPool:          r.str("PRIMARY_POOL", "blue"),
		BackupPool:           r.str("BACKUP_POOL", "green"),
		TopUpstreams:         r.integer("TOP_UPSTREAMS", 3),

		WebhookURL:      r.str("SLACK_WEBHOOK_URL", ""),
		WebhookTimeout:  r.dur("WEBHOOK_TIMEOUT", 5*time.Second),
		WebhookAttempts: r.integer("WEBHOOK_ATTEMPTS", 2),
		OutboxPath:      r.str("OUTBOX_PATH", "/watcher/outbox.log"),
		OutboxFsync:     r.boolean("OUTBOX_FSYNC", true),
		AlertQueueSize:  r.integer("ALERT_QUEUE_SIZE", 64),
		ShutdownTimeout: r.dur("SHUTDOWN_TIMEOUT", 10*time.Second),

		HTTPAddr: r.str("HTTP_ADDR", ""),

		AWSRegion:            r.str("AWS_REGION", ""),
		ArchiveBucket:        r.str("ARCHIVE_BUCKET", ""),
		ArchivePrefix:        r.str("ARCHIVE_PREFIX", "alerts"),
		ArchiveDLQPrefix:     r.str("ARCHIVE_DLQ_PREFIX", "alerts_dlq"),
		ArchiveBatchSize:     r.integer("ARCHIVE_BATCH_SIZE", 50),
		ArchiveFlushInterval: r.dur("ARCHIVE_FLUSH_INTERVAL", time.Minute),
		ArchiveQueueSize:     r.integer("ARCHIVE_QUEUE_SIZE", 256),
		S3Timeout:            r.dur("ARCHIVE_S3_TIMEOUT", 5*time.Second),
		S3AppRetries:         r.integer("ARCHIVE_S3_RETRIES", 3),
		DLQDir:               r.str("ARCHIVE_DLQ_DIR", "/watcher/dlq"),
		DLQMaxAge:            r.dur("ARCHIVE_DLQ_MAX_AGE", 72*time.Hour),
		DLQMaxSizeBytes:      r.int64("ARCHIVE_DLQ_MAX_BYTES", 64<<20),
	}

	r.errs = append(r.errs, cfg.validate()...)
	if len(r.errs) > 0 {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, errors.Join(r.errs...))
	}
	return cfg, nil
}

// validate 는 값 사이의 관계와 범위를 검사한다.
func (c Config) validate() []error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.LogPath == "" {
		bad("LOG_PATH must not be empty")
	}
	if c.WindowSize <= 0 {
		bad("WINDOW_SIZE must be positive, got %d", c.WindowSize)
	}
	if c.ErrorRateThreshold < 0 || c.ErrorRateThreshold > 100 {
		bad("ERROR_RATE_THRESHOLD must be within 0..100, got %v", c.ErrorRateThreshold)
	}
	if c.ErrorRateMinRequests < 1 || (c.WindowSize > 0 && c.ErrorRateMinRequests > c.WindowSize) {
		bad("ERROR_RATE_MIN_REQUESTS must be within 1..WINDOW_SIZE, got %d", c.ErrorRateMinRequests)
	}
	if c.FailoverCooldown < 0 || c.ErrorRateCooldown < 0 {
		bad("alert cooldowns must not be negative")
	}
	if c.PrimaryPool == "" || c.BackupPool == "" || c.PrimaryPool == c.BackupPool {
		bad("PRIMARY_POOL and BACKUP_POOL must be distinct non-empty names")
	}
	if c.LogSampleN < 1 {
		bad("LOG_SAMPLE_N must be >= 1, got %d", c.LogSampleN)
	}
	if c.TopUpstreams < 1 {
		bad("TOP_UPSTREAMS must be positive, got %d", c.TopUpstreams)
	}
	if c.TailPollInterval <= 0 || c.TailPollInterval > time.Second {
		bad("TAIL_POLL_INTERVAL must be within (0, 1s], got %s", c.TailPollInterval)
	}
	if c.TailStartupGrace <= 0 {
		bad("TAIL_STARTUP_GRACE must be positive")
	}
	if c.WebhookURL != "" {
		u, err := url.Parse(c.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			bad("SLACK_WEBHOOK_URL must be an absolute http(s) URL")
		}
	}
	if c.WebhookTimeout <= 0 || c.WebhookAttempts < 1 {
		bad("WEBHOOK_TIMEOUT must be positive and WEBHOOK_ATTEMPTS >= 1")
	}
	if c.WebhookURL == "" && c.OutboxPath == "" {
		bad("OUTBOX_PATH is required when SLACK_WEBHOOK_URL is not set")
	}
	if c.AlertQueueSize < 1 {
		bad("ALERT_QUEUE_SIZE must be positive, got %d", c.AlertQueueSize)
	}
	if c.ShutdownTimeout <= 0 {
		bad("SHUTDOWN_TIMEOUT must be positive")
	}
	if c.ArchiveEnabled() {
		if c.AWSRegion == "" {
			bad("AWS_REGION is required when ARCHIVE_BUCKET is set")
		}
		if c.ArchiveBatchSize < 1 || c.ArchiveQueueSize < 1 || c.S3AppRetries < 1 {
			bad("ARCHIVE_BATCH_SIZE, ARCHIVE_QUEUE_SIZE and ARCHIVE_S3_RETRIES must be positive")
		}
		if c.ArchiveFlushInterval <= 0 || c.S3Timeout <= 0 {
			bad("ARCHIVE_FLUSH_INTERVAL and ARCHIVE_S3_TIMEOUT must be positive")
		}
		if c.DLQDir == "" {
			bad("ARCHIVE_DLQ_DIR must not be empty")
		}
	}
	return errs
}

// reader
//
// 공통 패턴.
// 값이 없으면 기본값, 형식이 잘못되면 오류를 모아 둔다.
// 즉시 종료하지 않고 Parse 가 한 번에 보고한다.
type reader struct {
	getenv func(string) string
	errs   []error
}

func (r *reader) raw(key string) (string, bool) {
	v := strings.TrimSpace(r.getenv(key))
	return v, v != ""
}

func (r *reader) fail(key, v, kind string, err error) {
	r.errs = append(r.errs, fmt.Errorf("invalid %s env %s=%q: %w", kind, key, v, err))
}

func (r *reader) str(key, def string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, "int", err)
		return def
	}
	return n
}

func (r *reader) int64(key string, def int64) int64 {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.fail(key, v, "int64", err)
		return def
	}
	return n
}

func (r *reader) float(key string, def float64) float64 {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, v, "float", err)
		return def
	}
	return f
}

func (r *reader) dur(key string, def time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v, "duration", err)
		return def
	}
	return d
}

// seconds 는 원본 watcher 와 호환되는 "정수 초" 형식의 값을 읽는다.
func (r *reader) seconds(key string, def time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, "seconds", err)
		return def
	}
	return time.Duration(n) * time.Second
}

func (r *reader) boolean(key string, def bool) bool {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, v, "bool", err)
		return def
	}
	return b
}

// fallbackInstanceID
//
// 이 watcher 인스턴스를 식별하는 고유 값.
//   - 기본: hostname (컨테이너에서는 container id 형태로 고유)
//   - fallback: 12자리 랜덤 hex
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}

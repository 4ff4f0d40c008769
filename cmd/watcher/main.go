package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"pool-watcher/internal/config"
	"pool-watcher/internal/logger"
	"pool-watcher/internal/metrics"
	"pool-watcher/internal/policy"
	"pool-watcher/internal/server"
	"pool-watcher/internal/sink"
	"pool-watcher/internal/watcher"
	"pool-watcher/internal/worker"

	zlog "github.com/rs/zerolog/log"
)

func main() {

	// ====================================================================
	// CPU 설정
	// ====================================================================
	//
	// watcher 는 nginx 옆에 붙는 작은 sidecar 컨테이너다.
	// ingest goroutine 1개 + dispatcher 1개가 전부이므로 기본 1 코어.
	// GOMAXPROCS 환경 변수로 재정의할 수 있다.
	// ====================================================================
	if v := os.Getenv("GOMAXPROCS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			runtime.GOMAXPROCS(n)
		}
	} else {
		runtime.GOMAXPROCS(1)
	}

	// ====================================================================
	// Config / Logger / Metrics
	// ====================================================================
	//
	// 설정이 잘못되면 Load 가 즉시 종료한다 (fail-fast).
	// ====================================================================
	cfg := config.Load()
	logger.Init(cfg)
	m := metrics.New()

	zlog.Info().
		Str("log_path", cfg.LogPath).
		Int("window", cfg.WindowSize).
		Float64("error_rate_threshold", cfg.ErrorRateThreshold).
		Dur("failover_cooldown", cfg.FailoverCooldown).
		Dur("error_rate_cooldown", cfg.ErrorRateCooldown).
		Bool("maintenance", cfg.MaintenanceMode).
		Msg("watcher starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// ====================================================================
	// 알림 아카이브 (선택)
	// ====================================================================
	//
	// ARCHIVE_BUCKET 이 있으면 전달을 시도한 알림 사본을 S3 로 올린다.
	// S3 가 죽어 있으면 로컬 DLQ 에 쌓았다가 나중에 다시 올린다.
	// ====================================================================
	var (
		archive sink.Archiver
		mgr     *worker.Manager
	)
	if cfg.ArchiveEnabled() {
		uploader, err := worker.NewS3Uploader(ctx, cfg, m)
		if err != nil {
			zlog.Fatal().Err(err).Msg("archive init failed")
		}
		mgr = worker.NewManager(cfg, m, uploader)
		mgr.Start()
		archive = mgr
	}

	// ====================================================================
	// Sink + Dispatcher
	// ====================================================================
	//
	// 채널(webhook / outbox)은 시작 시 하나로 고정된다.
	// Dispatcher 는 ingest 와 전달 사이의 비동기 경계.
	// ====================================================================
	out := sink.Select(cfg)
	zlog.Info().Str("sink", out.Name()).Msg("notification sink selected")

	disp := sink.NewDispatcher(out, cfg.AlertQueueSize, cfg.WebhookTimeout*time.Duration(cfg.WebhookAttempts)+2*time.Second, m, archive)
	disp.Start()

	// ====================================================================
	// Policy Engine + Watcher
	// ====================================================================
	engine := policy.NewEngine(watcher.PolicyConfig(cfg), disp, m)
	w := watcher.New(cfg, engine, m)

	// ====================================================================
	// 운영 HTTP (선택)
	// ====================================================================
	var srv *http.Server
	if cfg.HTTPAddr != "" {
		h := server.NewHandler(m, engine, out.Name(), w.Ready)
		srv = &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      h.Routes(),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			zlog.Info().Str("addr", cfg.HTTPAddr).Msg("ops http listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zlog.Error().Err(err).Msg("ops http terminated")
			}
		}()
	}

	// ====================================================================
	// ingest 루프 (blocking)
	// ====================================================================
	//
	// SIGTERM/SIGINT 로 ctx 가 끝나면 라인 단위로 멈춘다.
	// 로그 파일을 시작 grace 안에 열지 못한 경우에만 에러.
	// ====================================================================
	runErr := w.Run(ctx)
	if runErr != nil {
		zlog.Error().Err(runErr).Msg("watcher stopped")
	} else {
		zlog.Info().Msg("shutdown signal received")
	}

	// ====================================================================
	// Graceful Shutdown
	// ====================================================================
	//
	//  1) dispatcher: 큐에 남은 알림 전달 (SHUTDOWN_TIMEOUT 초과 시 취소)
	//  2) archive: 마지막 배치 업로드 (실패분은 DLQ)
	//  3) ops http
	// ====================================================================
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := disp.Shutdown(shutdownCtx); err != nil {
		zlog.Warn().Err(err).Msg("dispatcher shutdown deadline exceeded, pending alerts dropped")
	}
	if mgr != nil {
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			zlog.Warn().Err(err).Msg("archive shutdown deadline exceeded")
		}
	}
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zlog.Warn().Err(err).Msg("ops http shutdown")
		}
	}

	zlog.Info().Str("metrics", m.String()).Msg("shutdown complete")

	if runErr != nil {
		os.Exit(1)
	}
}

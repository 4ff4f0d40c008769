// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	"pool-watcher/internal/config"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init
//
// 애플리케이션 시작 시 한 번만 호출되는 로거 초기화 함수.
// Config 설정에 따라 개발용(콘솔) 또는 운영용(JSON) 출력으로 전환한다.
//
// [주요 기능]
//
//  1. 로그 포맷 자동 전환:
//     - LOG_PRETTY=true : 색상 텍스트 (터미널에서 직접 볼 때)
//     - LOG_PRETTY=false: JSON 한 줄 (docker logs / 수집기용)
//
//  2. 공통 필드 자동 추가:
//     - 모든 로그에 "service", "instance" 가 붙는다.
//
//  3. 로그 샘플링:
//     - Debug/Info 는 LOG_SAMPLE_N 중 1개만 기록.
//     - Warn/Error 는 절대 버리지 않는다 (알림 전달 실패 추적용).
//
// 사용 예:
//
//	logger.Init(cfg)
//	log.Info().Str("path", cfg.LogPath).Msg("watcher started")
func Init(cfg config.Config) {
	zerolog.SetGlobalLevel(level(cfg))
	zlog.Logger = New(cfg, os.Stdout)

	// 표준 log 패키지(config.Load 의 Fatalf 등)도 zerolog 로 흘려보낸다.
	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}

// New 는 전역 상태를 건드리지 않고 Logger 를 만든다 (테스트에서 buffer 로 받을 때 사용).
func New(cfg config.Config, out io.Writer) zerolog.Logger {

	// -------------------------------------------------------------------
	// 1) 로그 레벨 결정
	// -------------------------------------------------------------------
	lvl := level(cfg)

	// -------------------------------------------------------------------
	// 2) 출력 방식 결정 (사람 vs 기계)
	// -------------------------------------------------------------------
	w := out
	if cfg.LogPretty {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		}
	}

	// -------------------------------------------------------------------
	// 3) 기본 Logger 생성 (공통 태그 부착)
	// -------------------------------------------------------------------
	base := zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("instance", cfg.InstanceID).
		Logger()

	// -------------------------------------------------------------------
	// 4) 샘플링 설정
	// -------------------------------------------------------------------
	// malformed line 이 쏟아질 때 Debug 로그가 폭주하는 것을 막는다.
	if cfg.LogSampleN > 1 {
		return base.Sample(&zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: uint32(cfg.LogSampleN)},
			InfoSampler:  &zerolog.BasicSampler{N: uint32(cfg.LogSampleN)},
		})
	}
	return base
}

// level 은 LOG_LEVEL 을 해석한다. 비었거나 모르는 값이면 info.
func level(cfg config.Config) zerolog.Level {
	if cfg.LogLevel == "" {
		return zerolog.InfoLevel
	}
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel)))
	if err != nil {
		return zerolog.InfoLevel
	}
	return l
}

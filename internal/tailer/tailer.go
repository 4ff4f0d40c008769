// internal/tailer/tailer.go
package tailer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"pool-watcher/internal/metrics"

	"github.com/fsnotify/fsnotify"
	zlog "github.com/rs/zerolog/log"
)

// ErrNeverOpened 는 StartupGrace 안에 로그 파일을 한 번도 열지 못했을 때 반환된다.
// 이 경우에만 Run 이 실패로 끝난다.
var ErrNeverOpened = errors.New("log file never opened")

const (
	minBackoff = 200 * time.Millisecond
	maxBackoff = 2 * time.Second

	defaultMaxLine = 1 << 20 // 1 MiB
)

type Options struct {
	Path         string
	PollInterval time.Duration // fsnotify 이벤트를 놓쳐도 이 주기 안에는 새 라인을 본다
	StartupGrace time.Duration
	FromStart    bool // true 면 첫 open 에서도 처음부터 읽는다 (기본: 끝에서 시작)
	MaxLineBytes int  // 이보다 긴 라인은 다음 개행까지 버린다 (0 = 1 MiB)
	Metrics      *metrics.Metrics
}

// Tailer
// ------------------------------------------------------------
// 외부 프로세스(nginx)가 계속 append 하는 파일을 `tail -F` 처럼 따라간다.
//
// [동작 규칙]
//
//  1. 시작 시 파일 끝으로 seek → 이전 실행에서 이미 본 트래픽을 다시 세지 않는다.
//  2. 새 데이터 감지:
//     - fsnotify 로 디렉토리를 watch (rename/create 로 인한 rotation 포함)
//     - 이벤트 누락/미지원 FS 대비 PollInterval 마다 강제 확인
//     → 감지 지연은 최대 PollInterval (기본 500ms)
//  3. rotation: 경로의 파일 identity(inode)가 바뀌면 이전 파일을 끝까지 읽고
//     새 파일을 처음부터 다시 연다.
//  4. truncate: 파일 크기가 읽은 offset 보다 작아지면 처음부터 다시 읽는다.
//  5. 일시적 오류(rotation 중 파일 없음 등)는 backoff 로 재시도, 종료하지 않는다.
//     단, 시작 후 StartupGrace 안에 한 번도 열지 못하면 ErrNeverOpened.
//
// 개행으로 끝나지 않은 마지막 조각은 다음 read 까지 보관했다가 이어 붙인다.
// 보관 중인 조각이 MaxLineBytes 를 넘으면 버리고 다음 개행까지 건너뛴다.
// handle 은 Run 을 호출한 goroutine 에서 순서대로 호출된다.
type Tailer struct {
	opts    Options
	metrics *metrics.Metrics

	f       *os.File
	rd      *bufio.Reader
	info    os.FileInfo
	offset     int64
	partial    []byte
	discarding bool

	retryAt time.Time
	backoff time.Duration

	ready chan struct{}
}

func New(opts Options) *Tailer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.StartupGrace <= 0 {
		opts.StartupGrace = 30 * time.Second
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = defaultMaxLine
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Tailer{
		opts:    opts,
		metrics: m,
		backoff: minBackoff,
		ready:   make(chan struct{}),
	}
}

// Ready 는 첫 open(+seek) 이 끝나면 닫힌다.
func (t *Tailer) Ready() <-chan struct{} { return t.ready }

// Run 은 ctx 가 끝날 때까지 라인을 읽어 handle 로 넘긴다.
// ctx 취소로 끝나면 nil, 시작 grace 초과면 ErrNeverOpened.
func (t *Tailer) Run(ctx context.Context, handle func(line []byte)) error {
	if err := t.openInitial(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer t.closeFile()

	notify, stopWatch := t.watch()
	defer stopWatch()

	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	for {
		t.drain(ctx, handle)
		if ctx.Err() != nil {
			return nil
		}
		t.checkRotation(ctx, handle)

		select {
		case <-ctx.Done():
			return nil
		case <-notify:
		case <-ticker.C:
		}
	}
}

// openInitial 은 파일이 생길 때까지 backoff 로 재시도한다.
func (t *Tailer) openInitial(ctx context.Context) error {
	deadline := time.Now().Add(t.opts.StartupGrace)
	backoff := minBackoff

	for {
		err := t.open(!t.opts.FromStart)
		if err == nil {
			zlog.Info().Str("path", t.opts.Path).Int64("offset", t.offset).Msg("tailing log file")
			close(t.ready)
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s after %s: %v", ErrNeverOpened, t.opts.Path, t.opts.StartupGrace, err)
		}
		zlog.Warn().Err(err).Str("path", t.opts.Path).Dur("retry_in", backoff).Msg("log file not available yet")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// open 은 경로를 새로 연다. seekEnd 면 현재 끝에서부터 읽는다.
func (t *Tailer) open(seekEnd bool) error {
	f, err := os.Open(t.opts.Path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}

	var offset int64
	if seekEnd {
		if offset, err = f.Seek(0, io.SeekEnd); err != nil {
			_ = f.Close()
			return err
		}
	}

	t.closeFile()
	t.f = f
	t.info = info
	t.offset = offset
	t.partial = nil
	t.discarding = false
	if t.rd == nil {
		t.rd = bufio.NewReaderSize(f, 64*1024)
	} else {
		t.rd.Reset(f)
	}
	return nil
}

func (t *Tailer) closeFile() {
	if t.f != nil {
		_ = t.f.Close()
		t.f = nil
	}
}

// drain 은 지금 읽을 수 있는 완성된 라인을 전부 넘긴다.
// 라인 사이마다 ctx 를 확인하므로 종료 시 라인 단위로 멈춘다.
//
// ReadSlice 는 bufio 버퍼 크기(64 KiB)까지만 읽고 돌려주므로
// 개행 없는 데이터가 쏟아져도 한 번에 잡는 메모리는 MaxLineBytes 근처로 묶인다.
func (t *Tailer) drain(ctx context.Context, handle func(line []byte)) {
	for ctx.Err() == nil {
		chunk, err := t.rd.ReadSlice('\n')
		t.offset += int64(len(chunk))

		if n := len(chunk); n > 0 {
			if chunk[n-1] == '\n' {
				t.complete(chunk[:n-1], handle)
			} else {
				t.hold(chunk)
			}
		}

		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			if !errors.Is(err, io.EOF) {
				zlog.Warn().Err(err).Str("path", t.opts.Path).Msg("log read failed, will retry")
			}
			return
		}
	}
}

// complete 는 개행으로 끝난 조각을 보관분과 합쳐 handle 로 넘긴다.
// tail 은 bufio 내부 버퍼라 handle 에는 복사본만 넘긴다.
func (t *Tailer) complete(tail []byte, handle func(line []byte)) {
	if t.discarding || len(t.partial)+len(tail) > t.opts.MaxLineBytes {
		if !t.discarding {
			t.warnOversized(len(t.partial) + len(tail))
		}
		t.partial = nil
		t.discarding = false
		atomic.AddInt64(&t.metrics.LinesReadTotal, 1)
		atomic.AddInt64(&t.metrics.LinesRejectedTotal, 1)
		return
	}

	line := make([]byte, 0, len(t.partial)+len(tail))
	line = append(line, t.partial...)
	line = append(line, tail...)
	if l := len(line); l > 0 && line[l-1] == '\r' {
		line = line[:l-1]
	}
	t.partial = nil

	atomic.AddInt64(&t.metrics.LinesReadTotal, 1)
	handle(line)
}

// hold 는 개행 없는 조각을 다음 read 까지 보관한다.
func (t *Tailer) hold(chunk []byte) {
	if t.discarding {
		return
	}
	if len(t.partial)+len(chunk) > t.opts.MaxLineBytes {
		t.warnOversized(len(t.partial) + len(chunk))
		t.partial = nil
		t.discarding = true
		return
	}
	t.partial = append(t.partial, chunk...)
}

func (t *Tailer) warnOversized(n int) {
	zlog.Warn().
		Str("path", t.opts.Path).
		Int("bytes", n).
		Int("limit", t.opts.MaxLineBytes).
		Msg("line too long, discarding until next newline")
}

// checkRotation 은 경로의 현재 파일과 열려 있는 파일을 비교한다.
func (t *Tailer) checkRotation(ctx context.Context, handle func(line []byte)) {
	if !t.retryAt.IsZero() && time.Now().Before(t.retryAt) {
		return
	}

	st, err := os.Stat(t.opts.Path)
	if err != nil {
		// rotation 도중 잠깐 없는 상태. 열린 파일은 계속 읽으면서 기다린다.
		zlog.Debug().Err(err).Str("path", t.opts.Path).Msg("log path missing, waiting for new file")
		return
	}

	if !os.SameFile(t.info, st) {
		// 이전 파일에 마지막으로 쓰인 내용을 먼저 비운다
		t.drain(ctx, handle)
		if len(t.partial) > 0 {
			zlog.Warn().Int("bytes", len(t.partial)).Msg("unterminated line lost on rotation")
		}
		if err := t.open(false); err != nil {
			t.retryAt = time.Now().Add(t.backoff)
			zlog.Warn().Err(err).Str("path", t.opts.Path).Dur("retry_in", t.backoff).Msg("reopen after rotation failed")
			t.backoff *= 2
			if t.backoff > maxBackoff {
				t.backoff = maxBackoff
			}
			return
		}
		t.retryAt = time.Time{}
		t.backoff = minBackoff
		atomic.AddInt64(&t.metrics.TailReopensTotal, 1)
		zlog.Info().Str("path", t.opts.Path).Msg("log rotated, reopened from start")
		return
	}

	if st.Size() < t.offset {
		if _, err := t.f.Seek(0, io.SeekStart); err != nil {
			zlog.Warn().Err(err).Str("path", t.opts.Path).Msg("seek after truncate failed")
			return
		}
		t.rd.Reset(t.f)
		t.offset = 0
		t.partial = nil
		t.discarding = false
		t.info = st
		atomic.AddInt64(&t.metrics.TailReopensTotal, 1)
		zlog.Info().Str("path", t.opts.Path).Int64("size", st.Size()).Msg("log truncated, reading from start")
	}
}

// watch 는 파일이 있는 디렉토리를 fsnotify 로 감시한다.
// 감시를 걸 수 없으면 nil 채널(영원히 안 옴)을 돌려주고 polling 만 쓴다.
func (t *Tailer) watch() (<-chan struct{}, func()) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		zlog.Warn().Err(err).Msg("fsnotify unavailable, polling only")
		return nil, func() {}
	}

	target := filepath.Clean(t.opts.Path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		_ = w.Close()
		zlog.Warn().Err(err).Str("dir", filepath.Dir(target)).Msg("fsnotify watch failed, polling only")
		return nil, func() {}
	}

	notify := make(chan struct{}, 1)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				select {
				case notify <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				zlog.Warn().Err(err).Msg("fsnotify error")
			}
		}
	}()

	return notify, func() {
		close(done)
		_ = w.Close()
	}
}

// internal/parser/parser.go
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"pool-watcher/internal/model"

	json "github.com/goccy/go-json"
)

var (
	ErrMalformed      = errors.New("malformed log line")
	ErrMissingField   = errors.New("missing required field")
	ErrBadStatus      = errors.New("non-integer status")
	ErrUnknownPool    = errors.New("unknown pool")
	ErrLengthMismatch = errors.New("upstream_status/upstream_addr length mismatch")
)

// nginx $time_local 형식 (time 필드가 없을 때만 사용)
const timeLocalLayout = "02/Jan/2006:15:04:05 -0700"

// PoolNames 는 로그에 찍히는 pool 이름과 enum 의 매핑.
type PoolNames struct {
	Primary string
	Backup  string
}

// Parser
// ------------------------------------------------------------
// nginx JSON access log 한 줄 → model.RequestRecord 변환기.
//
// 입력 예:
//
//	{"time":"2025-10-30T00:00:00+00:00","pool":"blue","release":"blue-1.0.0",
//	 "status":200,"upstream_status":"500, 200","upstream_addr":"172.17.0.2:3000, 172.17.0.3:3000"}
//
// 알 수 없는 필드는 무시한다. 잘못된 라인은 에러로 반환하며
// 호출자가 Debug 로그 + 카운터 증가 후 버린다 (ingest 는 멈추지 않음).
//
// Parser 는 상태가 없으므로 여러 goroutine 에서 공유해도 안전하다.
type Parser struct {
	pools map[string]model.Pool
}

func New(names PoolNames) *Parser {
	return &Parser{
		pools: map[string]model.Pool{
			names.Primary: model.PoolPrimary,
			names.Backup:  model.PoolBackup,
		},
	}
}

// line 은 decode 전용 중간 구조체.
// status / upstream_status 는 nginx 설정에 따라 숫자 또는 문자열로 올 수 있어
// RawMessage 로 받은 뒤 직접 해석한다.
type line struct {
	Time           string          `json:"time"`
	TimeLocal      string          `json:"time_local"`
	Pool           *string         `json:"pool"`
	Release        string          `json:"release"`
	Status         json.RawMessage `json:"status"`
	UpstreamStatus json.RawMessage `json:"upstream_status"`
	UpstreamAddr   json.RawMessage `json:"upstream_addr"`
}

// Parse 는 raw 한 줄을 RequestRecord 로 변환하거나 거절한다.
func (p *Parser) Parse(raw []byte) (*model.RequestRecord, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty line", ErrMalformed)
	}
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: invalid utf-8", ErrMalformed)
	}

	var l line
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	ts, err := parseTime(l.Time, l.TimeLocal)
	if err != nil {
		return nil, err
	}

	if l.Pool == nil || *l.Pool == "" {
		return nil, fmt.Errorf("%w: pool", ErrMissingField)
	}
	pool, ok := p.pools[*l.Pool]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPool, *l.Pool)
	}

	statusText, err := scalar("status", l.Status)
	if err != nil {
		return nil, err
	}
	status, err := strconv.Atoi(statusText)
	if err != nil {
		return nil, fmt.Errorf("%w: status=%q", ErrBadStatus, statusText)
	}

	upText, err := scalar("upstream_status", l.UpstreamStatus)
	if err != nil {
		return nil, err
	}
	upstreams, err := parseStatuses(upText)
	if err != nil {
		return nil, err
	}

	addrText, err := scalar("upstream_addr", l.UpstreamAddr)
	if err != nil {
		return nil, err
	}
	addrs := SplitList(addrText)

	if len(addrs) != len(upstreams) {
		return nil, fmt.Errorf("%w: %d statuses, %d addrs", ErrLengthMismatch, len(upstreams), len(addrs))
	}

	return &model.RequestRecord{
		Timestamp:        ts,
		Pool:             pool,
		PoolName:         *l.Pool,
		Release:          l.Release,
		ClientStatus:     status,
		UpstreamStatuses: upstreams,
		UpstreamAddrs:    addrs,
		Raw:              string(raw),
	}, nil
}

// SplitList
//
// nginx 는 upstream 시도 여러 번을 "a, b" 로,
// 내부 redirect 로 다른 upstream 그룹을 탄 경우 "a, b : c" 로 이어 붙인다.
// 두 구분자 모두에서 자르고 공백을 제거한다. 빈 조각은 버린다.
//
// ":" 단독으로 자르면 host:port 가 깨지므로 반드시 " : " 로만 자른다.
func SplitList(s string) []string {
	var out []string
	for _, group := range strings.Split(s, " : ") {
		for _, part := range strings.Split(group, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseStatuses(s string) ([]int, error) {
	parts := SplitList(s)
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: upstream_status", ErrMissingField)
	}
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%w: upstream_status=%q", ErrBadStatus, s)
		}
		out = append(out, n)
	}
	return out, nil
}

// scalar 는 JSON 문자열 또는 숫자를 문자열로 돌려준다.
// 필드가 없거나 null / 빈 문자열이면 ErrMissingField.
func scalar(field string, v json.RawMessage) (string, error) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return "", fmt.Errorf("%w: %s", ErrMissingField, field)
	}

	var s string
	if v[0] == '"' {
		if err := json.Unmarshal(v, &s); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrMalformed, field, err)
		}
	} else {
		s = string(v)
	}

	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingField, field)
	}
	return s, nil
}

func parseTime(iso, local string) (time.Time, error) {
	switch {
	case iso != "":
		ts, err := time.Parse(time.RFC3339, iso)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: time=%q: %v", ErrMalformed, iso, err)
		}
		return ts, nil
	case local != "":
		ts, err := time.Parse(timeLocalLayout, local)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: time_local=%q: %v", ErrMalformed, local, err)
		}
		return ts, nil
	default:
		return time.Time{}, fmt.Errorf("%w: time", ErrMissingField)
	}
}

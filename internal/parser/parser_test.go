package parser

import (
	"testing"
	"time"

	"pool-watcher/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestParser() *Parser {
	return New(PoolNames{Primary: "blue", Backup: "green"})
}

func TestParse_SingleUpstream(t *testing.T) {
	p := newTestParser()

	rec, err := p.Parse([]byte(`{"time":"2025-10-30T00:00:00Z","remote_addr":"1.2.3.4","method":"GET",` +
		`"status":200,"pool":"blue","release":"blue-1.0.0","upstream_status":200,"upstream_addr":"172.17.0.2:3000"}` + "\n"))
	require.NoError(t, err)

	assert.Equal(t, time.Date(2025, 10, 30, 0, 0, 0, 0, time.UTC), rec.Timestamp.UTC())
	assert.Equal(t, model.PoolPrimary, rec.Pool)
	assert.Equal(t, "blue", rec.PoolName)
	assert.Equal(t, "blue-1.0.0", rec.Release)
	assert.Equal(t, 200, rec.ClientStatus)
	assert.Equal(t, []int{200}, rec.UpstreamStatuses)
	assert.Equal(t, []string{"172.17.0.2:3000"}, rec.UpstreamAddrs)
	assert.False(t, rec.IsError())
	assert.NotContains(t, rec.Raw, "\n")
}

func TestParse_MaskedUpstreamFailureIsError(t *testing.T) {
	p := newTestParser()

	rec, err := p.Parse([]byte(`{"time":"2025-10-30T00:00:01+00:00","pool":"green","release":"g1","status":200,` +
		`"upstream_status":"500,200","upstream_addr":"172.17.0.2:3000, 172.17.0.3:3000"}`))
	require.NoError(t, err)

	assert.Equal(t, model.PoolBackup, rec.Pool)
	assert.Equal(t, []int{500, 200}, rec.UpstreamStatuses)
	assert.Equal(t, []string{"172.17.0.2:3000", "172.17.0.3:3000"}, rec.UpstreamAddrs)
	assert.True(t, rec.IsError(), "upstream 500 masked by retry must still count as an error")
}

func TestParse_StringStatusAndTimeLocal(t *testing.T) {
	p := newTestParser()

	rec, err := p.Parse([]byte(`{"time_local":"30/Oct/2025:09:00:00 +0900","pool":"blue","release":"b",` +
		`"status":"502","upstream_status":"502","upstream_addr":"10.0.0.1:80"}`))
	require.NoError(t, err)

	assert.Equal(t, 502, rec.ClientStatus)
	assert.True(t, rec.Timestamp.Equal(time.Date(2025, 10, 30, 0, 0, 0, 0, time.UTC)))
	assert.True(t, rec.IsError())
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantErr error
	}{
		{
			name:    "not json",
			line:    `GET /version 200`,
			wantErr: ErrMalformed,
		},
		{
			name:    "empty",
			line:    "   \n",
			wantErr: ErrMalformed,
		},
		{
			name:    "invalid utf-8",
			line:    "{\"pool\":\"blue\xff\"}",
			wantErr: ErrMalformed,
		},
		{
			name:    "missing pool",
			line:    `{"time":"2025-10-30T00:00:00Z","status":200,"upstream_status":"200","upstream_addr":"a:1"}`,
			wantErr: ErrMissingField,
		},
		{
			name:    "unknown pool",
			line:    `{"time":"2025-10-30T00:00:00Z","pool":"red","status":200,"upstream_status":"200","upstream_addr":"a:1"}`,
			wantErr: ErrUnknownPool,
		},
		{
			name:    "missing time",
			line:    `{"pool":"blue","status":200,"upstream_status":"200","upstream_addr":"a:1"}`,
			wantErr: ErrMissingField,
		},
		{
			name:    "missing status",
			line:    `{"time":"2025-10-30T00:00:00Z","pool":"blue","upstream_status":"200","upstream_addr":"a:1"}`,
			wantErr: ErrMissingField,
		},
		{
			name:    "non-integer status",
			line:    `{"time":"2025-10-30T00:00:00Z","pool":"blue","status":"ok","upstream_status":"200","upstream_addr":"a:1"}`,
			wantErr: ErrBadStatus,
		},
		{
			name:    "non-integer upstream status",
			line:    `{"time":"2025-10-30T00:00:00Z","pool":"blue","status":502,"upstream_status":"-","upstream_addr":"a:1"}`,
			wantErr: ErrBadStatus,
		},
		{
			name:    "null upstream addr",
			line:    `{"time":"2025-10-30T00:00:00Z","pool":"blue","status":200,"upstream_status":"200","upstream_addr":null}`,
			wantErr: ErrMissingField,
		},
		{
			name:    "length mismatch",
			line:    `{"time":"2025-10-30T00:00:00Z","pool":"blue","status":200,"upstream_status":"500, 200","upstream_addr":"a:1"}`,
			wantErr: ErrLengthMismatch,
		},
		{
			name:    "bad timestamp",
			line:    `{"time":"yesterday","pool":"blue","status":200,"upstream_status":"200","upstream_addr":"a:1"}`,
			wantErr: ErrMalformed,
		},
	}

	p := newTestParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := p.Parse([]byte(tt.line))
			require.ErrorIs(t, err, tt.wantErr)
			require.Nil(t, rec)
		})
	}
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"200", []string{"200"}},
		{"500,200", []string{"500", "200"}},
		{" 500 ,  502, 200 ", []string{"500", "502", "200"}},
		{"10.0.0.1:80, 10.0.0.2:80 : 10.0.1.1:80", []string{"10.0.0.1:80", "10.0.0.2:80", "10.0.1.1:80"}},
		{"", nil},
		{",", nil},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitList(tt.in))
		})
	}
}

package window

import (
	"testing"

	"pool-watcher/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func rec(status int, upstream ...int) *model.RequestRecord {
	if len(upstream) == 0 {
		upstream = []int{status}
	}
	addrs := make([]string, len(upstream))
	for i := range addrs {
		addrs[i] = "10.0.0.1:3000"
	}
	return &model.RequestRecord{ClientStatus: status, UpstreamStatuses: upstream, UpstreamAddrs: addrs}
}

func TestWindow_EmptyStats(t *testing.T) {
	w := New(3)
	assert.Equal(t, model.WindowStats{}, w.Stats())
}

func TestWindow_EvictsOldestAndAdjustsErrors(t *testing.T) {
	w := New(3)
	w.Push(rec(500))
	w.Push(rec(200))
	w.Push(rec(200))
	require.Equal(t, model.WindowStats{Size: 3, ErrorCount: 1, ErrorPct: 100.0 / 3}, w.Stats())

	// 500 이 밀려나야 한다
	w.Push(rec(200))
	assert.Equal(t, 3, w.Len())
	assert.Equal(t, 0, w.Stats().ErrorCount)

	w.Push(rec(200, 502, 200))
	assert.Equal(t, 1, w.Stats().ErrorCount)
}

func TestWindow_EachOldestFirst(t *testing.T) {
	w := New(3)
	for _, s := range []int{201, 202, 203, 204} {
		w.Push(rec(s))
	}
	var got []int
	w.Each(func(r *model.RequestRecord) { got = append(got, r.ClientStatus) })
	assert.Equal(t, []int{202, 203, 204}, got)
}

func TestWindow_ThresholdScenario(t *testing.T) {
	w := New(10)
	for i := 0; i < 6; i++ {
		w.Push(rec(200))
	}
	for i := 0; i < 4; i++ {
		w.Push(rec(500))
	}
	assert.InDelta(t, 40.0, w.Stats().ErrorPct, 1e-9)

	// 5번째 에러가 가장 오래된 non-error 를 밀어낸다
	w.Push(rec(500))
	st := w.Stats()
	assert.Equal(t, 10, st.Size)
	assert.Equal(t, 5, st.ErrorCount)
	assert.InDelta(t, 50.0, st.ErrorPct, 1e-9)
}

// TestPropertyWindow_CountsMatchSuffix 는 임의의 push 순서에 대해
// size <= cap 이고 에러 카운트가 마지막 min(cap, n) 개의 정확한 에러 수와 같은지 확인한다.
func TestPropertyWindow_CountsMatchSuffix(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.IntRange(1, 50).Draw(rt, "capacity")
		statuses := rapid.SliceOf(rapid.SampledFrom([]int{200, 201, 404, 500, 502, 503})).Draw(rt, "statuses")

		w := New(capacity)
		var pushed []*model.RequestRecord
		for _, s := range statuses {
			r := rec(s)
			if rapid.Bool().Draw(rt, "masked") {
				r = rec(200, s, 200)
			}
			w.Push(r)
			pushed = append(pushed, r)

			if w.Len() > capacity {
				rt.Fatalf("size %d exceeds capacity %d", w.Len(), capacity)
			}

			tail := pushed
			if len(tail) > capacity {
				tail = tail[len(tail)-capacity:]
			}
			want := 0
			for _, p := range tail {
				if p.IsError() {
					want++
				}
			}
			if got := w.Stats().ErrorCount; got != want {
				rt.Fatalf("error count = %d, want %d", got, want)
			}
			if w.Len() != len(tail) {
				rt.Fatalf("size = %d, want %d", w.Len(), len(tail))
			}
		}
	})
}

// internal/window/window.go
package window

import "pool-watcher/internal/model"

// Window
// ------------------------------------------------------------
// 최근 N 개 RequestRecord 를 보관하는 고정 크기 ring buffer.
//
//   - Push: O(1). 가득 차 있으면 가장 오래된 레코드를 덮어쓴다.
//   - Stats: O(1). 에러 카운터는 push/evict 때만 증감하며
//     전체를 다시 세지 않는다.
//
// 불변식:
//   - Len() <= Cap()
//   - errors == (버퍼 안에서 IsError() 인 레코드 수)
//
// ingest goroutine 하나만 접근하므로 lock 을 두지 않는다.
type Window struct {
	buf    []*model.RequestRecord
	errs   []bool // buf 와 같은 index. evict 시 재계산하지 않도록 push 시점 판정을 보관
	head   int    // 다음에 쓸 위치
	size   int
	errors int
}

// New 는 capacity 개를 담는 Window 를 만든다. capacity 는 1 이상이어야 한다.
func New(capacity int) *Window {
	if capacity < 1 {
		panic("window: capacity must be positive")
	}
	return &Window{
		buf:  make([]*model.RequestRecord, capacity),
		errs: make([]bool, capacity),
	}
}

// Push 는 레코드를 추가하고, 용량을 넘으면 가장 오래된 레코드를 evict 한다.
func (w *Window) Push(rec *model.RequestRecord) {
	if w.size == len(w.buf) {
		// head 위치가 곧 가장 오래된 슬롯
		if w.errs[w.head] {
			w.errors--
		}
	} else {
		w.size++
	}

	isErr := rec.IsError()
	w.buf[w.head] = rec
	w.errs[w.head] = isErr
	if isErr {
		w.errors++
	}
	w.head = (w.head + 1) % len(w.buf)
}

// Stats 는 현재 window 스냅샷. size 가 0 이면 ErrorPct 는 0.
func (w *Window) Stats() model.WindowStats {
	st := model.WindowStats{Size: w.size, ErrorCount: w.errors}
	if w.size > 0 {
		st.ErrorPct = 100 * float64(w.errors) / float64(w.size)
	}
	return st
}

func (w *Window) Len() int { return w.size }
func (w *Window) Cap() int { return len(w.buf) }

// Each 는 오래된 것부터 순서대로 레코드를 넘긴다.
func (w *Window) Each(fn func(rec *model.RequestRecord)) {
	start := (w.head - w.size + len(w.buf)) % len(w.buf)
	for i := 0; i < w.size; i++ {
		fn(w.buf[(start+i)%len(w.buf)])
	}
}

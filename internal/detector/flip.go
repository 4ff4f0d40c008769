// internal/detector/flip.go
package detector

import "pool-watcher/internal/model"

// FlipDetector
// ------------------------------------------------------------
// 연속된 레코드의 pool 값을 비교해서 primary ↔ backup 전환을 감지한다.
//
//   - 첫 레코드: 상태만 기록, 이벤트 없음 (비교 대상이 없음)
//   - 이후: pool 이 바뀌면 FlipEvent 1개 생성 후 상태 갱신
//
// 순서는 tailer 가 넘겨준 라인 순서가 전부다. timestamp 로 재정렬하지 않는다.
type FlipDetector struct {
	last *model.RequestRecord // 마지막으로 pool 을 관측한 레코드 (nil = 아직 없음)
}

func NewFlipDetector() *FlipDetector {
	return &FlipDetector{}
}

// Observe 는 레코드를 반영하고 전환이 있었으면 이벤트를 돌려준다.
func (d *FlipDetector) Observe(rec *model.RequestRecord) *model.FlipEvent {
	prev := d.last
	d.last = rec

	if prev == nil || prev.Pool == rec.Pool {
		return nil
	}
	return &model.FlipEvent{
		From:     prev.Pool,
		To:       rec.Pool,
		FromName: prev.PoolName,
		ToName:   rec.PoolName,
		Record:   rec,
	}
}

// Current 는 마지막으로 관측한 pool. 아직 레코드가 없으면 ok=false.
func (d *FlipDetector) Current() (model.Pool, bool) {
	if d.last == nil {
		return model.PoolUnknown, false
	}
	return d.last.Pool, true
}

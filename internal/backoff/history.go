package backoff

import (
	"time"

	"github.com/samber/lo"
)

// hoursTracked is the rolling statistics horizon.
const hoursTracked = 24

// hourSlot holds outcome counts for one wall-clock hour.
type hourSlot struct {
	hour    int64 // unix hours since epoch; stale slots are lazily zeroed
	success int
	failure int
}

// history is one bucket's rolling success/failure statistics: a 24-slot ring
// indexed by hour of day, plus the current consecutive-failure streak.
// Callers synchronize access.
type history struct {
	slots  [hoursTracked]hourSlot
	streak int
}

func (h *history) record(now time.Time, success bool) {
	slot := h.slot(now)
	if success {
		slot.success++
		h.streak = 0
	} else {
		slot.failure++
		h.streak++
	}
}

// slot returns the live slot for now, resetting it if it belongs to a
// previous day.
func (h *history) slot(now time.Time) *hourSlot {
	unixHour := now.Unix() / 3600
	slot := &h.slots[now.Hour()]
	if slot.hour != unixHour {
		*slot = hourSlot{hour: unixHour}
	}
	return slot
}

// successRate returns the fraction of successes over the live slots, and
// whether any outcomes were recorded at all.
func (h *history) successRate(now time.Time) (float64, bool) {
	live := h.liveSlots(now)
	success := lo.SumBy(live, func(s hourSlot) int { return s.success })
	total := success + lo.SumBy(live, func(s hourSlot) int { return s.failure })
	if total == 0 {
		return 0, false
	}
	return float64(success) / float64(total), true
}

// hourFailureFactor reports whether the current hour has historically failed
// notably more than the daily mean. Used to widen delays during bad hours.
func (h *history) hourFailureFactor(now time.Time) bool {
	live := h.liveSlots(now)
	totalFailure := lo.SumBy(live, func(s hourSlot) int { return s.failure })
	totalAll := totalFailure + lo.SumBy(live, func(s hourSlot) int { return s.success })
	if totalAll < 20 {
		// Too little signal to call any hour bad.
		return false
	}
	meanRate := float64(totalFailure) / float64(totalAll)

	slot := h.slots[now.Hour()]
	hourTotal := slot.success + slot.failure
	if hourTotal < 5 {
		return false
	}
	hourRate := float64(slot.failure) / float64(hourTotal)
	return hourRate > meanRate*1.5
}

// liveSlots filters out slots that have aged past the 24h horizon.
func (h *history) liveSlots(now time.Time) []hourSlot {
	unixHour := now.Unix() / 3600
	return lo.Filter(h.slots[:], func(s hourSlot, _ int) bool {
		return s.hour > unixHour-hoursTracked
	})
}

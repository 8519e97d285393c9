package scheduler

import (
	"math"
	"math/bits"
	"time"

	"konveksi/backend/internal/domain"
)

// Normalize floors both throughput settings to 1.
func Normalize(settings domain.ThroughputSettings) domain.ThroughputSettings {
	if settings.DailyCapacity < 1 {
		settings.DailyCapacity = 1
	}
	if settings.WorkHoursPerDay < 1 {
		settings.WorkHoursPerDay = 1
	}
	return settings
}

// MaxProductionDuration is the longest duration ProductionDuration returns.
const MaxProductionDuration = time.Duration(math.MaxInt64/int64(time.Millisecond)) * time.Millisecond

// ProductionDuration converts a quantity of garments into line time:
// (qty / dailyCapacity) * workHoursPerDay hours, rounded up to the millisecond.
func ProductionDuration(settings domain.ThroughputSettings, totalQuantity int) time.Duration {
	settings = Normalize(settings)
	if totalQuantity < 0 {
		totalQuantity = 0
	}
	// ceil(qty * hours * 3_600_000 / capacity) in 128-bit integers,
	// saturating at MaxProductionDuration
	perUnit := uint64(settings.WorkHoursPerDay) * uint64(time.Hour/time.Millisecond)
	capacity := uint64(settings.DailyCapacity)
	hi, low := bits.Mul64(uint64(totalQuantity), perUnit)
	low, carry := bits.Add64(low, capacity-1, 0)
	hi += carry
	if hi >= capacity {
		return MaxProductionDuration
	}
	ms, _ := bits.Div64(hi, low, capacity)
	if ms > uint64(MaxProductionDuration/time.Millisecond) {
		return MaxProductionDuration
	}
	return time.Duration(ms) * time.Millisecond
}

func ExpectedFinish(settings domain.ThroughputSettings, start time.Time, totalQuantity int) time.Time {
	return start.Add(ProductionDuration(settings, totalQuantity))
}

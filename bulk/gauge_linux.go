//go:build linux

package bulk

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// sysinfoGauge reads system memory usage through the sysinfo syscall.
type sysinfoGauge struct{}

func newSystemGauge() Gauge {
	return sysinfoGauge{}
}

// UsedFraction implements Gauge.
func (sysinfoGauge) UsedFraction() (float64, bool) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "UsedFraction",
			"error":    err.Error(),
		}).Warn("Sysinfo failed, skipping pressure check")
		return 0, false
	}

	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	total := uint64(info.Totalram) * unit
	if total == 0 {
		return 0, false
	}
	free := (uint64(info.Freeram) + uint64(info.Bufferram)) * unit

	return float64(total-free) / float64(total), true
}

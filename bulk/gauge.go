package bulk

// Gauge reports live memory usage as a fraction of the total. The second
// return is false when the platform exposes no usable gauge; callers then
// skip pressure checks.
type Gauge interface {
	UsedFraction() (float64, bool)
}

// GaugeFunc adapts a function to the Gauge interface.
type GaugeFunc func() (float64, bool)

// UsedFraction implements Gauge.
func (f GaugeFunc) UsedFraction() (float64, bool) { return f() }

// NewSystemGauge returns the platform memory gauge, or nil when the
// platform exposes none.
func NewSystemGauge() Gauge {
	return newSystemGauge()
}

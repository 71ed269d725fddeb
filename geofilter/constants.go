package geofilter

const (
	// DefaultPromotionThreshold is the target feature count above
	// which a filter is promoted to a materialized result set; below
	// it, direct execution beats the materialization overhead.
	DefaultPromotionThreshold = 50000

	// DefaultMetricSRID is the projected system geographic inputs are
	// transformed into before buffering.
	DefaultMetricSRID = 3857
)

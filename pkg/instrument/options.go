package instrument

// options carries the per-call overrides a composition Step or the
// Conductor's direct call can apply. Every New* constructor accepts
// these as variadic Option values and builds a fresh instrument with
// them baked in, rather than mutating a shared instance — Parallel runs
// the same instrument name concurrently across branches, so there is no
// single "current settings" to mutate and restore.
type options struct {
	maxIterations       *int
	confidenceThreshold *float64
}

// Option overrides one construction-time default of an instrument.
type Option func(*options)

// WithMaxIterations overrides an instrument's default iteration bound.
func WithMaxIterations(n int) Option {
	return func(o *options) { o.maxIterations = &n }
}

// WithConfidenceThreshold overrides an instrument's default
// stop/accept confidence threshold.
func WithConfidenceThreshold(t float64) Option {
	return func(o *options) { o.confidenceThreshold = &t }
}

func resolveOptions(opts []Option) options {
	var o options
	for _, apply := range opts {
		apply(&o)
	}
	return o
}

func (o options) maxIterationsOr(def int) int {
	if o.maxIterations != nil {
		return *o.maxIterations
	}
	return def
}

func (o options) confidenceThresholdOr(def float64) float64 {
	if o.confidenceThreshold != nil {
		return *o.confidenceThreshold
	}
	return def
}

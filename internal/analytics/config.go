package analytics

import (
	"math"
	"net/url"
	"slices"
	"sort"
	"strconv"
	"time"
)

// Direction selects which z-score deviations count as anomalies.
type Direction string

const (
	DirectionBelow Direction = "below"
	DirectionAbove Direction = "above"
	DirectionBoth  Direction = "both"
)

// SpeedWeighting selects how speeds are averaged around an incident.
type SpeedWeighting string

const (
	WeightingEqual  SpeedWeighting = "equal"
	WeightingVolume SpeedWeighting = "volume_weighted"
)

// Override keys accepted by OverridesFromQuery.
const (
	KeyCongestionThreshold = "congestion_speed_threshold_kph"
	KeyMinSamples          = "min_samples"
	KeyWeightMeanSpeed     = "weight_mean_speed"
	KeyWeightSpeedStd      = "weight_speed_std"
	KeyWeightCongestion    = "weight_congestion_frequency"
	KeyWindowPoints        = "window_points"
	KeyZThreshold          = "z_threshold"
	KeyDirection           = "direction"
	KeyMaxGapMinutes       = "max_gap_minutes"
	KeyMinEventPoints      = "min_event_points"
	KeyRadiusMeters        = "radius_meters"
	KeyMaxSegments         = "max_segments"
	KeyBaselineWindow      = "baseline_window_minutes"
	KeyRecoveryHorizon     = "recovery_horizon_minutes"
	KeyRecoveryRatio       = "recovery_ratio"
	KeySpeedWeighting      = "speed_weighting"
	KeyEndTimeFallback     = "end_time_fallback_minutes"
	KeyMinBaselinePoints   = "min_baseline_points"
)

// OverrideKeys returns every override key in declaration order.
func OverrideKeys() []string {
	return []string{
		KeyCongestionThreshold, KeyMinSamples, KeyWeightMeanSpeed, KeyWeightSpeedStd,
		KeyWeightCongestion, KeyWindowPoints, KeyZThreshold, KeyDirection,
		KeyMaxGapMinutes, KeyMinEventPoints, KeyRadiusMeters, KeyMaxSegments,
		KeyBaselineWindow, KeyRecoveryHorizon, KeyRecoveryRatio, KeySpeedWeighting,
		KeyEndTimeFallback, KeyMinBaselinePoints,
	}
}

// Weights are the reliability score weights.
type Weights struct {
	MeanSpeed           float64 `json:"mean_speed"`
	SpeedStd            float64 `json:"speed_std"`
	CongestionFrequency float64 `json:"congestion_frequency"`
}

// Normalized scales the weights to sum to one. Negative weights count as
// zero; if nothing positive is left every weight becomes 1/3.
func (w Weights) Normalized() Weights {
	a, b, c := math.Max(w.MeanSpeed, 0), math.Max(w.SpeedStd, 0), math.Max(w.CongestionFrequency, 0)
	sum := a + b + c
	if !(sum > 0) || math.IsInf(sum, 0) {
		return Weights{MeanSpeed: 1.0 / 3, SpeedStd: 1.0 / 3, CongestionFrequency: 1.0 / 3}
	}
	return Weights{MeanSpeed: a / sum, SpeedStd: b / sum, CongestionFrequency: c / sum}
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	return w.MeanSpeed + w.SpeedStd + w.CongestionFrequency
}

// Config is a fully populated analytics configuration. Build one per request
// with Resolve or ConfigBuilder.
type Config struct {
	// Reliability.
	CongestionSpeedThresholdKPH float64
	MinSamples                  int
	Weights                     Weights

	// Anomaly detection.
	WindowPoints   int
	ZThreshold     float64
	Direction      Direction
	MaxGap         time.Duration
	MinEventPoints int // also the minimum event-window size for impact

	// Event impact.
	RadiusMeters      float64
	MaxSegments       int
	BaselineWindow    time.Duration
	RecoveryHorizon   time.Duration
	RecoveryRatio     float64
	SpeedWeighting    SpeedWeighting
	EndTimeFallback   time.Duration
	MinBaselinePoints int
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		CongestionSpeedThresholdKPH: 40,
		MinSamples:                  12,
		Weights:                     Weights{MeanSpeed: 1.0 / 3, SpeedStd: 1.0 / 3, CongestionFrequency: 1.0 / 3},
		WindowPoints:                12,
		ZThreshold:                  2.5,
		Direction:                   DirectionBelow,
		MaxGap:                      15 * time.Minute,
		MinEventPoints:              2,
		RadiusMeters:                1000,
		MaxSegments:                 10,
		BaselineWindow:              60 * time.Minute,
		RecoveryHorizon:             120 * time.Minute,
		RecoveryRatio:               0.9,
		SpeedWeighting:              WeightingEqual,
		EndTimeFallback:             60 * time.Minute,
		MinBaselinePoints:           5,
	}
}

// Validate checks every field against its domain and returns the first
// violation as a *ConfigurationError.
func (c Config) Validate() error {
	checks := []error{
		positive(KeyCongestionThreshold, c.CongestionSpeedThresholdKPH),
		atLeast(KeyMinSamples, c.MinSamples, 1),
		nonNegative(KeyWeightMeanSpeed, c.Weights.MeanSpeed),
		nonNegative(KeyWeightSpeedStd, c.Weights.SpeedStd),
		nonNegative(KeyWeightCongestion, c.Weights.CongestionFrequency),
		atLeast(KeyWindowPoints, c.WindowPoints, 2),
		positive(KeyZThreshold, c.ZThreshold),
		checkDirection(c.Direction),
		nonNegative(KeyMaxGapMinutes, c.MaxGap.Minutes()),
		atLeast(KeyMinEventPoints, c.MinEventPoints, 1),
		positive(KeyRadiusMeters, c.RadiusMeters),
		atLeast(KeyMaxSegments, c.MaxSegments, 1),
		positive(KeyBaselineWindow, c.BaselineWindow.Minutes()),
		nonNegative(KeyRecoveryHorizon, c.RecoveryHorizon.Minutes()),
		checkRatio(c.RecoveryRatio),
		checkWeighting(c.SpeedWeighting),
		positive(KeyEndTimeFallback, c.EndTimeFallback.Minutes()),
		atLeast(KeyMinBaselinePoints, c.MinBaselinePoints, 1),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	return nil
}

// Overrides is a partial configuration supplied with a request. Nil fields
// keep the default. Durations are expressed in minutes.
type Overrides struct {
	CongestionSpeedThresholdKPH *float64        `json:"congestion_speed_threshold_kph,omitempty"`
	MinSamples                  *int            `json:"min_samples,omitempty"`
	WeightMeanSpeed             *float64        `json:"weight_mean_speed,omitempty"`
	WeightSpeedStd              *float64        `json:"weight_speed_std,omitempty"`
	WeightCongestionFrequency   *float64        `json:"weight_congestion_frequency,omitempty"`
	WindowPoints                *int            `json:"window_points,omitempty"`
	ZThreshold                  *float64        `json:"z_threshold,omitempty"`
	Direction                   *Direction      `json:"direction,omitempty"`
	MaxGapMinutes               *float64        `json:"max_gap_minutes,omitempty"`
	MinEventPoints              *int            `json:"min_event_points,omitempty"`
	RadiusMeters                *float64        `json:"radius_meters,omitempty"`
	MaxSegments                 *int            `json:"max_segments,omitempty"`
	BaselineWindowMinutes       *float64        `json:"baseline_window_minutes,omitempty"`
	RecoveryHorizonMinutes      *float64        `json:"recovery_horizon_minutes,omitempty"`
	RecoveryRatio               *float64        `json:"recovery_ratio,omitempty"`
	SpeedWeighting              *SpeedWeighting `json:"speed_weighting,omitempty"`
	EndTimeFallbackMinutes      *float64        `json:"end_time_fallback_minutes,omitempty"`
	MinBaselinePoints           *int            `json:"min_baseline_points,omitempty"`
}

// ConfigBuilder merges overrides onto defaults. The first invalid override
// is kept and returned by Build.
type ConfigBuilder struct {
	cfg Config
	err error
}

// NewConfigBuilder starts from a copy of defaults.
func NewConfigBuilder(defaults Config) *ConfigBuilder {
	return &ConfigBuilder{cfg: defaults}
}

// Apply merges the non-nil fields of o.
func (b *ConfigBuilder) Apply(o Overrides) *ConfigBuilder {
	b.setFloat(o.CongestionSpeedThresholdKPH, KeyCongestionThreshold, positive, &b.cfg.CongestionSpeedThresholdKPH)
	b.setInt(o.MinSamples, KeyMinSamples, 1, &b.cfg.MinSamples)
	b.setFloat(o.WeightMeanSpeed, KeyWeightMeanSpeed, nonNegative, &b.cfg.Weights.MeanSpeed)
	b.setFloat(o.WeightSpeedStd, KeyWeightSpeedStd, nonNegative, &b.cfg.Weights.SpeedStd)
	b.setFloat(o.WeightCongestionFrequency, KeyWeightCongestion, nonNegative, &b.cfg.Weights.CongestionFrequency)
	b.setInt(o.WindowPoints, KeyWindowPoints, 2, &b.cfg.WindowPoints)
	b.setFloat(o.ZThreshold, KeyZThreshold, positive, &b.cfg.ZThreshold)
	if o.Direction != nil && b.err == nil {
		b.err = checkDirection(*o.Direction)
		b.cfg.Direction = *o.Direction
	}
	b.setMinutes(o.MaxGapMinutes, KeyMaxGapMinutes, nonNegative, &b.cfg.MaxGap)
	b.setInt(o.MinEventPoints, KeyMinEventPoints, 1, &b.cfg.MinEventPoints)
	b.setFloat(o.RadiusMeters, KeyRadiusMeters, positive, &b.cfg.RadiusMeters)
	b.setInt(o.MaxSegments, KeyMaxSegments, 1, &b.cfg.MaxSegments)
	b.setMinutes(o.BaselineWindowMinutes, KeyBaselineWindow, positive, &b.cfg.BaselineWindow)
	b.setMinutes(o.RecoveryHorizonMinutes, KeyRecoveryHorizon, nonNegative, &b.cfg.RecoveryHorizon)
	if o.RecoveryRatio != nil && b.err == nil {
		b.err = checkRatio(*o.RecoveryRatio)
		b.cfg.RecoveryRatio = *o.RecoveryRatio
	}
	if o.SpeedWeighting != nil && b.err == nil {
		b.err = checkWeighting(*o.SpeedWeighting)
		b.cfg.SpeedWeighting = *o.SpeedWeighting
	}
	b.setMinutes(o.EndTimeFallbackMinutes, KeyEndTimeFallback, positive, &b.cfg.EndTimeFallback)
	b.setInt(o.MinBaselinePoints, KeyMinBaselinePoints, 1, &b.cfg.MinBaselinePoints)
	return b
}

// Build validates the merged configuration and normalises the weights.
func (b *ConfigBuilder) Build() (Config, error) {
	if b.err != nil {
		return Config{}, b.err
	}
	if err := b.cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg := b.cfg
	cfg.Weights = cfg.Weights.Normalized()
	return cfg, nil
}

// Resolve merges o (may be nil) onto defaults and validates the result.
func Resolve(defaults Config, o *Overrides) (Config, error) {
	b := NewConfigBuilder(defaults)
	if o != nil {
		b.Apply(*o)
	}
	return b.Build()
}

func (b *ConfigBuilder) setFloat(v *float64, key string, check func(string, float64) error, dst *float64) {
	if v == nil || b.err != nil {
		return
	}
	if b.err = check(key, *v); b.err == nil {
		*dst = *v
	}
}

func (b *ConfigBuilder) setInt(v *int, key string, minimum int, dst *int) {
	if v == nil || b.err != nil {
		return
	}
	if b.err = atLeast(key, *v, minimum); b.err == nil {
		*dst = *v
	}
}

func (b *ConfigBuilder) setMinutes(v *float64, key string, check func(string, float64) error, dst *time.Duration) {
	if v == nil || b.err != nil {
		return
	}
	if b.err = check(key, *v); b.err != nil {
		return
	}
	if *v > maxMinutes {
		b.err = configErr(key, *v, "must be <= "+strconv.FormatFloat(maxMinutes, 'f', 0, 64))
		return
	}
	*dst = time.Duration(*v * float64(time.Minute))
}

// maxMinutes is the largest minute count a time.Duration can hold.
var maxMinutes = math.Floor(math.MaxInt64 / float64(time.Minute))

// OverridesFromQuery reads the override keys present in q. Keys listed in
// reserved belong to the caller and are skipped; any other unknown key or
// an unparsable value yields a *ConfigurationError.
func OverridesFromQuery(q url.Values, reserved ...string) (Overrides, error) {
	var o Overrides
	floats := map[string]**float64{
		KeyCongestionThreshold: &o.CongestionSpeedThresholdKPH,
		KeyWeightMeanSpeed:     &o.WeightMeanSpeed,
		KeyWeightSpeedStd:      &o.WeightSpeedStd,
		KeyWeightCongestion:    &o.WeightCongestionFrequency,
		KeyZThreshold:          &o.ZThreshold,
		KeyMaxGapMinutes:       &o.MaxGapMinutes,
		KeyRadiusMeters:        &o.RadiusMeters,
		KeyBaselineWindow:      &o.BaselineWindowMinutes,
		KeyRecoveryHorizon:     &o.RecoveryHorizonMinutes,
		KeyRecoveryRatio:       &o.RecoveryRatio,
		KeyEndTimeFallback:     &o.EndTimeFallbackMinutes,
	}
	ints := map[string]**int{
		KeyMinSamples:        &o.MinSamples,
		KeyWindowPoints:      &o.WindowPoints,
		KeyMinEventPoints:    &o.MinEventPoints,
		KeyMaxSegments:       &o.MaxSegments,
		KeyMinBaselinePoints: &o.MinBaselinePoints,
	}

	keys := make([]string, 0, len(q))
	for key := range q {
		if !slices.Contains(reserved, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		raw, ok := lookup(q, key)
		if !ok {
			continue
		}
		if dst, ok := floats[key]; ok {
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return Overrides{}, configErr(key, raw, "must be a number")
			}
			*dst = &f
			continue
		}
		if dst, ok := ints[key]; ok {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return Overrides{}, configErr(key, raw, "must be an integer")
			}
			*dst = &n
			continue
		}
		switch key {
		case KeyDirection:
			d := Direction(raw)
			o.Direction = &d
		case KeySpeedWeighting:
			w := SpeedWeighting(raw)
			o.SpeedWeighting = &w
		default:
			return Overrides{}, configErr(key, raw, ReasonUnknownSetting)
		}
	}
	return o, nil
}

func lookup(q url.Values, key string) (string, bool) {
	vs, ok := q[key]
	if !ok || len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

func positive(key string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return configErr(key, v, "must be finite")
	}
	if v <= 0 {
		return configErr(key, v, "must be > 0")
	}
	return nil
}

func nonNegative(key string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return configErr(key, v, "must be finite")
	}
	if v < 0 {
		return configErr(key, v, "must be >= 0")
	}
	return nil
}

func atLeast(key string, v, minimum int) error {
	if v < minimum {
		return configErr(key, v, "must be >= "+strconv.Itoa(minimum))
	}
	return nil
}

func checkRatio(v float64) error {
	if err := positive(KeyRecoveryRatio, v); err != nil {
		return err
	}
	if v > 1 {
		return configErr(KeyRecoveryRatio, v, "must be <= 1")
	}
	return nil
}

func checkDirection(d Direction) error {
	switch d {
	case DirectionBelow, DirectionAbove, DirectionBoth:
		return nil
	}
	return configErr(KeyDirection, string(d), "must be one of below, above, both")
}

func checkWeighting(w SpeedWeighting) error {
	switch w {
	case WeightingEqual, WeightingVolume:
		return nil
	}
	return configErr(KeySpeedWeighting, string(w), "must be one of equal, volume_weighted")
}

// Package overload decides when a GPU fleet counts as overloaded.
//
// Policies are chosen and parameterized once at construction; evaluation is
// pure and never consults configuration again. Invalid configuration fails
// in NewEvaluator, not at evaluation time.
package overload

import "fmt"

// Policy names accepted in configuration.
const (
	PolicyNone  = "none"
	PolicyFixed = "fixed"
	PolicyRate  = "rate"
)

// MemorySample is one device's instantaneous memory reading in MiB.
// Total == -1 and Free == -1 is the sentinel for an unreadable device,
// which every memory policy treats as maximal overload.
type MemorySample struct {
	Total int64 `json:"total"`
	Free  int64 `json:"free"`
}

// Unreadable reports whether the sample carries the unknown-value sentinel.
func (s MemorySample) Unreadable() bool {
	return s.Total < 0 || s.Free < 0
}

// Decision is the outcome of one policy evaluation over a full sweep.
type Decision struct {
	Memory     bool
	Encoder    bool
	Decoder    bool
	Overloaded bool
}

type memoryPredicate func(map[int]MemorySample) bool

type utilPredicate func(map[int]int) bool

// Evaluator holds the composed policy predicates. Immutable after
// construction.
type Evaluator struct {
	memory  memoryPredicate
	encoder utilPredicate
	decoder utilPredicate
}

// Config selects and parameterizes the three overload policies.
type Config struct {
	MemoryPolicy        string  // none | fixed | rate
	MemoryMinFreeMiB    int64   // fixed: overload when free < this
	MemoryHighWatermark float64 // rate: overload when used/total > this

	EncoderPolicy        string  // none | rate
	EncoderHighWatermark float64 // rate: overload when smoothed% > this*100

	DecoderPolicy        string  // none | rate
	DecoderHighWatermark float64
}

// NewEvaluator composes the policy predicates from cfg. Any unknown policy
// name or out-of-range threshold is rejected here.
func NewEvaluator(cfg Config) (*Evaluator, error) {
	mem, err := memoryPolicy(cfg)
	if err != nil {
		return nil, err
	}
	enc, err := utilPolicy("encoder", cfg.EncoderPolicy, cfg.EncoderHighWatermark)
	if err != nil {
		return nil, err
	}
	dec, err := utilPolicy("decoder", cfg.DecoderPolicy, cfg.DecoderHighWatermark)
	if err != nil {
		return nil, err
	}
	return &Evaluator{memory: mem, encoder: enc, decoder: dec}, nil
}

// Evaluate runs all three predicates over one sweep's samples. The fleet is
// overloaded when any single dimension trips its threshold.
func (e *Evaluator) Evaluate(mem map[int]MemorySample, enc, dec map[int]int) Decision {
	d := Decision{
		Memory:  e.memory(mem),
		Encoder: e.encoder(enc),
		Decoder: e.decoder(dec),
	}
	d.Overloaded = d.Memory || d.Encoder || d.Decoder
	return d
}

func memoryPolicy(cfg Config) (memoryPredicate, error) {
	switch cfg.MemoryPolicy {
	case PolicyNone:
		return anyMemory(func(MemorySample) bool { return false }), nil

	case PolicyFixed:
		minFree := cfg.MemoryMinFreeMiB
		if minFree <= 0 {
			return nil, fmt.Errorf("overload: fixed memory policy needs a positive min-free threshold, got %d", minFree)
		}
		return anyMemory(func(s MemorySample) bool { return s.Free < minFree }), nil

	case PolicyRate:
		wm := cfg.MemoryHighWatermark
		if wm <= 0 || wm >= 1 {
			return nil, fmt.Errorf("overload: memory high watermark must be in (0,1) exclusive, got %v", wm)
		}
		return anyMemory(func(s MemorySample) bool {
			used := s.Total - s.Free
			return float64(used)/float64(s.Total) > wm
		}), nil

	default:
		return nil, fmt.Errorf("overload: unknown memory policy %q", cfg.MemoryPolicy)
	}
}

// anyMemory lifts a per-device check into a sweep-wide predicate. The
// unreadable sentinel overloads regardless of the configured policy.
func anyMemory(check func(MemorySample) bool) memoryPredicate {
	return func(samples map[int]MemorySample) bool {
		for _, s := range samples {
			if s.Unreadable() || check(s) {
				return true
			}
		}
		return false
	}
}

func utilPolicy(metric, name string, watermark float64) (utilPredicate, error) {
	switch name {
	case PolicyNone:
		return func(map[int]int) bool { return false }, nil

	case PolicyRate:
		if watermark <= 0 || watermark >= 1 {
			return nil, fmt.Errorf("overload: %s high watermark must be in (0,1) exclusive, got %v", metric, watermark)
		}
		limit := watermark * 100
		return func(smoothed map[int]int) bool {
			for _, pct := range smoothed {
				if float64(pct) > limit {
					return true
				}
			}
			return false
		}, nil

	default:
		return nil, fmt.Errorf("overload: unknown %s policy %q", metric, name)
	}
}

package m2m

import (
	"fmt"
	"strconv"
	"strings"
)

// Rational is a fraction used for frame rates and time bases.
type Rational struct {
	Num int64
	Den int64
}

// Valid reports whether r is a positive fraction.
func (r Rational) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

// Mul returns r*o reduced to lowest terms.
func (r Rational) Mul(o Rational) Rational {
	return Rational{Num: r.Num * o.Num, Den: r.Den * o.Den}.reduce()
}

// Float64 returns r as a float, or 0 for an invalid fraction.
func (r Rational) Float64() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// ParseRational parses "N" or "N/D", e.g. "25" or "30000/1001".
func ParseRational(s string) (Rational, error) {
	num, den, found := strings.Cut(strings.TrimSpace(s), "/")
	r := Rational{Den: 1}
	var err error
	if r.Num, err = strconv.ParseInt(num, 10, 64); err != nil {
		return Rational{}, fmt.Errorf("invalid rational %q: %w", s, err)
	}
	if found {
		if r.Den, err = strconv.ParseInt(den, 10, 64); err != nil {
			return Rational{}, fmt.Errorf("invalid rational %q: %w", s, err)
		}
	}
	if !r.Valid() {
		return Rational{}, fmt.Errorf("invalid rational %q: must be positive", s)
	}
	return r, nil
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

func (r Rational) reduce() Rational {
	a, b := r.Num, r.Den
	if a < 0 {
		a = -a
	}
	if b < 0 {
		b = -b
	}
	for b != 0 {
		a, b = b, a%b
	}
	if a <= 1 {
		return r
	}
	return Rational{Num: r.Num / a, Den: r.Den / a}
}

// StreamTiming is the frame rate and time base of a stream.
type StreamTiming struct {
	FrameRate Rational
	TimeBase  Rational
}

// FrameDuration is the length of one frame in time-base ticks, or 0 when the
// timing is unknown.
func (t StreamTiming) FrameDuration() int64 {
	if !t.FrameRate.Valid() || !t.TimeBase.Valid() {
		return 0
	}
	// (1/frameRate) / timeBase
	num := t.FrameRate.Den * t.TimeBase.Den
	den := t.FrameRate.Num * t.TimeBase.Num
	return (num + den/2) / den
}

// Doubled is the timing of a stream emitting one frame per field: twice the
// frame rate, half the time base.
func (t StreamTiming) Doubled() StreamTiming {
	out := t
	if t.FrameRate.Valid() {
		out.FrameRate = t.FrameRate.Mul(Rational{Num: 2, Den: 1})
	}
	if t.TimeBase.Valid() {
		out.TimeBase = t.TimeBase.Mul(Rational{Num: 1, Den: 2})
	}
	return out
}

// Package transcription synchronizes transcript emission with audio
// playback. SpeakingRateData models how many characters have been spoken by
// a given playback time, either from a piecewise-constant rate estimate or
// from provider word timestamps; the synchronizer drains transcript text at
// exactly that pace.
package transcription

import (
	"sort"
	"sync"
)

// ratePoint is one sample of the cumulative characters-spoken integral.
type ratePoint struct {
	time     float64 // seconds since segment start
	rate     float64 // characters per second from this point on
	integral float64 // characters spoken up to time
}

// SpeakingRateData tracks cumulative characters spoken versus wall-clock in
// two modes: rate-based (AddByRate) and annotation-based (AddByAnnotation).
// Both append to one shared timeline, so an instance seeded by rate can
// later be paced by annotations.
//
// Safe for concurrent use.
type SpeakingRateData struct {
	mu     sync.Mutex
	points []ratePoint

	// annotation-mode buffer: characters whose timestamps are not yet known.
	pendingChars int
	pendingStart float64
	havePending  bool
}

// NewSpeakingRateData creates an empty tracker.
func NewSpeakingRateData() *SpeakingRateData {
	return &SpeakingRateData{}
}

// AddByRate pushes a piecewise-constant speaking rate (characters/second)
// taking effect at time t (seconds). Samples must arrive in non-decreasing
// time order.
func (s *SpeakingRateData) AddByRate(t, rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.push(t, rate)
}

// AddByAnnotation feeds text with optional provider timestamps. Characters
// arriving without timestamps are buffered; once a fragment with a known
// end time arrives, the buffered run is emitted as one segment with its
// computed rate.
//
// startTime and endTime are seconds since segment start; pass a negative
// value for "unknown".
func (s *SpeakingRateData) AddByAnnotation(text string, startTime, endTime float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len([]rune(text))
	if endTime < 0 {
		// No timestamp yet: buffer and wait.
		if !s.havePending {
			s.havePending = true
			if startTime >= 0 {
				s.pendingStart = startTime
			} else {
				s.pendingStart = s.lastTime()
			}
		}
		s.pendingChars += n
		return
	}

	start := s.pendingStart
	if !s.havePending {
		if startTime >= 0 {
			start = startTime
		} else {
			start = s.lastTime()
		}
	}
	chars := s.pendingChars + n
	s.pendingChars = 0
	s.havePending = false

	span := endTime - start
	if span <= 0 {
		// Degenerate segment: attribute all characters instantaneously by
		// bumping the integral at endTime.
		s.push(start, 0)
		s.bumpIntegral(endTime, float64(chars))
		return
	}
	s.push(start, float64(chars)/span)
	s.push(endTime, 0)
}

// push appends a rate sample at time t, computing the running integral.
// Must be called with s.mu held.
func (s *SpeakingRateData) push(t, rate float64) {
	last := s.last()
	if t < last.time {
		t = last.time
	}
	integral := last.integral + last.rate*(t-last.time)
	s.points = append(s.points, ratePoint{time: t, rate: rate, integral: integral})
}

// bumpIntegral records an instantaneous character jump at time t.
// Must be called with s.mu held.
func (s *SpeakingRateData) bumpIntegral(t, chars float64) {
	last := s.last()
	if t < last.time {
		t = last.time
	}
	s.points = append(s.points, ratePoint{time: t, rate: 0, integral: last.integral + chars})
}

func (s *SpeakingRateData) last() ratePoint {
	if len(s.points) == 0 {
		return ratePoint{}
	}
	return s.points[len(s.points)-1]
}

func (s *SpeakingRateData) lastTime() float64 {
	return s.last().time
}

// AccumulateTo returns the number of characters that should have been
// emitted by playback time t (seconds). The result is monotonic
// non-decreasing in t and bounded above by the last sample's integral plus
// its rate extrapolation.
func (s *SpeakingRateData) AccumulateTo(t float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.points) == 0 {
		return 0
	}
	// First sample strictly after t.
	idx := sort.Search(len(s.points), func(i int) bool {
		return s.points[i].time > t
	})
	if idx == 0 {
		return 0
	}
	p := s.points[idx-1]
	acc := p.integral + p.rate*(t-p.time)
	// Never report past the next known integral.
	if idx < len(s.points) && acc > s.points[idx].integral {
		acc = s.points[idx].integral
	}
	return acc
}

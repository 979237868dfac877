// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package autoscaler implements demand prediction, the scaling
// controller, the pre-warm pool, cost optimization and scaling
// analytics, coordinated by a per-minute orchestration loop.
package autoscaler

import (
	"math"
	"sync"
	"time"

	"github.com/abcxyz/github-runnerhub/pkg/runnerhub"
)

const (
	// seasonalPeriod is one day of per-minute samples.
	seasonalPeriod = 1440

	// smoothing coefficients for level, trend and seasonality.
	alphaLevel    = 0.3
	betaTrend     = 0.1
	gammaSeasonal = 0.1

	// arimaWindow is how many recent samples feed the AR fit.
	arimaWindow = 200

	// anomalyWindow is the trailing sample count for 3-sigma detection.
	anomalyWindow = 100

	// blend weights: exponential smoothing, ARIMA, daily pattern.
	weightSmooth  = 0.4
	weightARIMA   = 0.4
	weightPattern = 0.2
)

// series is the per-repository prediction state.
type series struct {
	level    float64
	trend    float64
	seasonal [seasonalPeriod]float64
	seeded   bool

	recent  []float64 // trailing window, newest last, cap arimaWindow
	samples int

	// realized MAPE per horizon, fed back by analytics
	mape map[runnerhub.PredictionHorizon]float64
}

// Predictor maintains demand forecasts per repository from the per-minute
// sample stream.
type Predictor struct {
	mu     sync.Mutex
	series map[string]*series
	bus    *runnerhub.Bus
	now    func() time.Time
}

// NewPredictor creates an empty predictor publishing anomalies on the bus.
func NewPredictor(bus *runnerhub.Bus) *Predictor {
	return &Predictor{
		series: make(map[string]*series),
		bus:    bus,
		now:    time.Now,
	}
}

func (p *Predictor) get(repo string) *series {
	s, ok := p.series[repo]
	if !ok {
		s = &series{mape: make(map[runnerhub.PredictionHorizon]float64)}
		p.series[repo] = s
	}
	return s
}

// Observe ingests one per-minute queued-jobs sample and reports whether it
// is anomalous against the trailing window. The anomaly is also published
// as an event.
func (p *Predictor) Observe(repo string, value float64, at time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.get(repo)
	idx := minuteOfDay(at)

	anomalous := false
	if len(s.recent) >= anomalyWindow {
		mu, sigma := meanStddev(s.recent[len(s.recent)-anomalyWindow:])
		if sigma > 0 && math.Abs(value-mu) > 3*sigma {
			anomalous = true
		}
	}

	if !s.seeded {
		s.level = value
		s.trend = 0
		s.seeded = true
	} else {
		prevLevel := s.level
		s.level = alphaLevel*(value-s.seasonal[idx]) + (1-alphaLevel)*(s.level+s.trend)
		s.trend = betaTrend*(s.level-prevLevel) + (1-betaTrend)*s.trend
		s.seasonal[idx] = gammaSeasonal*(value-s.level) + (1-gammaSeasonal)*s.seasonal[idx]
	}

	s.recent = append(s.recent, value)
	if len(s.recent) > arimaWindow {
		s.recent = s.recent[len(s.recent)-arimaWindow:]
	}
	s.samples++

	if anomalous {
		p.bus.Publish(runnerhub.Event{
			Kind:       runnerhub.EventAnomalyDetected,
			Repository: repo,
			Detail:     "queued jobs outside 3-sigma band",
		})
	}
	return anomalous
}

// SetAccuracy feeds the realized MAPE for a horizon back into the
// confidence calculation.
func (p *Predictor) SetAccuracy(repo string, horizon runnerhub.PredictionHorizon, mape float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.get(repo).mape[horizon] = mape
}

// Forecast produces the demand prediction for one horizon: a weighted
// blend of the smoothed trend, the AR fit and the daily pattern, bounded
// by the trailing two-sigma band.
func (p *Predictor) Forecast(repo string, horizon runnerhub.PredictionHorizon) *runnerhub.Prediction {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.get(repo)
	now := p.now().UTC()
	steps := int(runnerhub.HorizonDuration(horizon) / time.Minute)
	idx := (minuteOfDay(now) + steps) % seasonalPeriod

	smooth := s.level + float64(steps)*s.trend + s.seasonal[idx]
	arima := s.arimaForecast(steps)
	pattern := s.patternForecast(idx)

	expected := weightSmooth*smooth + weightARIMA*arima + weightPattern*pattern
	if expected < 0 {
		expected = 0
	}

	mu, sigma := meanStddev(s.recent)
	lower := mu - 2*sigma
	if lower < 0 {
		lower = 0
	}

	return &runnerhub.Prediction{
		IssuedAt:     now,
		Repository:   repo,
		Horizon:      horizon,
		ExpectedJobs: expected,
		LowerBound:   lower,
		UpperBound:   mu + 2*sigma,
		Confidence:   s.confidence(horizon),
	}
}

// ForecastAll produces all three horizons in one pass.
func (p *Predictor) ForecastAll(repo string) []*runnerhub.Prediction {
	horizons := []runnerhub.PredictionHorizon{
		runnerhub.HorizonShort, runnerhub.HorizonMedium, runnerhub.HorizonLong,
	}
	out := make([]*runnerhub.Prediction, 0, len(horizons))
	for _, h := range horizons {
		out = append(out, p.Forecast(repo, h))
	}
	return out
}

// arimaForecast is a simplified ARIMA(2,1,2): an AR(2) least-squares fit
// over the once-differenced trailing window, with the residual mean
// standing in for the MA terms. With too little history it degrades to a
// plain moving average.
func (s *series) arimaForecast(steps int) float64 {
	if len(s.recent) < 30 {
		return movingAverage(s.recent, 20)
	}

	diffs := make([]float64, len(s.recent)-1)
	for i := 1; i < len(s.recent); i++ {
		diffs[i-1] = s.recent[i] - s.recent[i-1]
	}

	phi1, phi2, ok := fitAR2(diffs)
	if !ok {
		return movingAverage(s.recent, 20)
	}

	// mean residual approximates the MA contribution
	var resid float64
	for i := 2; i < len(diffs); i++ {
		resid += diffs[i] - phi1*diffs[i-1] - phi2*diffs[i-2]
	}
	resid /= float64(len(diffs) - 2)

	last := s.recent[len(s.recent)-1]
	d1 := diffs[len(diffs)-1]
	d2 := diffs[len(diffs)-2]
	forecast := last
	for i := 0; i < steps; i++ {
		d := phi1*d1 + phi2*d2 + resid
		forecast += d
		d2, d1 = d1, d
	}
	if forecast < 0 {
		forecast = 0
	}
	return forecast
}

// fitAR2 solves the two-coefficient least-squares system for an AR(2)
// model. Returns ok=false when the normal equations are singular.
func fitAR2(x []float64) (float64, float64, bool) {
	n := len(x)
	if n < 5 {
		return 0, 0, false
	}
	var s11, s12, s22, b1, b2 float64
	for i := 2; i < n; i++ {
		s11 += x[i-1] * x[i-1]
		s12 += x[i-1] * x[i-2]
		s22 += x[i-2] * x[i-2]
		b1 += x[i] * x[i-1]
		b2 += x[i] * x[i-2]
	}
	det := s11*s22 - s12*s12
	if math.Abs(det) < 1e-9 {
		return 0, 0, false
	}
	phi1 := (b1*s22 - b2*s12) / det
	phi2 := (b2*s11 - b1*s12) / det

	// clip away explosive fits
	if math.Abs(phi1) > 2 || math.Abs(phi2) > 1 {
		return 0, 0, false
	}
	return phi1, phi2, true
}

// patternForecast is the stored daily-seasonal value around the target
// minute, anchored at the smoothed level.
func (s *series) patternForecast(idx int) float64 {
	v := s.level + s.seasonal[idx]
	if v < 0 {
		return 0
	}
	return v
}

// confidence derives forecast confidence from realized accuracy: 1-MAPE
// clamped to [0.1, 0.99]. Until analytics reports accuracy, confidence
// grows with sample coverage up to a neutral 0.5.
func (s *series) confidence(horizon runnerhub.PredictionHorizon) float64 {
	if mape, ok := s.mape[horizon]; ok {
		c := 1 - mape
		if c < 0.1 {
			return 0.1
		}
		if c > 0.99 {
			return 0.99
		}
		return c
	}
	c := 0.5 * float64(s.samples) / float64(anomalyWindow)
	if c > 0.5 {
		return 0.5
	}
	return c
}

func minuteOfDay(t time.Time) int {
	t = t.UTC()
	return t.Hour()*60 + t.Minute()
}

func meanStddev(x []float64) (float64, float64) {
	if len(x) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range x {
		sum += v
	}
	mu := sum / float64(len(x))
	var ss float64
	for _, v := range x {
		ss += (v - mu) * (v - mu)
	}
	return mu, math.Sqrt(ss / float64(len(x)))
}

func movingAverage(x []float64, window int) float64 {
	if len(x) == 0 {
		return 0
	}
	if len(x) > window {
		x = x[len(x)-window:]
	}
	var sum float64
	for _, v := range x {
		sum += v
	}
	return sum / float64(len(x))
}

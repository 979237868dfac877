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

package autoscaler

import (
	"testing"
	"time"

	"github.com/abcxyz/github-runnerhub/pkg/runnerhub"
)

func TestPredictor_ForecastTracksLevel(t *testing.T) {
	t.Parallel()

	p := NewPredictor(runnerhub.NewBus())
	at := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 120; i++ {
		p.Observe("org/repo", 10, at.Add(time.Duration(i)*time.Minute))
	}

	pred := p.Forecast("org/repo", runnerhub.HorizonShort)
	if pred.ExpectedJobs < 5 || pred.ExpectedJobs > 15 {
		t.Errorf("expected_jobs = %.2f, want near 10", pred.ExpectedJobs)
	}
	if pred.LowerBound < 0 {
		t.Errorf("lower_bound = %.2f, want >= 0", pred.LowerBound)
	}
	if pred.UpperBound < pred.LowerBound {
		t.Errorf("upper_bound %.2f below lower_bound %.2f", pred.UpperBound, pred.LowerBound)
	}
}

func TestPredictor_RisingTrend(t *testing.T) {
	t.Parallel()

	p := NewPredictor(runnerhub.NewBus())
	at := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 150; i++ {
		p.Observe("org/repo", float64(i), at.Add(time.Duration(i)*time.Minute))
	}

	short := p.Forecast("org/repo", runnerhub.HorizonShort)
	if short.ExpectedJobs <= 100 {
		t.Errorf("short forecast = %.2f, want above last observed level on a rising series", short.ExpectedJobs)
	}
}

func TestPredictor_AnomalyDetection(t *testing.T) {
	t.Parallel()

	bus := runnerhub.NewBus()
	events := bus.Subscribe(runnerhub.EventAnomalyDetected)
	p := NewPredictor(bus)

	at := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	// stable series with slight jitter so sigma is nonzero
	for i := 0; i < anomalyWindow+10; i++ {
		v := 10.0
		if i%2 == 0 {
			v = 11.0
		}
		if got := p.Observe("org/repo", v, at.Add(time.Duration(i)*time.Minute)); got {
			t.Fatalf("sample %d flagged anomalous", i)
		}
	}

	if !p.Observe("org/repo", 500, at.Add(200*time.Minute)) {
		t.Fatal("spike not flagged anomalous")
	}
	select {
	case ev := <-events:
		if got, want := ev.Repository, "org/repo"; got != want {
			t.Errorf("event repo = %q, want %q", got, want)
		}
	default:
		t.Error("no anomaly event published")
	}
}

func TestPredictor_ConfidenceFromAccuracy(t *testing.T) {
	t.Parallel()

	p := NewPredictor(runnerhub.NewBus())
	at := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		p.Observe("org/repo", 5, at.Add(time.Duration(i)*time.Minute))
	}

	// sparse history caps confidence below neutral
	if c := p.Forecast("org/repo", runnerhub.HorizonShort).Confidence; c > 0.5 {
		t.Errorf("cold-start confidence = %.2f, want <= 0.5", c)
	}

	p.SetAccuracy("org/repo", runnerhub.HorizonShort, 0.1)
	if got, want := p.Forecast("org/repo", runnerhub.HorizonShort).Confidence, 0.9; got != want {
		t.Errorf("confidence = %.2f, want %.2f", got, want)
	}

	// terrible accuracy floors at 0.1
	p.SetAccuracy("org/repo", runnerhub.HorizonShort, 2.0)
	if got, want := p.Forecast("org/repo", runnerhub.HorizonShort).Confidence, 0.1; got != want {
		t.Errorf("floored confidence = %.2f, want %.2f", got, want)
	}
}

func TestPredictor_ForecastAllHorizons(t *testing.T) {
	t.Parallel()

	p := NewPredictor(runnerhub.NewBus())
	at := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		p.Observe("org/repo", 8, at.Add(time.Duration(i)*time.Minute))
	}

	preds := p.ForecastAll("org/repo")
	if got, want := len(preds), 3; got != want {
		t.Fatalf("predictions = %d, want %d", got, want)
	}
	seen := map[runnerhub.PredictionHorizon]bool{}
	for _, pred := range preds {
		seen[pred.Horizon] = true
		if pred.ExpectedJobs < 0 {
			t.Errorf("%s forecast negative: %.2f", pred.Horizon, pred.ExpectedJobs)
		}
	}
	for _, h := range []runnerhub.PredictionHorizon{runnerhub.HorizonShort, runnerhub.HorizonMedium, runnerhub.HorizonLong} {
		if !seen[h] {
			t.Errorf("missing horizon %s", h)
		}
	}
}

func TestFitAR2(t *testing.T) {
	t.Parallel()

	// AR(2) process x[i] = 0.5 x[i-1] + 0.2 x[i-2] + e[i] with a
	// deterministic excitation so the normal equations stay well posed
	x := make([]float64, 200)
	x[0], x[1] = 1, -1
	seed := uint64(42)
	for i := 2; i < len(x); i++ {
		seed = seed*6364136223846793005 + 1442695040888963407
		e := float64(int64(seed>>33))/float64(1<<30) - 1 // roughly [-1, 1]
		x[i] = 0.5*x[i-1] + 0.2*x[i-2] + e
	}
	phi1, phi2, ok := fitAR2(x)
	if !ok {
		t.Fatal("fit failed on a clean AR(2) series")
	}
	if phi1 < 0.2 || phi1 > 0.8 {
		t.Errorf("phi1 = %.3f, want near 0.5", phi1)
	}
	if phi2 < -0.1 || phi2 > 0.5 {
		t.Errorf("phi2 = %.3f, want near 0.2", phi2)
	}

	if _, _, ok := fitAR2([]float64{1, 2}); ok {
		t.Error("fit succeeded with insufficient data")
	}
	if _, _, ok := fitAR2(make([]float64, 50)); ok {
		t.Error("fit succeeded on an all-zero series")
	}
}

func TestMeanStddev(t *testing.T) {
	t.Parallel()

	mu, sigma := meanStddev([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if got, want := mu, 5.0; got != want {
		t.Errorf("mean = %.2f, want %.2f", got, want)
	}
	if got, want := sigma, 2.0; got != want {
		t.Errorf("stddev = %.2f, want %.2f", got, want)
	}

	if mu, sigma := meanStddev(nil); mu != 0 || sigma != 0 {
		t.Errorf("empty series = (%.2f, %.2f), want zeros", mu, sigma)
	}
}

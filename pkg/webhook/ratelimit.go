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

package webhook

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter enforces a token bucket per source IP. Entries idle beyond
// the eviction window are dropped to keep the map bounded.
type ipLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*ipBucket
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const ipEviction = 10 * time.Minute

func newIPLimiter(perMinute, burst int) *ipLimiter {
	return &ipLimiter{
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
		buckets: make(map[string]*ipBucket),
	}
}

// Allow reports whether a request from the remote address may proceed.
func (l *ipLimiter) Allow(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[host]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[host] = b
	}
	b.lastSeen = now

	if len(l.buckets) > 1024 {
		for k, v := range l.buckets {
			if now.Sub(v.lastSeen) > ipEviction {
				delete(l.buckets, k)
			}
		}
	}

	return b.limiter.Allow()
}

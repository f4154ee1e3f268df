// Copyright 2025 The Acteon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package executor

import (
	"math/rand/v2"
	"time"
)

// RetryStrategy computes the sleep before retry attempt n (0-based: the
// delay after the first failed attempt is DelayFor(0)).
type RetryStrategy interface {
	DelayFor(attempt int) time.Duration
}

// Constant sleeps the same delay between every attempt.
type Constant struct {
	Delay time.Duration
}

func (c Constant) DelayFor(int) time.Duration { return c.Delay }

// Exponential multiplies the delay each attempt, capped at Max. Jitter, in
// [0,1), scales each delay by a random factor in [1-j, 1+j].
type Exponential struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

func (e Exponential) DelayFor(attempt int) time.Duration {
	mult := e.Multiplier
	if mult <= 1 {
		mult = 2
	}
	d := float64(e.Initial)
	for i := 0; i < attempt; i++ {
		d *= mult
		if e.Max > 0 && d >= float64(e.Max) {
			d = float64(e.Max)
			break
		}
	}
	if e.Jitter > 0 {
		d *= 1 - e.Jitter + 2*e.Jitter*rand.Float64()
	}
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	return time.Duration(d)
}

// Fibonacci walks the Fibonacci sequence scaled by Initial, capped at Max.
type Fibonacci struct {
	Initial time.Duration
	Max     time.Duration
}

func (f Fibonacci) DelayFor(attempt int) time.Duration {
	a, b := int64(1), int64(1)
	for i := 0; i < attempt; i++ {
		a, b = b, a+b
	}
	d := time.Duration(a) * f.Initial
	if f.Max > 0 && d > f.Max {
		d = f.Max
	}
	return d
}

// Copyright 2025 PolicyPulse
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

package llm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// The health flag flips on every Complete outcome while the router polls
// IsHealthy from other goroutines, so the flag must be safe under the race
// detector.
func TestBedrockHealthFlagConcurrentAccess(t *testing.T) {
	p := &BedrockProvider{}
	p.healthy.Store(true)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(up bool) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				p.healthy.Store(up)
			}
		}(i%2 == 0)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = p.IsHealthy()
			}
		}()
	}
	wg.Wait()

	assert.NotPanics(t, func() { _ = p.IsHealthy() })
}

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

package compliance

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ViolationLocker serializes remediation per violation so two agent runs
// never act on the same violation at once. Redis SET NX with a TTL provides
// the lock across instances; without Redis it degrades to a process-local
// mutex table.
type ViolationLocker struct {
	client *redis.Client
	ttl    time.Duration

	mu    sync.Mutex
	local map[string]time.Time
}

// NewViolationLocker connects to Redis at redisURL. An empty URL or a failed
// connection yields a process-local locker.
func NewViolationLocker(redisURL string, ttl time.Duration) *ViolationLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	locker := &ViolationLocker{ttl: ttl, local: make(map[string]time.Time)}

	if redisURL == "" {
		return locker
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("[Locker] invalid Redis URL, using local locks: %v", err)
		return locker
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("[Locker] Redis unavailable, using local locks: %v", err)
		_ = client.Close()
		return locker
	}

	locker.client = client
	return locker
}

func lockKey(violationID string) string {
	return fmt.Sprintf("remediation_lock:%s", violationID)
}

// TryLock attempts to acquire the remediation lock for a violation.
// It returns false when another run already holds it.
func (vl *ViolationLocker) TryLock(ctx context.Context, violationID string) (bool, error) {
	if vl.client == nil {
		return vl.tryLockLocal(violationID), nil
	}

	ok, err := vl.client.SetNX(ctx, lockKey(violationID), "locked", vl.ttl).Result()
	if err != nil {
		// On Redis error fall back to the local table rather than
		// stalling remediation.
		log.Printf("[Locker] Redis SetNX failed for %s, using local lock: %v", violationID, err)
		return vl.tryLockLocal(violationID), nil
	}
	return ok, nil
}

// Unlock releases the lock. Safe to call for locks that already expired.
func (vl *ViolationLocker) Unlock(ctx context.Context, violationID string) {
	if vl.client != nil {
		if err := vl.client.Del(ctx, lockKey(violationID)).Err(); err != nil {
			log.Printf("[Locker] failed to release lock for %s: %v", violationID, err)
		}
	}
	vl.mu.Lock()
	delete(vl.local, violationID)
	vl.mu.Unlock()
}

// Close releases the Redis connection.
func (vl *ViolationLocker) Close() {
	if vl.client != nil {
		_ = vl.client.Close()
	}
}

func (vl *ViolationLocker) tryLockLocal(violationID string) bool {
	vl.mu.Lock()
	defer vl.mu.Unlock()

	if expiry, held := vl.local[violationID]; held && time.Now().Before(expiry) {
		return false
	}
	vl.local[violationID] = time.Now().Add(vl.ttl)
	return true
}

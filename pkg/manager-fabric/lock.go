/*
 * Copyright 2023 Hewlett Packard Enterprise Development LP
 * Other additional copyright holders may be indicated within.
 *
 * The entirety of this work is licensed under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 *
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package fabric

import "sync"

// sxLock is a shared/exclusive lock whose writer can downgrade to a
// shared holder without letting another writer in between. sync.RWMutex
// has no downgrade, and the routing sweep depends on one: port passes
// must resume during table programming while the tables stay pinned.
type sxLock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	readers int
	writer  bool
	waiting int // writers queued; blocks new readers
}

func newSxLock() *sxLock {
	l := &sxLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *sxLock) LockShared() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for l.writer || l.waiting > 0 {
		l.cond.Wait()
	}
	l.readers++
}

func (l *sxLock) UnlockShared() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.readers--
	if l.readers == 0 {
		l.cond.Broadcast()
	}
}

func (l *sxLock) LockExclusive() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.waiting++
	for l.writer || l.readers > 0 {
		l.cond.Wait()
	}
	l.waiting--
	l.writer = true
}

func (l *sxLock) UnlockExclusive() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.writer = false
	l.cond.Broadcast()
}

// Downgrade atomically converts the exclusive hold into a shared one.
func (l *sxLock) Downgrade() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.writer = false
	l.readers++
	l.cond.Broadcast()
}

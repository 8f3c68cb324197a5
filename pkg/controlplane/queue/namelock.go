/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package queue

import (
	"runtime"
	"sync"
)

// nameLock is a reference-counted mutex. It is live while holders > 0 and retired once the last holder leaves; a
// retired lock is never handed out again.
type nameLock struct {
	mu sync.Mutex

	// stateMu protects the lifecycle fields.
	stateMu sync.Mutex
	holders int
	retired bool
}

// tryPin registers interest in the lock unless it has been retired.
func (l *nameLock) tryPin() bool {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.retired {
		return false
	}
	l.holders++
	return true
}

// unpin drops interest and reports whether this was the last holder, in which case the lock is retired.
func (l *nameLock) unpin() bool {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	l.holders--
	if l.holders == 0 {
		l.retired = true
		return true
	}
	return false
}

// NameLocks hands out one mutex per name. Entries exist only while some caller holds or waits for them.
type NameLocks struct {
	locks sync.Map // string -> *nameLock
}

// Lock blocks until the caller holds the lock for name and returns the function that releases it.
func (t *NameLocks) Lock(name string) (unlock func()) {
	l := t.pin(name)
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		if l.unpin() {
			t.locks.CompareAndDelete(name, l)
		}
	}
}

// pin performs the CAS loop that registers interest in the live lock for name.
func (t *NameLocks) pin(name string) *nameLock {
	for {
		v, ok := t.locks.Load(name)
		if !ok {
			v, _ = t.locks.LoadOrStore(name, &nameLock{})
		}
		l := v.(*nameLock)
		if l.tryPin() {
			// Was the entry retired and replaced while we were pinning it?
			if cur, ok := t.locks.Load(name); ok && cur == l {
				return l
			}
			if l.unpin() {
				t.locks.CompareAndDelete(name, l)
			}
			continue
		}
		// The last holder retired this lock and is about to delete it. Yield so it can finish.
		runtime.Gosched()
	}
}

// Len returns the number of live entries.
func (t *NameLocks) Len() int {
	n := 0
	t.locks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

package engine

import "sync"

// RWLocker serializes store access where the underlying db needs it.
// Sqlite stores get a real sync.RWMutex from MakeLock, postgres handles
// concurrent writers itself and gets the no-op implementation.
type RWLocker interface {
	sync.Locker
	RLock()
	RUnlock()
}

// NoopLocker satisfies RWLocker without locking anything
type NoopLocker struct{}

// Lock does nothing
func (NoopLocker) Lock() {}

// Unlock does nothing
func (NoopLocker) Unlock() {}

// RLock does nothing
func (NoopLocker) RLock() {}

// RUnlock does nothing
func (NoopLocker) RUnlock() {}

package connect

import (
	"sync"
)

type ReachabilityFunction = func(online bool)

// Reachability reports process level network availability.
// It is injected into the client, which subscribes on creation and unsubscribes on `Close`.
type Reachability interface {
	Online() bool
	// returns the unsubscribe function
	AddReachabilityCallback(callback ReachabilityFunction) func()
}

// ManualReachability is a `Reachability` driven by the embedding application,
// e.g. from the platform's network change notifications.
type ManualReachability struct {
	stateLock sync.Mutex
	online    bool

	reachabilityCallbacks *CallbackList[ReachabilityFunction]
}

func NewManualReachability(online bool) *ManualReachability {
	return &ManualReachability{
		online:                online,
		reachabilityCallbacks: NewCallbackList[ReachabilityFunction](),
	}
}

func (self *ManualReachability) Online() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.online
}

// SetOnline notifies callbacks only on a change.
func (self *ManualReachability) SetOnline(online bool) {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.online == online {
			return false
		}
		self.online = online
		return true
	}()
	if changed {
		for _, callback := range self.reachabilityCallbacks.Get() {
			HandleError(func() {
				callback(online)
			})
		}
	}
}

func (self *ManualReachability) AddReachabilityCallback(callback ReachabilityFunction) func() {
	return self.reachabilityCallbacks.Add(callback)
}

func (self *ManualReachability) CallbackCount() int {
	return self.reachabilityCallbacks.Len()
}

package offline0

import (
	"log"
	"sync/atomic"
)

// connectivity tracks whether the network was reachable on the last attempt.
// Every origin round trip reports into it; onOnline runs on each
// offline→online transition.
type connectivity struct {
	online   atomic.Bool
	onOnline func()
}

func newConnectivity() *connectivity {
	c := &connectivity{}
	c.online.Store(true)
	return c
}

func (c *connectivity) Online() bool { return c.online.Load() }

func (c *connectivity) Observe(err error) {
	if err != nil {
		if isNetworkError(err) && c.online.CompareAndSwap(true, false) {
			log.Printf("connectivity: offline (%v)", err)
		}
		return
	}
	if c.online.CompareAndSwap(false, true) {
		log.Printf("connectivity: back online")
		if c.onOnline != nil {
			c.onOnline()
		}
	}
}

//go:build !tinygo

package core

import "sync"

// State is a placeholder for interrupt state on regular Go
type State uintptr

// irqLock stands in for the interrupt mask on regular Go, where the PWM
// interrupt handler runs on its own goroutine (simulated or ticker timers).
var irqLock sync.Mutex

// disableInterrupts enters a critical section shared with the interrupt handler
func disableInterrupts() State {
	irqLock.Lock()
	return 0
}

// restoreInterrupts leaves the critical section
func restoreInterrupts(state State) {
	irqLock.Unlock()
}

// enterInterrupt is called at the top of a timer interrupt handler
func enterInterrupt() {
	irqLock.Lock()
}

// leaveInterrupt is called when a timer interrupt handler returns
func leaveInterrupt() {
	irqLock.Unlock()
}

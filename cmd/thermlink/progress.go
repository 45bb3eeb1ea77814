package main

import (
	"fmt"
	"sync/atomic"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter displays a single-line progress message with elapsed time
// while a blocking operation runs.
//
// A ProgressPrinter is single-use: Start at most once, Stop exactly once.
// Stop is safe to call multiple times and from multiple goroutines.
type ProgressPrinter struct {
	prefix    string
	startTime time.Time
	ticker    atomic.Pointer[time.Ticker]
	stopChan  chan struct{}
	done      chan struct{}
	started   atomic.Bool
}

// NewProgressPrinter creates a progress printer showing prefix with a
// counting elapsed-seconds suffix.
func NewProgressPrinter(prefix string) *ProgressPrinter {
	return &ProgressPrinter{prefix: prefix}
}

// Start begins displaying progress updates in a background goroutine.
// Panics if called more than once on the same instance.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}

	p.done = make(chan struct{})
	p.stopChan = make(chan struct{})
	p.startTime = time.Now()
	ticker := time.NewTicker(progressUpdateInterval)
	p.ticker.Store(ticker)

	fmt.Printf("\r%s...   ", p.prefix)

	go func() {
		defer close(p.done)
		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				seconds := int(time.Since(p.startTime).Seconds())
				if seconds > 0 {
					fmt.Printf("\r%s... %ds   ", p.prefix, seconds)
				}
			}
		}
	}()
}

// Stop stops the progress display and clears the line. Only the first call
// has any effect.
func (p *ProgressPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return
	}

	ticker.Stop()
	close(p.stopChan)
	<-p.done

	fmt.Print(clearLineSequence)
}

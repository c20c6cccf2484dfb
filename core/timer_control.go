package core

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// Reset tells the timer to start counting down from a new timeout, this also clears any pending events
func (et *timerImpl) Reset(timeout time.Duration, event interface{}) {
	select {
	case et.startChan <- &timerStart{duration: timeout, event: event}:
	case <-et.exit:
	}
}

// Stop tells the timer to stop, and not to deliver any pending events
func (et *timerImpl) Stop() {
	select {
	case et.stopChan <- struct{}{}:
	case <-et.exit:
	}
}

// Halt tells the threaded object's thread to exit
func (t *threaded) Halt() {
	select {
	case <-t.exit:
	default:
		close(t.exit)
	}
}

type Timer interface {
	Reset(duration time.Duration, event interface{}) // start a new countdown, clear any pending events
	Stop()                                           // stop the countdown, clear any pending events
	Halt()                                           // Stops the Timer thread
}

// threaded holds an exit channel to allow threads to break from a select
type threaded struct {
	exit chan struct{}
}

// timerStart is used to deliver the start request to the eventTimer thread
type timerStart struct {
	event    interface{}   // What event to push onto the event queue
	duration time.Duration // How long to wait before sending the event
}

// timerImpl is an implementation of Timer
type timerImpl struct {
	threaded                       // Gives us the exit chan
	timerChan    <-chan time.Time  // When non-nil, counts down to preparing to do the event
	startChan    chan *timerStart  // Channel to deliver the timer start events to the service go routine
	stopChan     chan struct{}     // Channel to deliver the timer stop events to the service go routine
	EventManager *NetworkTransport // The node the event is delivered to after timer expiration
	logger       hclog.Logger
}

// newTimerImpl creates a new instance of timerImpl
func newTimerImpl(trans *NetworkTransport, logger hclog.Logger) Timer {
	et := &timerImpl{
		startChan:    make(chan *timerStart),
		stopChan:     make(chan struct{}),
		threaded:     threaded{make(chan struct{})},
		EventManager: trans,
		logger:       logger,
	}
	go et.loop()
	return et
}

// loop is where the timer thread lives. No case blocks, so Reset and Stop
// may be called while holding roundLock.
func (et *timerImpl) loop() {
	var event interface{}
	for {
		// A little state machine, relying on the fact that nil channels will block on read/write indefinitely
		select {
		case start := <-et.startChan:
			if et.timerChan != nil {
				et.logger.Trace("resetting a running timer")
			}
			et.logger.Trace("starting timer", "duration", start.duration)
			et.timerChan = time.After(start.duration)
			event = start.event

		case <-et.stopChan:
			if et.timerChan == nil {
				et.logger.Trace("attempting to stop an unfired idle timer")
			}
			et.timerChan = nil
			event = nil

		case <-et.timerChan:
			et.logger.Debug("event timer fired", "event", event)
			et.timerChan = nil
			// deliver asynchronously so Reset and Stop never wait on the consumer
			go func(rpc Message) {
				select {
				case et.EventManager.consumeCh <- rpc:
				case <-et.EventManager.shutdownCh:
				case <-et.exit:
				}
			}(Message{Command: event})
			event = nil

		case <-et.exit:
			et.logger.Trace("halting timer")
			return
		}
	}
}

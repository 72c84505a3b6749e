package scheduler

import "time"

// Observer receives processing measurements. internal/metrics implements it
// with Prometheus collectors.
type Observer interface {
	ObserveTicker(d time.Duration, err error)
	ObserveRun(tickers, failed int, d time.Duration, err error)
	SetBusyWorkers(n int)
}

type nopObserver struct{}

func (nopObserver) ObserveTicker(time.Duration, error)        {}
func (nopObserver) ObserveRun(int, int, time.Duration, error) {}
func (nopObserver) SetBusyWorkers(int)                        {}

package model

import "errors"

// Price source failures. Both are recovered per ticker by the scheduler.
var (
	ErrNotFound          = errors.New("ticker has no price data")
	ErrSourceUnavailable = errors.New("price source unavailable")
)

// Run-level failures surfaced to the caller.
var (
	ErrPoolExhausted    = errors.New("no worker available before acquire timeout")
	ErrPoolClosed       = errors.New("worker pool is shut down")
	ErrStoreUnreachable = errors.New("price store unreachable for every ticker")
)

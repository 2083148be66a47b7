package domain

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrAlreadyExists         = errors.New("already exists")
	ErrConflict              = errors.New("conditional write predicate false")
	ErrAlreadyClaimed        = errors.New("already claimed")
	ErrLockHeld              = errors.New("lock already held")
	ErrRateLimited           = errors.New("rate limited")
	ErrInvalidEnvelope       = errors.New("invalid envelope")
	ErrMarketDataUnavailable = errors.New("market data unavailable")
	ErrMarketClosed          = errors.New("market closed")
	ErrNoPosition            = errors.New("no held position")
	ErrGuardTripped          = errors.New("safety guard tripped")
	ErrDuplicateTrade        = errors.New("trade already terminal")
)

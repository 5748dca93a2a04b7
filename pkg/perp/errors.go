package perp

import "errors"

// Reason codes preserved from the settlement contract surface: callers match
// on these to distinguish rejection classes. Every operation validates before
// it mutates, so a returned error always means state is untouched.
var (
	// Validation errors.
	ErrWrongParams          = errors.New("wrong params")
	ErrPairNotListed        = errors.New("pair not listed")
	ErrLeverageIncorrect    = errors.New("leverage incorrect")
	ErrTpTooBig             = errors.New("tp too big")
	ErrSlTooBig             = errors.New("sl too big")
	ErrPositionSizeTooSmall = errors.New("below min position size")
	ErrPositionSizeTooBig   = errors.New("above max position size")
	ErrMaxTradesPerPair     = errors.New("max trades per pair")
	ErrNoTrade              = errors.New("no trade")
	ErrNoLimitOrder         = errors.New("no limit order")

	// Admission errors.
	ErrOutExposureLimits = errors.New("out of exposure limits")

	// Authorization errors.
	ErrNotOwner       = errors.New("not position owner")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNotFeedAddress = errors.New("not feed address")
	ErrPaused         = errors.New("paused")

	// Price-protocol errors.
	ErrSlippageExceeded = errors.New("slippage exceeded")
	ErrPriceDeviation   = errors.New("price deviation too high")
	ErrPriceZero        = errors.New("price zero")
	ErrRequestNotFound  = errors.New("request id not found")
	ErrAlreadySettled   = errors.New("request already settled")
	ErrNotTriggerable   = errors.New("trigger condition not met")

	// Vault-state errors.
	ErrAlreadyApplied        = errors.New("already apply")
	ErrInsufficientUnlocked  = errors.New("insufficient unlocked")
	ErrUpnlVerifyFailed      = errors.New("uPnl verify failed")
	ErrInsufficientBalance   = errors.New("usdt amount not enough")
	ErrInsufficientAllowance = errors.New("please approve")
	ErrInsufficientShares    = errors.New("insufficient shares")
	ErrZeroAmount            = errors.New("zero amount")
)

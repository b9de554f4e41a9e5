package model

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrMonitorExists       = errors.New("monitor already registered")
	ErrPriceUnavailable    = errors.New("price unavailable")
	ErrExchangeRejected    = errors.New("exchange rejected order")
	ErrExchangeUnavailable = errors.New("exchange unavailable")
)

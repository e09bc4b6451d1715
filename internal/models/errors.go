package models

import "errors"

// Client input errors. Rejected before the store is touched.
var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrInvalidQuantity = errors.New("invalid quantity")
)

// Capacity and catalog errors raised by the reservation transaction
var (
	ErrStockInsufficient = errors.New("stock insufficient")
	ErrNotFound          = errors.New("not found")
	ErrInvalidPrice      = errors.New("invalid price")
	ErrCapacityBelowSold = errors.New("capacity below reserved quantity")
)

// Duplicate submission errors
var (
	ErrRequestInProgress   = errors.New("request in progress")
	ErrIdempotencyMismatch = errors.New("idempotency key reused with a different request")
)

// Payment and integrity errors
var (
	ErrPaymentConflict     = errors.New("payment id already attached to another order")
	ErrProviderUnavailable = errors.New("payment provider unavailable")
)

// Authentication errors
var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrStaleSignature   = errors.New("signature timestamp outside tolerance")
	ErrInvalidToken     = errors.New("invalid token")
	ErrTokenExpired     = errors.New("token expired")
)

package model

import "errors"

// Errors shared by the store and the engine services. Callers match them with
// errors.Is; the HTTP layer maps each one to a status code.
var (
	// ErrConfigMissing is returned when no tariff exists for a market.
	// The fee calculator degrades to a zeroed breakdown instead.
	ErrConfigMissing = errors.New("fee: regional tariff not configured")

	// ErrInvalidTariff is returned by the admin-facing tariff validator.
	ErrInvalidTariff = errors.New("fee: invalid regional tariff")

	// ErrAlreadyClaimed is returned when the conditional claim affected no row.
	ErrAlreadyClaimed = errors.New("dispatch: order already claimed")

	// ErrNotOwner is returned when a non-assigned party mutates an order.
	ErrNotOwner = errors.New("dispatch: caller does not own this order")

	// ErrInvalidTransition is returned when the order is not in a state that
	// allows the requested transition.
	ErrInvalidTransition = errors.New("dispatch: invalid status transition")

	// ErrOrderNotFound is returned for an unknown order id.
	ErrOrderNotFound = errors.New("dispatch: order not found")

	// ErrAccountFrozen is returned when a courier's wallet is below the
	// minimum limit. Top-up required.
	ErrAccountFrozen = errors.New("wallet: account frozen, top-up required")

	// ErrAccountSuspended is returned for accounts suspended by an admin.
	ErrAccountSuspended = errors.New("wallet: account suspended")

	// ErrStatusChanged is returned when a conditional status update found the
	// account in a different status than expected.
	ErrStatusChanged = errors.New("wallet: account status changed concurrently")

	// ErrAccountNotFound is returned for an unknown account id.
	ErrAccountNotFound = errors.New("wallet: account not found")

	// ErrAccountExists is returned when provisioning an id that is taken.
	ErrAccountExists = errors.New("wallet: account already exists")

	// ErrInvalidAccount is returned for a provisioning request with a
	// missing id or a role that cannot be opened on demand.
	ErrInvalidAccount = errors.New("wallet: invalid account")

	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")

	// ErrRequestNotFound is returned for an unknown top-up/withdrawal request.
	ErrRequestNotFound = errors.New("ledger: request not found")

	// ErrRequestProcessed is returned by stores when a request is no longer
	// in the expected status. Services turn it into a no-op result.
	ErrRequestProcessed = errors.New("ledger: request already processed")

	// ErrAlreadySettled is returned by stores when earnings for an order were
	// already committed. Services turn it into a no-op result.
	ErrAlreadySettled = errors.New("settlement: order already settled")

	// ErrOverMerchantLimit blocks checkout of a cart with too many merchants.
	ErrOverMerchantLimit = errors.New("cart: too many merchants in one order")

	// ErrEmptyCart is returned when checkout has no selected lines.
	ErrEmptyCart = errors.New("cart: no items selected")
)

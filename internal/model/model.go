// Package model defines the core domain types shared across the dispatch engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ShippingStatus is the dispatch lifecycle state of an order.
type ShippingStatus string

const (
	StatusCreated          ShippingStatus = "CREATED"
	StatusSearchingCourier ShippingStatus = "SEARCHING_COURIER"
	StatusCourierAssigned  ShippingStatus = "COURIER_ASSIGNED"
	StatusOnDelivery       ShippingStatus = "ON_DELIVERY"
	StatusDelivered        ShippingStatus = "DELIVERED"
	StatusCompleted        ShippingStatus = "COMPLETED"
	StatusCancelled        ShippingStatus = "CANCELLED"
)

var validNext = map[ShippingStatus]map[ShippingStatus]bool{
	StatusCreated:          {StatusSearchingCourier: true, StatusCancelled: true},
	StatusSearchingCourier: {StatusCourierAssigned: true, StatusCancelled: true},
	StatusCourierAssigned:  {StatusOnDelivery: true, StatusSearchingCourier: true, StatusCancelled: true},
	StatusOnDelivery:       {StatusDelivered: true, StatusCancelled: true},
	StatusDelivered:        {StatusCompleted: true},
	StatusCompleted:        {},
	StatusCancelled:        {},
}

// CanTransition reports whether the state machine allows from → to.
func CanTransition(from, to ShippingStatus) bool {
	return validNext[from][to]
}

// Settleable reports whether earnings may be committed for an order in this state.
func (s ShippingStatus) Settleable() bool {
	return s == StatusDelivered || s == StatusCompleted
}

// PaymentStatus tracks buyer payment. Orders are cash-on-delivery, so an
// order becomes PAID when the courier hands it over.
type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "UNPAID"
	PaymentPaid   PaymentStatus = "PAID"
)

// OrderItem is one product line of an order, priced at purchase time.
type OrderItem struct {
	MerchantID string          `json:"merchant_id" db:"merchant_id"`
	ProductID  string          `json:"product_id" db:"product_id"`
	Quantity   int             `json:"quantity" db:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price" db:"unit_price"` // unit_price_at_purchase
	Ready      bool            `json:"ready" db:"ready"`           // merchant marked its part ready
}

// LineTotal returns quantity × unit price.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// FeeBreakdown is the result of the fee calculator for one order.
// Invariants: TotalToBuyer = BaseShipping + ServiceFee + ExtraPickupFee and
// CourierEarning + AppEarning = TotalToBuyer.
type FeeBreakdown struct {
	DistanceKm            decimal.Decimal `json:"distance_km"`
	MerchantCount         int             `json:"merchant_count"` // true unique count, uncapped
	ExtraStops            int             `json:"extra_stops"`
	BaseShipping          decimal.Decimal `json:"base_shipping"`
	ServiceFee            decimal.Decimal `json:"service_fee"`
	ExtraPickupFee        decimal.Decimal `json:"extra_pickup_fee"`
	ExtraPickupFeeCourier decimal.Decimal `json:"extra_pickup_fee_courier"`
	ExtraPickupFeeApp     decimal.Decimal `json:"extra_pickup_fee_app"`
	TotalToBuyer          decimal.Decimal `json:"total_to_buyer"`
	CourierEarning        decimal.Decimal `json:"courier_earning"`
	AppEarning            decimal.Decimal `json:"app_earning"`
	IsOverLimit           bool            `json:"is_over_limit"`
	ConfigMissing         bool            `json:"config_missing,omitempty"`
}

// Order is one buyer purchase spanning one or more merchants.
type Order struct {
	ID               string                     `json:"id" db:"id"`
	BuyerID          string                     `json:"buyer_id" db:"customer_id"`
	MarketID         string                     `json:"market_id" db:"market_id"`
	Items            []OrderItem                `json:"items"`
	ShippingStatus   ShippingStatus             `json:"shipping_status" db:"shipping_status"`
	PaymentStatus    PaymentStatus              `json:"payment_status" db:"status"`
	Subtotal         decimal.Decimal            `json:"subtotal" db:"subtotal"`
	Fees             FeeBreakdown               `json:"fees"`
	MerchantEarnings map[string]decimal.Decimal `json:"merchant_earnings"` // merchant_id → subtotal of its lines
	TotalPrice       decimal.Decimal            `json:"total_price" db:"total_price"`
	CourierID        string                     `json:"courier_id,omitempty" db:"courier_id"` // empty when unassigned
	CreatedAt        time.Time                  `json:"created_at" db:"created_at"`
	AssignedAt       *time.Time                 `json:"assigned_at,omitempty" db:"assigned_at"`
	CompletedAt      *time.Time                 `json:"completed_at,omitempty" db:"completed_at"`
	SettledAt        *time.Time                 `json:"settled_at,omitempty" db:"settled_at"`
}

// MerchantIDs returns the unique merchants of the order in item order.
func (o *Order) MerchantIDs() []string {
	seen := make(map[string]bool, len(o.Items))
	var ids []string
	for _, it := range o.Items {
		if !seen[it.MerchantID] {
			seen[it.MerchantID] = true
			ids = append(ids, it.MerchantID)
		}
	}
	return ids
}

// HasMerchant reports whether merchantID sells at least one line of the order.
func (o *Order) HasMerchant(merchantID string) bool {
	for _, it := range o.Items {
		if it.MerchantID == merchantID {
			return true
		}
	}
	return false
}

// AllReady reports whether every line has been marked ready.
func (o *Order) AllReady() bool {
	if len(o.Items) == 0 {
		return false
	}
	for _, it := range o.Items {
		if !it.Ready {
			return false
		}
	}
	return true
}

// Role identifies what kind of party owns an account.
type Role string

const (
	RoleCourier  Role = "COURIER"
	RoleMerchant Role = "MERCHANT"
	RolePlatform Role = "PLATFORM"
)

// AccountStatus is the operational state of a wallet-bearing account.
type AccountStatus string

const (
	AccountActive    AccountStatus = "ACTIVE"
	AccountFrozen    AccountStatus = "FROZEN"
	AccountSuspended AccountStatus = "SUSPENDED"
)

// Account is a balance-bearing identity (profiles table). WalletBalance is a
// cache of the ledger: it must always equal the signed sum of its entries.
type Account struct {
	ID            string          `json:"id" db:"id"`
	Role          Role            `json:"role" db:"role"`
	WalletBalance decimal.Decimal `json:"wallet_balance" db:"wallet_balance"`
	Status        AccountStatus   `json:"status" db:"status"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryTopUp        EntryType = "TOPUP"
	EntryWithdraw     EntryType = "WITHDRAW"
	EntryOrderEarning EntryType = "ORDER_EARNING"
	EntryAdjustment   EntryType = "ADJUSTMENT"
)

// Direction is the signed effect of an entry on the balance.
type Direction string

const (
	Credit Direction = "CREDIT"
	Debit  Direction = "DEBIT"
)

// LedgerEntry is an immutable balance mutation (wallet_logs table).
// Once created, entries are never modified or deleted.
// BalanceAfter = previous BalanceAfter + Signed().
type LedgerEntry struct {
	ID               string          `json:"id" db:"id"`
	AccountID        string          `json:"account_id" db:"profile_id"`
	Type             EntryType       `json:"type" db:"type"`
	Direction        Direction       `json:"direction" db:"direction"`
	Amount           decimal.Decimal `json:"amount" db:"amount"` // always positive
	BalanceAfter     decimal.Decimal `json:"balance_after" db:"balance_after"`
	Description      string          `json:"description" db:"description"`
	RelatedOrderID   string          `json:"related_order_id,omitempty" db:"related_order_id"`
	RelatedRequestID string          `json:"related_request_id,omitempty" db:"related_request_id"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// Signed returns the amount with the sign of its direction.
func (e LedgerEntry) Signed() decimal.Decimal {
	if e.Direction == Debit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// Mutation is a requested balance change, turned into a LedgerEntry by the store.
type Mutation struct {
	AccountID        string
	Type             EntryType
	Direction        Direction
	Amount           decimal.Decimal
	Description      string
	RelatedOrderID   string
	RelatedRequestID string
}

// Delta returns the signed balance change of the mutation.
func (m Mutation) Delta() decimal.Decimal {
	if m.Direction == Debit {
		return m.Amount.Neg()
	}
	return m.Amount
}

// GuardsOverdraft reports whether the mutation must not drive the balance
// below zero. Admin adjustments are exempt so that corrections can be booked.
func (m Mutation) GuardsOverdraft() bool {
	return m.Direction == Debit && m.Type != EntryAdjustment
}

// StatusRule derives an account's status after its balance changed. Stores
// apply it inside the same atomic unit as the ledger append.
type StatusRule func(role Role, current AccountStatus, balance decimal.Decimal) AccountStatus

// RequestKind distinguishes wallet request tables.
type RequestKind string

const (
	RequestTopUp      RequestKind = "TOPUP"
	RequestWithdrawal RequestKind = "WITHDRAWAL"
)

// RequestStatus is the lifecycle of a wallet request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "PENDING"
	RequestApproved  RequestStatus = "APPROVED"
	RequestRejected  RequestStatus = "REJECTED"
	RequestCompleted RequestStatus = "COMPLETED"
)

// WalletRequest is a pending claim against the ledger: a top-up requested by
// an admin on behalf of a courier, or a withdrawal requested by the owner.
type WalletRequest struct {
	ID                string          `json:"id" db:"id"`
	Kind              RequestKind     `json:"kind"`
	AccountID         string          `json:"account_id" db:"profile_id"`
	Amount            decimal.Decimal `json:"amount" db:"amount"`
	RequestedBy       string          `json:"requested_by,omitempty" db:"requested_by"`
	ProcessedBy       string          `json:"processed_by,omitempty" db:"processed_by"`
	Status            RequestStatus   `json:"status" db:"status"`
	BankName          string          `json:"bank_name,omitempty" db:"bank_name"`
	BankAccountNumber string          `json:"bank_account_number,omitempty" db:"bank_account_number"`
	BankAccountName   string          `json:"bank_account_name,omitempty" db:"bank_account_name"`
	Note              string          `json:"note,omitempty" db:"note"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
}

// RegionalTariff is the per-district fee configuration
// (kecamatan_finance_settings). Read-only from the engine's perspective.
type RegionalTariff struct {
	MarketID              string          `json:"market_id" yaml:"market_id"`
	KecamatanName         string          `json:"kecamatan_name" yaml:"kecamatan_name"`
	FlatDistanceKm        decimal.Decimal `json:"flat_distance_km" yaml:"flat_distance_km"`
	FlatRateAmount        decimal.Decimal `json:"flat_rate_amount" yaml:"flat_rate_amount"`
	ExtraFeePerKm         decimal.Decimal `json:"extra_fee_per_km" yaml:"extra_fee_per_km"`
	ExtraPickupFeeTotal   decimal.Decimal `json:"extra_pickup_fee_total" yaml:"extra_pickup_fee_total"`
	ExtraPickupFeeCourier decimal.Decimal `json:"extra_pickup_fee_courier" yaml:"extra_pickup_fee_courier"`
	ExtraPickupFeeApp     decimal.Decimal `json:"extra_pickup_fee_app" yaml:"extra_pickup_fee_app"`
	MaxMerchantsPerOrder  int             `json:"max_merchants_per_order" yaml:"max_merchants_per_order"`
	BuyerServiceFee       decimal.Decimal `json:"buyer_service_fee" yaml:"buyer_service_fee"` // zero → default
}

// Drift reports an account whose cached balance disagrees with its ledger.
type Drift struct {
	AccountID string          `json:"account_id"`
	Cached    decimal.Decimal `json:"cached"`
	Computed  decimal.Decimal `json:"computed"`
}

// Diff returns cached − computed.
func (d Drift) Diff() decimal.Decimal {
	return d.Cached.Sub(d.Computed)
}

// OrderTransition is a conditional status change. Stores apply it as one
// compare-and-swap: the order must be in one of From and, when set, owned by
// CourierID / bought by BuyerID.
type OrderTransition struct {
	OrderID      string
	From         []ShippingStatus
	To           ShippingStatus
	CourierID    string // required assignee, empty = any
	BuyerID      string // required buyer, empty = any
	ClearCourier bool   // unassign (release, cancel)
	MarkPaid     bool
	At           time.Time
}

// Allows reports whether status s is one of the transition's source states.
func (t OrderTransition) Allows(s ShippingStatus) bool {
	for _, f := range t.From {
		if f == s {
			return true
		}
	}
	return false
}

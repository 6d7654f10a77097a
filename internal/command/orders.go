package command

import (
	"time"

	"github.com/google/uuid"

	"OptionVault/internal/book"
)

// PlaceOrder appends a take-profit or stop-loss entry to a position's book.
// Idempotency key: command_id.
type PlaceOrder struct {
	CommandID  uuid.UUID
	Owner      string
	Pool       string
	PositionID uuid.UUID
	Kind       book.Kind
	Price      int64 // Fixed-point: price scale (scale=1_000_000)
	SizeBps    int64 // Share of the position to close on trigger
	Sequence   int64
	Timestamp  time.Time
}

func (p *PlaceOrder) IdempotencyKey() string {
	return p.CommandID.String()
}

func (p *PlaceOrder) CommandType() CommandType {
	return CommandTypePlaceOrder
}

func (p *PlaceOrder) PoolID() *string {
	s := p.Pool
	return &s
}

func (p *PlaceOrder) SourceSequence() int64 {
	return p.Sequence
}

// UpdateOrder replaces the entry at Index on one side of the book.
type UpdateOrder struct {
	CommandID  uuid.UUID
	Owner      string
	Pool       string
	PositionID uuid.UUID
	Kind       book.Kind
	Index      int
	Price      int64
	SizeBps    int64
	Sequence   int64
	Timestamp  time.Time
}

func (u *UpdateOrder) IdempotencyKey() string {
	return u.CommandID.String()
}

func (u *UpdateOrder) CommandType() CommandType {
	return CommandTypeUpdateOrder
}

func (u *UpdateOrder) PoolID() *string {
	s := u.Pool
	return &s
}

func (u *UpdateOrder) SourceSequence() int64 {
	return u.Sequence
}

// CancelOrder removes the entry at Index on one side of the book.
type CancelOrder struct {
	CommandID  uuid.UUID
	Owner      string
	Pool       string
	PositionID uuid.UUID
	Kind       book.Kind
	Index      int
	Sequence   int64
	Timestamp  time.Time
}

func (c *CancelOrder) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *CancelOrder) CommandType() CommandType {
	return CommandTypeCancelOrder
}

func (c *CancelOrder) PoolID() *string {
	s := c.Pool
	return &s
}

func (c *CancelOrder) SourceSequence() int64 {
	return c.Sequence
}

// ClearOrders drops every entry on both sides of a position's book.
type ClearOrders struct {
	CommandID  uuid.UUID
	Owner      string
	Pool       string
	PositionID uuid.UUID
	Sequence   int64
	Timestamp  time.Time
}

func (c *ClearOrders) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *ClearOrders) CommandType() CommandType {
	return CommandTypeClearOrders
}

func (c *ClearOrders) PoolID() *string {
	s := c.Pool
	return &s
}

func (c *ClearOrders) SourceSequence() int64 {
	return c.Sequence
}

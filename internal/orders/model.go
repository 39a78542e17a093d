package orders

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Format enumerates the book formats offered for pre-order.
type Format string

const (
	// FormatEbook is the digital edition.
	FormatEbook Format = "ebook"
	// FormatPaperback is the printed edition.
	FormatPaperback Format = "paperback"
)

// Status enumerates the order lifecycle states.
type Status string

const (
	// StatusPending marks an order awaiting payment confirmation.
	StatusPending Status = "pending"
	// StatusCompleted marks an order whose payment the provider confirmed.
	StatusCompleted Status = "completed"
)

var (
	// ErrInvalidFormat indicates an unknown book format value.
	ErrInvalidFormat = errors.New("orders: invalid format")
	// ErrInvalidStatus indicates an unknown order status value.
	ErrInvalidStatus = errors.New("orders: invalid status")
	// ErrDuplicateOrderNumber indicates an order number collision. This should
	// never happen under correct atomic allocation and is always logged loudly.
	ErrDuplicateOrderNumber = errors.New("orders: duplicate order number")
	// ErrStorageUnavailable indicates the backing store could not be reached.
	ErrStorageUnavailable = errors.New("orders: storage unavailable")
	// ErrNotFound indicates no order matched the lookup.
	ErrNotFound = errors.New("orders: order not found")
)

// ParseFormat validates raw input and returns a Format.
func ParseFormat(rawInput string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case string(FormatEbook):
		return FormatEbook, nil
	case string(FormatPaperback):
		return FormatPaperback, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidFormat, rawInput)
	}
}

// Order models a persisted pre-order row.
type Order struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	OrderNumber int64     `gorm:"column:order_number;uniqueIndex;not null" json:"order_number"`
	Email       *string   `gorm:"column:email;size:320" json:"email"`
	Format      Format    `gorm:"column:format;size:32;not null" json:"format"`
	Price       string    `gorm:"column:price;size:32;not null" json:"price"`
	ProductName string    `gorm:"column:product_name;size:190;not null" json:"product_name"`
	PaymentID   *string   `gorm:"column:payment_id;size:190;index" json:"payment_id"`
	Status      Status    `gorm:"column:status;size:32;not null;default:pending" json:"status"`
	Fallback    bool      `gorm:"column:fallback_number;not null;default:false" json:"fallback_number"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Order) TableName() string {
	return "orders"
}

// EmailValue returns the order email or the empty string when unset.
func (o Order) EmailValue() string {
	if o.Email == nil {
		return ""
	}
	return *o.Email
}

// PaymentIDValue returns the provider correlation id or the empty string when unset.
func (o Order) PaymentIDValue() string {
	if o.PaymentID == nil {
		return ""
	}
	return *o.PaymentID
}

// Counter is the singleton row backing order number allocation.
type Counter struct {
	ID           int64 `gorm:"column:id;primaryKey"`
	CurrentValue int64 `gorm:"column:current_value;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Counter) TableName() string {
	return "order_counter"
}

// NewOrder describes the input for inserting a ledger row.
type NewOrder struct {
	OrderNumber int64
	Email       string
	Format      Format
	Price       string
	ProductName string
	PaymentID   string
	Status      Status
	Fallback    bool
}

func (n NewOrder) validate() error {
	if n.OrderNumber <= 0 {
		return fmt.Errorf("orders: order number must be positive, got %d", n.OrderNumber)
	}
	if _, err := ParseFormat(string(n.Format)); err != nil {
		return err
	}
	switch n.Status {
	case StatusPending, StatusCompleted:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, n.Status)
	}
	if strings.TrimSpace(n.Price) == "" {
		return fmt.Errorf("orders: price is required")
	}
	if strings.TrimSpace(n.ProductName) == "" {
		return fmt.Errorf("orders: product name is required")
	}
	return nil
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

package aggregate

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/codewandler/eventvault-go/core/event"
)

// Account domain event types folded by the built-in aggregates.
const (
	MoneyAdded       = `Domain\Account\Events\MoneyAdded`
	MoneySubtracted  = `Domain\Account\Events\MoneySubtracted`
	MoneyTransferred = `Domain\Account\Events\MoneyTransferred`
)

const (
	TypeLedger      = "ledger"
	TypeTransaction = "transaction"
	TypeTransfer    = "transfer"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// Builtins returns the account aggregates shipped with eventctl.
func Builtins() []Type {
	return []Type{
		{
			Name:   TypeLedger,
			Domain: "Account",
			Events: []string{MoneyAdded, MoneySubtracted},
			New:    func(id string) Root { return NewLedger(id) },
		},
		{
			Name:   TypeTransaction,
			Domain: "Account",
			Events: []string{MoneyAdded, MoneySubtracted},
			New:    func(id string) Root { return NewTransaction(id) },
		},
		{
			Name:   TypeTransfer,
			Domain: "Account",
			Events: []string{MoneyTransferred},
			New:    func(id string) Root { return NewTransfer(id) },
		},
	}
}

// amountOf reads the integer minor-unit "amount" field.
func amountOf(p event.Payload) (int64, error) {
	switch v := p["amount"].(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%w: fractional amount %v", ErrInvalidEvent, v)
		}
		return int64(v), nil
	case json.Number:
		return v.Int64()
	case nil:
		return 0, fmt.Errorf("%w: amount missing", ErrInvalidEvent)
	default:
		return 0, fmt.Errorf("%w: amount has type %T", ErrInvalidEvent, v)
	}
}

// === Ledger ===

type Ledger struct {
	BaseRoot
	Balance  int64  `json:"balance"`
	Currency string `json:"currency"`
}

func NewLedger(id string) *Ledger { return &Ledger{BaseRoot: NewBaseRoot(id)} }

func (l *Ledger) AggregateType() string { return TypeLedger }

func (l *Ledger) Apply(eventType string, p event.Payload) error {
	switch event.ShortName(eventType) {
	case "MoneyAdded", "MoneySubtracted":
		amount, err := amountOf(p)
		if err != nil {
			return err
		}
		if event.ShortName(eventType) == "MoneySubtracted" {
			amount = -amount
		}
		l.Balance += amount
		if c, ok := p["currency"].(string); ok && c != "" {
			l.Currency = c
		}
	}
	return nil
}

func (l *Ledger) AddMoney(amount int64, currency string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return RaiseAndApply(l, MoneyAdded, event.Payload{"amount": amount, "currency": currency, "source": "internal"})
}

func (l *Ledger) SubtractMoney(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if l.Balance < amount {
		return ErrInsufficientFunds
	}
	return RaiseAndApply(l, MoneySubtracted, event.Payload{"amount": amount, "currency": l.Currency})
}

// === Transaction ===

// Transaction counts credits and debits on an account.
type Transaction struct {
	BaseRoot
	Count   int64 `json:"count"`
	Credits int64 `json:"credits"`
	Debits  int64 `json:"debits"`
}

func NewTransaction(id string) *Transaction { return &Transaction{BaseRoot: NewBaseRoot(id)} }

func (t *Transaction) AggregateType() string { return TypeTransaction }

func (t *Transaction) Apply(eventType string, p event.Payload) error {
	name := event.ShortName(eventType)
	if name != "MoneyAdded" && name != "MoneySubtracted" {
		return nil
	}
	amount, err := amountOf(p)
	if err != nil {
		return err
	}
	t.Count++
	if name == "MoneyAdded" {
		t.Credits += amount
	} else {
		t.Debits += amount
	}
	return nil
}

// === Transfer ===

type Transfer struct {
	BaseRoot
	Count  int64 `json:"count"`
	Volume int64 `json:"volume"`
}

func NewTransfer(id string) *Transfer { return &Transfer{BaseRoot: NewBaseRoot(id)} }

func (t *Transfer) AggregateType() string { return TypeTransfer }

func (t *Transfer) Apply(eventType string, p event.Payload) error {
	if event.ShortName(eventType) != "MoneyTransferred" {
		return nil
	}
	amount, err := amountOf(p)
	if err != nil {
		return err
	}
	t.Count++
	t.Volume += amount
	return nil
}

func (t *Transfer) Send(to string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if to == "" || to == t.AggregateID() {
		return fmt.Errorf("%w: invalid recipient %q", ErrInvalidEvent, to)
	}
	return RaiseAndApply(t, MoneyTransferred, event.Payload{"from": t.AggregateID(), "to": to, "amount": amount})
}

package confirmation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	ActionDeleteEmployee = "delete_employee"
	ActionUpdateSalary   = "update_salary"
	ActionDeleteInvoice  = "delete_invoice"
	ActionCloseTicket    = "close_ticket"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrInvalidPayload marks a typed payload that fails its field rules.
var ErrInvalidPayload = errors.New("invalid action payload")

// Payload is the action-specific body of a PendingAction. The concrete type
// is selected by the action name; unknown actions decode to Opaque.
type Payload interface {
	ActionName() string
	sealed()
}

type DeleteEmployee struct {
	EmployeeID string `json:"employeeId" validate:"required"`
	Reason     string `json:"reason,omitempty"`
}

type UpdateSalary struct {
	EmployeeID string  `json:"employeeId" validate:"required"`
	NewSalary  float64 `json:"newSalary" validate:"gt=0"`
	Currency   string  `json:"currency,omitempty" validate:"omitempty,iso4217"`
}

type DeleteInvoice struct {
	InvoiceID string `json:"invoiceId" validate:"required"`
}

type CloseTicket struct {
	TicketID   string `json:"ticketId" validate:"required"`
	Resolution string `json:"resolution,omitempty"`
}

// Opaque carries actions this gateway version has no shape for. Raw is
// forwarded to the domain untouched.
type Opaque struct {
	Name string
	Raw  json.RawMessage
}

func (DeleteEmployee) ActionName() string { return ActionDeleteEmployee }
func (UpdateSalary) ActionName() string   { return ActionUpdateSalary }
func (DeleteInvoice) ActionName() string  { return ActionDeleteInvoice }
func (CloseTicket) ActionName() string    { return ActionCloseTicket }
func (o Opaque) ActionName() string       { return o.Name }

func (DeleteEmployee) sealed() {}
func (UpdateSalary) sealed()   {}
func (DeleteInvoice) sealed()  {}
func (CloseTicket) sealed()    {}
func (Opaque) sealed()         {}

func (o Opaque) MarshalJSON() ([]byte, error) {
	if len(o.Raw) == 0 {
		return []byte("null"), nil
	}
	return o.Raw, nil
}

// DecodePayload selects the payload shape for action and validates it.
func DecodePayload(action string, raw json.RawMessage) (Payload, error) {
	if action == "" {
		return nil, errors.New("action is required")
	}
	var p Payload
	switch action {
	case ActionDeleteEmployee:
		p = &DeleteEmployee{}
	case ActionUpdateSalary:
		p = &UpdateSalary{}
	case ActionDeleteInvoice:
		p = &DeleteInvoice{}
	case ActionCloseTicket:
		p = &CloseTicket{}
	default:
		return Opaque{Name: action, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", action, err)
	}
	if err := checkPayload(p); err != nil {
		return nil, err
	}
	return deref(p), nil
}

func checkPayload(p Payload) error {
	if _, ok := p.(Opaque); ok {
		return nil
	}
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, p.ActionName(), err)
	}
	return nil
}

func deref(p Payload) Payload {
	switch v := p.(type) {
	case *DeleteEmployee:
		return *v
	case *UpdateSalary:
		return *v
	case *DeleteInvoice:
		return *v
	case *CloseTicket:
		return *v
	}
	return p
}

// PendingAction is a write held back until its initiator approves it.
type PendingAction struct {
	ConfirmationID   string
	InitiatingUserID string
	Domain           string
	Payload          Payload
	CreatedAt        time.Time
}

func NewPendingAction(userID, domain string, p Payload, now time.Time) PendingAction {
	return PendingAction{
		ConfirmationID:   uuid.NewString(),
		InitiatingUserID: userID,
		Domain:           domain,
		Payload:          p,
		CreatedAt:        now.UTC(),
	}
}

func (a PendingAction) Action() string {
	if a.Payload == nil {
		return ""
	}
	return a.Payload.ActionName()
}

type pendingActionJSON struct {
	ConfirmationID   string          `json:"confirmationId"`
	InitiatingUserID string          `json:"userId"`
	Domain           string          `json:"domain"`
	Action           string          `json:"action"`
	Data             json.RawMessage `json:"data"`
	CreatedAt        time.Time       `json:"createdAt"`
}

func (a PendingAction) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(a.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(pendingActionJSON{
		ConfirmationID:   a.ConfirmationID,
		InitiatingUserID: a.InitiatingUserID,
		Domain:           a.Domain,
		Action:           a.Action(),
		Data:             data,
		CreatedAt:        a.CreatedAt,
	})
}

func (a *PendingAction) UnmarshalJSON(b []byte) error {
	var w pendingActionJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	p, err := DecodePayload(w.Action, w.Data)
	if err != nil {
		return err
	}
	*a = PendingAction{
		ConfirmationID:   w.ConfirmationID,
		InitiatingUserID: w.InitiatingUserID,
		Domain:           w.Domain,
		Payload:          p,
		CreatedAt:        w.CreatedAt,
	}
	return nil
}

// Validate checks the fields every stored action needs and applies the same
// payload rules Claim enforces when the action is read back.
func (a PendingAction) Validate() error {
	switch {
	case a.ConfirmationID == "":
		return errors.New("confirmationId is required")
	case a.InitiatingUserID == "":
		return errors.New("userId is required")
	case a.Domain == "":
		return errors.New("domain is required")
	case a.Payload == nil || a.Action() == "":
		return errors.New("action is required")
	}
	return checkPayload(a.Payload)
}

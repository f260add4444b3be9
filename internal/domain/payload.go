package domain

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Amount is a currency amount serialized as a bare JSON number with two
// decimal places, which is what the payment gateway expects.
type Amount struct {
	decimal.Decimal
}

// NewAmount parses s (e.g. "10.50") into an Amount.
func NewAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, err
	}
	return Amount{d}, nil
}

// MarshalJSON writes the amount rounded to cents, unquoted.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.StringFixed(2)), nil
}

// UnmarshalJSON accepts both numbers and quoted decimal strings.
func (a *Amount) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var n json.Number
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		n = json.Number(s)
	} else {
		n = json.Number(b)
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return err
	}
	a.Decimal = d
	return nil
}

// Identification is the payer's tax document (e.g. CPF or CNPJ in Brazil).
type Identification struct {
	Type   string `json:"type"   validate:"required,oneof=CPF CNPJ"`
	Number string `json:"number" validate:"required,numeric,min=11,max=14"`
}

// Payer identifies who is paying.
type Payer struct {
	Email          string         `json:"email"      validate:"required,email"`
	FirstName      string         `json:"first_name" validate:"required,max=128"`
	LastName       string         `json:"last_name"  validate:"required,max=128"`
	Identification Identification `json:"identification"`
}

// PaymentRequest is the gateway payment-creation body. It is shaped and
// validated once at enqueue time and stored verbatim as the job payload; the
// submitter forwards it without re-validating business fields.
type PaymentRequest struct {
	TransactionAmount Amount `json:"transaction_amount"`
	Description       string `json:"description"       validate:"required,max=255"`
	PaymentMethodID   string `json:"payment_method_id" validate:"required,max=32"`
	Payer             Payer  `json:"payer"`
	Installments      int    `json:"installments,omitempty" validate:"omitempty,min=1,max=24"`
	Token             string `json:"token,omitempty"`
	IssuerID          string `json:"issuer_id,omitempty"`
	ExternalReference string `json:"external_reference,omitempty" validate:"omitempty,max=64"`
}

package services

import (
	"errors"
	"fmt"
)

var (
	// ErrStampValidation signals bad input. The order is never mutated.
	ErrStampValidation = errors.New("stamp: invalid input")
	// ErrStampState indicates an illegal state transition was attempted.
	ErrStampState = errors.New("stamp: invalid state transition")
	// ErrStampInvalidSignature indicates the gateway payment signature did not verify.
	ErrStampInvalidSignature = errors.New("stamp: invalid payment signature")
	// ErrStampIssuance indicates document rendering or storage failed after payment.
	ErrStampIssuance = errors.New("stamp: issuance failed")
	// ErrStampNotFound indicates the order, template or verification hash is unknown.
	ErrStampNotFound = errors.New("stamp: not found")
	// ErrStampConflict indicates a concurrent writer changed the record first.
	ErrStampConflict = errors.New("stamp: conflict")
	// ErrStampUnavailable indicates a backing store or gateway is unreachable.
	ErrStampUnavailable = errors.New("stamp: unavailable")
	// ErrStampTemplateInUse is returned when deleting a template referenced by orders.
	ErrStampTemplateInUse = errors.New("stamp: template in use")
	// ErrStampPaymentGateway indicates the payment gateway rejected or failed an order request.
	ErrStampPaymentGateway = errors.New("stamp: payment gateway error")

	// ErrStampPromoInvalid indicates a promo code does not apply to the order.
	ErrStampPromoInvalid = errors.New("stamp promo: not applicable")
	// ErrStampPromoNotFound indicates the promo code does not exist.
	ErrStampPromoNotFound = errors.New("stamp promo: not found")
)

// StateError reports an illegal transition. It matches ErrStampState under errors.Is.
type StateError struct {
	OrderID string
	From    StampOrderStatus
	To      StampOrderStatus
}

func (e *StateError) Error() string {
	if e == nil {
		return ""
	}
	if e.To == "" {
		return fmt.Sprintf("%s: order %s is %s", ErrStampState.Error(), e.OrderID, e.From)
	}
	return fmt.Sprintf("%s: order %s cannot move from %s to %s", ErrStampState.Error(), e.OrderID, e.From, e.To)
}

// Is lets callers match with errors.Is(err, ErrStampState).
func (e *StateError) Is(target error) bool {
	return target == ErrStampState
}

func newStateError(order StampOrder, to StampOrderStatus) error {
	return &StateError{OrderID: order.ID, From: order.Status, To: to}
}

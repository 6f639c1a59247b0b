package domain

import "time"

// TransitionRecord описывает смену состояния покупки.
type TransitionRecord struct {
	PurchaseID string
	From       PurchaseState
	To         PurchaseState
	Reason     string
	Occurred   time.Time
}

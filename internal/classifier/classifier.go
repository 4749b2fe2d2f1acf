package classifier

import (
	"context"
)

// Known intent labels. Unrecognized classifier output collapses onto
// IntentGeneral so downstream routing always has a defined target.
const (
	IntentSupplierUpdate = "supplier_update"
	IntentCustomerUpdate = "customer_update"
	IntentProductUpdate  = "product_update"
	IntentOrderRequest   = "order_request"
	IntentGeneral        = "general"
)

// Input is the message context handed to the classifier.
type Input struct {
	Subject string
	Content string
	Sender  string
}

// Result is one classification verdict.
type Result struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Classifier labels an inbound message with a business intent.
type Classifier interface {
	Classify(ctx context.Context, input Input) (Result, error)
}

// KnownIntents lists every label the pipeline routes on.
func KnownIntents() []string {
	return []string{
		IntentSupplierUpdate,
		IntentCustomerUpdate,
		IntentProductUpdate,
		IntentOrderRequest,
		IntentGeneral,
	}
}

// NormalizeLabel maps arbitrary classifier output onto a known label.
func NormalizeLabel(label string) string {
	for _, known := range KnownIntents() {
		if label == known {
			return label
		}
	}
	return IntentGeneral
}

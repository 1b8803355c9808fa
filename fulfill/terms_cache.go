package fulfill

import (
	"sync"

	requestpay "github.com/offblocks/requestpay/go"
)

// termsCache holds fetched payment terms keyed by payment id. Terms are
// fetched once and treated as immutable for the attempt's duration, so
// entries are never invalidated.
type termsCache struct {
	mu   sync.Mutex
	byID map[string]*requestpay.PaymentTerms
}

func newTermsCache() *termsCache {
	return &termsCache{
		byID: make(map[string]*requestpay.PaymentTerms),
	}
}

func (tc *termsCache) get(paymentID string) (*requestpay.PaymentTerms, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	t, ok := tc.byID[paymentID]
	return t, ok
}

func (tc *termsCache) put(paymentID string, terms *requestpay.PaymentTerms) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if _, exists := tc.byID[paymentID]; exists {
		return
	}
	tc.byID[paymentID] = terms
}

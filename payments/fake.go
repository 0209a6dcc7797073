package payments

import (
	"context"
	"fmt"
	"sync"
)

// FakeAuthorizer is a test implementation of Authorizer.
type FakeAuthorizer struct {
	mu sync.Mutex

	// Decline makes every authorization fail with ErrDeclined.
	Decline bool

	Authorized []FakeAuthorization
	Customers  []string
}

type FakeAuthorization struct {
	Amount   int64
	PayerRef string
}

func NewFakeAuthorizer() *FakeAuthorizer {
	return &FakeAuthorizer{}
}

func (a *FakeAuthorizer) Authorize(ctx context.Context, amount int64, payerRef string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Decline {
		return "", ErrDeclined
	}
	a.Authorized = append(a.Authorized, FakeAuthorization{Amount: amount, PayerRef: payerRef})
	return fmt.Sprintf("auth_fake_%d", len(a.Authorized)), nil
}

func (a *FakeAuthorizer) CreateCustomer(ctx context.Context, email string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Customers = append(a.Customers, email)
	return fmt.Sprintf("cus_fake_%d", len(a.Customers)), nil
}

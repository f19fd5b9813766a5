package mfa

import (
	"context"
	"sync"
)

// Dispatcher delivers out-of-band verification codes for the SMS and
// EMAIL methods. Real provider integrations implement this; the core
// ships only the stub.
type Dispatcher interface {
	SendCode(ctx context.Context, method, destination, code string) error
}

// Delivery is one recorded StubDispatcher send.
type Delivery struct {
	Method      string
	Destination string
	Code        string
}

// StubDispatcher records sends instead of delivering them. It exists so
// the SMS/EMAIL flows are exercisable end to end without a provider;
// deployments that enable those methods must inject a real Dispatcher.
type StubDispatcher struct {
	mu         sync.Mutex
	deliveries []Delivery
}

// NewStubDispatcher returns an empty recorder.
func NewStubDispatcher() *StubDispatcher {
	return &StubDispatcher{}
}

// SendCode implements Dispatcher. It never fails.
func (s *StubDispatcher) SendCode(_ context.Context, method, destination, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deliveries = append(s.deliveries, Delivery{
		Method:      method,
		Destination: destination,
		Code:        code,
	})
	return nil
}

// Deliveries returns a copy of everything recorded so far.
func (s *StubDispatcher) Deliveries() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Delivery, len(s.deliveries))
	copy(out, s.deliveries)
	return out
}

// ValidCodeFormat reports whether code looks like a six-digit delivery
// code. The stub verification path accepts any well-formed code.
func ValidCodeFormat(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

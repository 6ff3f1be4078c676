package testutil

import (
	"fmt"
	"runtime"
	"sync"
	"testing"
)

// MockT is a testing.TB that records failures instead of failing the real
// test, for testing assertion helpers. Fatal calls stop the goroutine, so run
// code under RunWithMockT.
type MockT struct {
	testing.TB

	mu       sync.Mutex
	Failed_  bool
	Fatal_   bool
	Message  string
	Messages []string
	Logs     []string
}

// NewMockT creates an empty MockT.
func NewMockT() *MockT {
	return &MockT{}
}

func (m *MockT) fail(fatal bool, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Failed_ = true
	m.Fatal_ = m.Fatal_ || fatal
	m.Message = msg
	m.Messages = append(m.Messages, msg)
}

// Helper implements testing.TB.
func (m *MockT) Helper() {}

// Name implements testing.TB.
func (m *MockT) Name() string { return "MockT" }

// Log implements testing.TB.
func (m *MockT) Log(args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Logs = append(m.Logs, fmt.Sprint(args...))
}

// Logf implements testing.TB.
func (m *MockT) Logf(format string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Logs = append(m.Logs, fmt.Sprintf(format, args...))
}

// Error implements testing.TB.
func (m *MockT) Error(args ...any) { m.fail(false, fmt.Sprint(args...)) }

// Errorf implements testing.TB.
func (m *MockT) Errorf(format string, args ...any) { m.fail(false, fmt.Sprintf(format, args...)) }

// Fail implements testing.TB.
func (m *MockT) Fail() { m.fail(false, "") }

// FailNow implements testing.TB.
func (m *MockT) FailNow() {
	m.fail(true, "")
	runtime.Goexit()
}

// Failed implements testing.TB.
func (m *MockT) Failed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Failed_
}

// Fatal implements testing.TB.
func (m *MockT) Fatal(args ...any) {
	m.fail(true, fmt.Sprint(args...))
	runtime.Goexit()
}

// Fatalf implements testing.TB.
func (m *MockT) Fatalf(format string, args ...any) {
	m.fail(true, fmt.Sprintf(format, args...))
	runtime.Goexit()
}

// RunWithMockT runs fn on its own goroutine with a fresh MockT and waits for
// it, so Fatal and FailNow only end fn.
func RunWithMockT(fn func(m *MockT)) *MockT {
	mt := NewMockT()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(mt)
	}()
	<-done
	return mt
}

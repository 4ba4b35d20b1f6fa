package stats

import "github.com/stretchr/testify/mock"

type MockUpdater struct {
	mock.Mock
}

func (m *MockUpdater) Incr(name string) {
	m.Called(name)
}

func (m *MockUpdater) Decr(name string) {
	m.Called(name)
}

func (m *MockUpdater) RegisterMetric(name string) {
	m.Called(name)
}

func (m *MockUpdater) RegisterGauge(name string, fn func() any) {
	m.Called(name, fn)
}

func (m *MockUpdater) Run() {
	m.Called()
}

package logger

import "github.com/stretchr/testify/mock"

// Mock is a testify-backed Logger for asserting on log output in tests.
//
// Each logging method records (msg, kv) as a single two-argument call, so
// expectations look like:
//
//	m.On("Warn", mock.Anything, mock.Anything)
type Mock struct {
	mock.Mock
}

var _ Logger = (*Mock)(nil)

func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) Debug(msg string, kv ...any) { m.Called(msg, kv) }
func (m *Mock) Info(msg string, kv ...any)  { m.Called(msg, kv) }
func (m *Mock) Warn(msg string, kv ...any)  { m.Called(msg, kv) }
func (m *Mock) Error(msg string, kv ...any) { m.Called(msg, kv) }

func (m *Mock) With(kv ...any) Logger {
	args := m.Called(kv...)
	if l, ok := args.Get(0).(Logger); ok {
		return l
	}

	return m
}

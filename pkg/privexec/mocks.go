package privexec

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockRunner is a testify mock of Runner. Expectations are keyed by the
// binary: On("iptables", "-S", "DOCKER-USER").
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	callArgs := make([]interface{}, 0, len(args))
	for _, a := range args {
		callArgs = append(callArgs, a)
	}
	result := m.MethodCalled(name, callArgs...)
	if result.Get(0) == nil {
		return nil, result.Error(1)
	}
	return result.Get(0).([]byte), result.Error(1)
}

package tree

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"
)

type MockTree struct {
	mock.Mock
}

func NewMockTree() *MockTree {
	return &MockTree{}
}

func (m *MockTree) Root() string {
	return m.Called().String(0)
}

func (m *MockTree) Remote() bool {
	return m.Called().Bool(0)
}

func (m *MockTree) List(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	files, _ := args.Get(0).([]string)
	return files, args.Error(1)
}

func (m *MockTree) Size(ctx context.Context, rel string) (int64, error) {
	args := m.Called(ctx, rel)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockTree) Open(ctx context.Context, rel string) (io.ReadCloser, error) {
	args := m.Called(ctx, rel)
	r, _ := args.Get(0).(io.ReadCloser)
	return r, args.Error(1)
}

func (m *MockTree) Close() error {
	return m.Called().Error(0)
}

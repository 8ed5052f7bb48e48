package database

import (
	"context"

	"github.com/npezzotti/blyss-chat/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockArchive struct {
	mock.Mock
}

func (m *MockArchive) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockArchive) SaveThreads(ctx context.Context, threads []types.Thread) error {
	args := m.Called(ctx, threads)
	return args.Error(0)
}
func (m *MockArchive) SaveMessages(ctx context.Context, messages []types.Message) error {
	args := m.Called(ctx, messages)
	return args.Error(0)
}
func (m *MockArchive) ListMessages(ctx context.Context, threadId string, limit int) ([]types.Message, error) {
	args := m.Called(ctx, threadId, limit)
	if messages, ok := args.Get(0).([]types.Message); ok {
		return messages, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockArchive) Close() error {
	args := m.Called()
	return args.Error(0)
}

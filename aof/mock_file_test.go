package aof

import "github.com/stretchr/testify/mock"

type mockFile struct {
	mock.Mock
}

func (m *mockFile) Write(p []byte) (int, error) {
	ret := m.Called(p)
	return ret.Int(0), ret.Error(1)
}

func (m *mockFile) Close() error {
	return m.Called().Error(0)
}

func (m *mockFile) Sync() error {
	ret := m.Called()
	if rf, ok := ret.Get(0).(func() error); ok {
		return rf()
	}
	return ret.Error(0)
}

type mockFlusher struct {
	mock.Mock
}

func (m *mockFlusher) Flush() error {
	return m.Called().Error(0)
}

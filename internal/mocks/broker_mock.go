package mocks

import (
	"github.com/benmeehan/fleet-monitor/pkg/mqtt"
	"github.com/stretchr/testify/mock"
)

// MockBroker is a mock implementation of the services Broker interface
type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) Publish(topic string, qos byte, retained bool, payload interface{}) error {
	args := m.Called(topic, qos, retained, payload)
	return args.Error(0)
}

func (m *MockBroker) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	args := m.Called(topic, qos, handler)
	return args.Error(0)
}

func (m *MockBroker) Unsubscribe(topics ...string) error {
	args := m.Called(topics)
	return args.Error(0)
}

func (m *MockBroker) IsConnected() bool {
	args := m.Called()
	return args.Bool(0)
}

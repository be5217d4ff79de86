package mqtt

import (
	"fmt"
	"sync"

	"github.com/kilianp07/solarcharge/core/gateway"
)

// MockGateway is a simple gateway used in tests. It records every command in
// order and can be configured to fail specific settings.
type MockGateway struct {
	mu          sync.Mutex
	commands    []string
	FailSetting map[string]bool
	State       gateway.ConnState
}

// NewMockGateway creates a new MockGateway reporting a connected link.
func NewMockGateway() *MockGateway {
	return &MockGateway{FailSetting: make(map[string]bool), State: gateway.Connected}
}

func (m *MockGateway) apply(setting, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSetting[setting] {
		return gateway.TransportError(setting, fmt.Errorf("publish failed"))
	}
	m.commands = append(m.commands, setting+"="+value)
	return nil
}

func (m *MockGateway) EnableCharging() error  { return m.apply(settingACCharge, "1") }
func (m *MockGateway) DisableCharging() error { return m.apply(settingACCharge, "0") }

func (m *MockGateway) SetChargeWindow(start, end string) error {
	return m.apply(settingChargeStart, start+".."+end)
}

func (m *MockGateway) SetChargeMode(mode int) error {
	return m.apply(settingChargeMode, fmt.Sprintf("%d", mode))
}

func (m *MockGateway) SetSOCLimit(target int) error {
	return m.apply(settingSOCLimit, fmt.Sprintf("%d", target))
}

func (m *MockGateway) ConnectionState() gateway.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.State
}

// Commands returns a copy of the recorded commands in send order.
func (m *MockGateway) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.commands))
	copy(out, m.commands)
	return out
}

// Reset clears the recorded commands.
func (m *MockGateway) Reset() {
	m.mu.Lock()
	m.commands = nil
	m.mu.Unlock()
}

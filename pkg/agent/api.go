package agent

import "sync"

// hostAPI implements API with callbacks set through its setters, the
// same callback-registration shape the teacher's PluginAPI uses for its
// RosterAPI/ChatAPI/UIAPI surface. The daemon does not use it; it hands
// runtimes its own adapter instead.
type hostAPI struct {
	mu sync.RWMutex

	sendEncrypted     func(to, plaintext string) error
	sendRoomEncrypted func(room, plaintext string) error

	pushHandlers []func(peerJID string, devices []uint32)
}

// NewHostAPI creates the API surface exposed to a loaded runtime.
func NewHostAPI() *hostAPI {
	return &hostAPI{}
}

// SetSendEncrypted wires the direct-message send callback.
func (a *hostAPI) SetSendEncrypted(f func(to, plaintext string) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sendEncrypted = f
}

// SetSendRoomEncrypted wires the group-chat send callback.
func (a *hostAPI) SetSendRoomEncrypted(f func(room, plaintext string) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sendRoomEncrypted = f
}

func (a *hostAPI) SendEncrypted(toJID, plaintext string) error {
	a.mu.RLock()
	f := a.sendEncrypted
	a.mu.RUnlock()
	if f == nil {
		return nil
	}
	return f(toJID, plaintext)
}

func (a *hostAPI) SendRoomEncrypted(roomJID, plaintext string) error {
	a.mu.RLock()
	f := a.sendRoomEncrypted
	a.mu.RUnlock()
	if f == nil {
		return nil
	}
	return f(roomJID, plaintext)
}

func (a *hostAPI) OnPushNotification(handler func(peerJID string, devices []uint32)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pushHandlers = append(a.pushHandlers, handler)
	idx := len(a.pushHandlers) - 1
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if idx < len(a.pushHandlers) {
			a.pushHandlers[idx] = nil
		}
	}
}

// EmitPushNotification notifies every registered handler that peerJID's
// device list changed.
func (a *hostAPI) EmitPushNotification(peerJID string, devices []uint32) {
	a.mu.RLock()
	handlers := make([]func(string, []uint32), len(a.pushHandlers))
	copy(handlers, a.pushHandlers)
	a.mu.RUnlock()

	for _, h := range handlers {
		if h != nil {
			go h(peerJID, devices)
		}
	}
}

var _ API = (*hostAPI)(nil)

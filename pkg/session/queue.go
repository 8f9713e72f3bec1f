package session

import (
	"fmt"

	"github.com/docbliny/bt2mqtt/pkg/busproxy"
	"github.com/docbliny/bt2mqtt/pkg/metrics"
)

// Command is a named unit of work waiting behind the single-flight
// queue.
type Command struct {
	Name       string
	Invoke     func() error
	MaxRetries int

	retryCount int
}

// ExecuteCommand enqueues a command and kicks the pump.
func (m *Manager) ExecuteCommand(cmd *Command) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, cmd)
	m.mu.Unlock()

	m.pump()
}

// pump drains the queue one command at a time. At most one command is
// ever in flight; completion re-enters the pump on a fresh goroutine so
// queued work yields to I/O and never grows the stack.
func (m *Manager) pump() {
	m.mu.Lock()
	if m.disposed || m.isExecuting || len(m.queue) == 0 {
		m.mu.Unlock()
		return
	}
	cmd := m.queue[0]
	m.queue = m.queue[1:]
	cmd.retryCount++
	m.isExecuting = true
	m.mu.Unlock()

	err := m.invoke(cmd)

	m.mu.Lock()
	switch {
	case err == nil:
		metrics.IncCommand(cmd.Name, metrics.StatusSuccess)
	case busproxy.IsNotConnected(err):
		// Reconnect logic will re-establish the session; the command is
		// stale once the connection is gone.
		m.log.Warn("dropping command after connection loss", "command", cmd.Name, "error", err)
		metrics.IncCommand(cmd.Name, metrics.StatusDropped)
	case cmd.retryCount <= cmd.MaxRetries:
		m.log.Warn("command failed, retrying",
			"command", cmd.Name, "attempt", cmd.retryCount, "error", err)
		m.queue = append([]*Command{cmd}, m.queue...)
		metrics.IncCommand(cmd.Name, metrics.StatusFailed)
	default:
		m.log.Error("command failed, retry cap reached", "command", cmd.Name, "error", err)
		metrics.IncCommand(cmd.Name, metrics.StatusDropped)
	}
	m.isExecuting = false
	m.idle.Broadcast()
	m.mu.Unlock()

	go m.pump()
}

// invoke runs the command body, converting a panic into an error so a
// faulty command cannot take the pump down.
func (m *Manager) invoke(cmd *Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command %s panicked: %v", cmd.Name, r)
		}
	}()
	return cmd.Invoke()
}

package blinds

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/docbliny/bt2mqtt/pkg/metrics"
	"github.com/docbliny/bt2mqtt/pkg/session"
)

// UnlockState is the passkey handshake state.
type UnlockState int

// Handshake states.
const (
	UnlockLocked UnlockState = iota
	UnlockUnlocking
	UnlockUnlocked
	UnlockFailed
)

func (s UnlockState) String() string {
	switch s {
	case UnlockLocked:
		return "locked"
	case UnlockUnlocking:
		return "unlocking"
	case UnlockUnlocked:
		return "unlocked"
	case UnlockFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const unlockRetryInterval = time.Second

// standardPasskeyLength is the hex length the wire encoding is known to
// handle.
const standardPasskeyLength = 12

// encodePasskey builds the bytes written to the Passkey characteristic.
// A 12-character hex passkey gets "01" appended; any other length drops
// the first two hex characters before appending. The latter branch has
// never been exercised against real hardware.
func encodePasskey(passkey string) ([]byte, bool, error) {
	var wire string
	nonstandard := len(passkey) != standardPasskeyLength
	if nonstandard {
		if len(passkey) < 2 {
			return nil, true, fmt.Errorf("passkey too short: %d hex chars", len(passkey))
		}
		wire = passkey[2:] + "01"
	} else {
		wire = passkey + "01"
	}

	data, err := hex.DecodeString(wire)
	if err != nil {
		return nil, nonstandard, fmt.Errorf("encode passkey: %w", err)
	}
	return data, nonstandard, nil
}

// expectedEcho returns the hex string a successful unlock echoes back.
func expectedEcho(passkey string) string {
	return strings.ToUpper(passkey) + "00"
}

// beginUnlock enters the Unlocking state, fires the first attempt, and
// starts the retry timer.
func (b *BlindDevice) beginUnlock() {
	b.mu.Lock()
	if b.unlockState == UnlockUnlocking {
		b.mu.Unlock()
		return
	}
	b.unlockState = UnlockUnlocking
	b.unlockAttempts = 0

	stop := make(chan struct{})
	b.unlockStop = stop
	b.mu.Unlock()

	b.attemptUnlock()
	go b.unlockLoop(stop)
}

// unlockLoop drives periodic unlock attempts until the handshake
// resolves or the device disconnects.
func (b *BlindDevice) unlockLoop(stop chan struct{}) {
	ticker := time.NewTicker(unlockRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.mu.Lock()
			if b.unlockState != UnlockUnlocking {
				b.mu.Unlock()
				return
			}
			if b.unlockAttempts >= b.cfg.MaxUnlockRetries {
				b.unlockState = UnlockFailed
				b.stopUnlockTimerLocked()
				b.mu.Unlock()
				b.log.Error("unlock failed, attempt cap reached", "attempts", b.cfg.MaxUnlockRetries)
				metrics.IncUnlockAttempt(b.cfg.Mac, metrics.StatusFailed)
				b.emit(Event{Kind: EventUnlockFailed})
				return
			}
			b.mu.Unlock()
			b.attemptUnlock()
		}
	}
}

// attemptUnlock writes the passkey and forces an echo notification by
// reading the characteristic back. Both operations go through the
// serialized command queue.
func (b *BlindDevice) attemptUnlock() {
	b.mu.Lock()
	char := b.chars[SlotPasskey]
	if char == nil {
		b.mu.Unlock()
		b.log.Warn("passkey characteristic not bound, skipping unlock attempt")
		return
	}
	b.unlockAttempts++
	attempt := b.unlockAttempts
	b.mu.Unlock()

	b.log.Debug("attempting unlock", "attempt", attempt)

	payload, nonstandard, err := encodePasskey(b.cfg.Passkey)
	if err != nil {
		b.log.Error("cannot encode passkey", "error", err)
		return
	}
	if nonstandard {
		b.log.Warn("passkey length is not 12 hex chars; wire encoding for this length is untested")
	}

	b.manager.ExecuteCommand(&session.Command{
		Name:       "unlock:write:" + b.cfg.Mac,
		MaxRetries: 1,
		Invoke: func() error {
			return char.Write(payload, session.WriteModeRequest)
		},
	})
	b.manager.ExecuteCommand(&session.Command{
		Name:       "unlock:read:" + b.cfg.Mac,
		MaxRetries: 1,
		Invoke: func() error {
			_, err := char.Read(0)
			return err
		},
	})
}

// handlePasskeyNotification resolves the handshake when the expected
// "passkey||00" echo arrives.
func (b *BlindDevice) handlePasskeyNotification(data []byte) {
	echo := strings.ToUpper(hex.EncodeToString(data))

	b.mu.Lock()
	if b.unlockState != UnlockUnlocking {
		b.mu.Unlock()
		return
	}
	if echo != expectedEcho(b.cfg.Passkey) {
		b.mu.Unlock()
		b.log.Debug("passkey echo mismatch, will retry")
		return
	}

	b.unlockState = UnlockUnlocked
	b.unlockAttempts = 0
	b.stopUnlockTimerLocked()
	b.mu.Unlock()

	b.log.Info("device unlocked")
	metrics.IncUnlockAttempt(b.cfg.Mac, metrics.StatusSuccess)
	b.emit(Event{Kind: EventUnlocked})
}

// stopUnlockTimerLocked cancels the retry timer. Called with the device
// lock held.
func (b *BlindDevice) stopUnlockTimerLocked() {
	if b.unlockStop != nil {
		close(b.unlockStop)
		b.unlockStop = nil
	}
}

// IsUnlocked reports whether the passkey handshake has completed.
func (b *BlindDevice) IsUnlocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unlockState == UnlockUnlocked
}

// State returns the current handshake state.
func (b *BlindDevice) State() UnlockState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unlockState
}

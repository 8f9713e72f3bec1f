package blinds

import "testing"

func TestDecodeStatus(t *testing.T) {
	tests := []struct {
		name string
		word uint32
		want Status
	}{
		{
			name: "All Clear",
			word: 0,
			want: Status{},
		},
		{
			name: "Reversed Solar Passkey",
			word: 0x80020001,
			want: Status{IsReversed: true, HasSolar: true, IsPasskeyValid: true},
		},
		{
			name: "Charging Flags",
			word: 0x000C0000,
			want: Status{IsSolarCharging: true, IsUsbCharging: true},
		},
		{
			name: "Fault Flags",
			word: 0x00600000,
			want: Status{IsUnderVoltageLockout: true, IsOverTemperature: true},
		},
		{
			name: "Bonding Calibrated Time",
			word: 0x00110002,
			want: Status{IsBonding: true, IsCalibrated: true, IsTimeValid: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DecodeStatus(tt.word); got != tt.want {
				t.Errorf("DecodeStatus(%#08x) = %+v, want %+v", tt.word, got, tt.want)
			}
		})
	}
}

func TestStatusRoundTrip(t *testing.T) {
	// Every defined bit position survives decode then encode.
	words := []uint32{
		0x00000001, 0x00000002, 0x00010000, 0x00020000, 0x00040000,
		0x00080000, 0x00100000, 0x00200000, 0x00400000, 0x00800000,
		0x80000000, 0x80FF0003,
	}
	for _, w := range words {
		defined := w & (statusReversed | statusBonding | statusCalibrated |
			statusHasSolar | statusSolarCharging | statusUsbCharging |
			statusTimeValid | statusUnderVoltageLockout |
			statusOverTemperature | statusTempOverride | statusPasskeyValid)
		if got := DecodeStatus(w).Encode(); got != defined {
			t.Errorf("round trip of %#08x = %#08x, want %#08x", w, got, defined)
		}
	}
}

func TestDecodeStatusPinsUnconfirmedFlags(t *testing.T) {
	// Bits with unconfirmed vendor semantics never decode to true.
	s := DecodeStatus(0xFFFFFFFF)
	if s.IsPaired {
		t.Error("IsPaired decoded true")
	}
	if s.IsPasskeyInvalid {
		t.Error("IsPasskeyInvalid decoded true")
	}
}

package macaddr

import "testing"

func TestDeviceIDRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		mac      string
		deviceID string
	}{
		{
			name:     "Typical Address",
			mac:      "AA:BB:CC:DD:EE:FF",
			deviceID: "dev_AA_BB_CC_DD_EE_FF",
		},
		{
			name:     "Numeric Address",
			mac:      "00:11:22:33:44:55",
			deviceID: "dev_00_11_22_33_44_55",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ToDeviceID(tt.mac); got != tt.deviceID {
				t.Errorf("ToDeviceID() = %s, want %s", got, tt.deviceID)
			}
			if got := FromDeviceID(tt.deviceID); got != tt.mac {
				t.Errorf("FromDeviceID() = %s, want %s", got, tt.mac)
			}
		})
	}
}

func TestFromDeviceIDRejectsForeignIdentifiers(t *testing.T) {
	if got := FromDeviceID("service0001"); got != "" {
		t.Errorf("FromDeviceID() = %q, want empty", got)
	}
}

func TestEncodedMacRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		mac  string
	}{
		{name: "Typical", mac: "AA:BB:CC:DD:EE:FF"},
		{name: "Zeroes", mac: "00:00:00:00:00:00"},
		{name: "Mixed", mac: "01:23:45:67:89:AB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := EncodeMac(tt.mac)
			if err != nil {
				t.Fatalf("EncodeMac() error = %v", err)
			}
			decoded, err := DecodeMac(encoded)
			if err != nil {
				t.Fatalf("DecodeMac() error = %v", err)
			}
			if decoded != tt.mac {
				t.Errorf("round trip = %s, want %s", decoded, tt.mac)
			}
		})
	}
}

func TestDecodeMacReversesBytes(t *testing.T) {
	// Raw bytes FF EE DD CC BB AA render as AA:BB:CC:DD:EE:FF.
	decoded, err := DecodeMac("/+7dzLuq")
	if err != nil {
		t.Fatalf("DecodeMac() error = %v", err)
	}
	if decoded != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("DecodeMac() = %s, want AA:BB:CC:DD:EE:FF", decoded)
	}
}

func TestDecodePasskey(t *testing.T) {
	// Raw bytes 00 01 02 03 04 05.
	decoded, err := DecodePasskey("AAECAwQF")
	if err != nil {
		t.Fatalf("DecodePasskey() error = %v", err)
	}
	if decoded != "000102030405" {
		t.Errorf("DecodePasskey() = %s, want 000102030405", decoded)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "Lowercase", in: "aa:bb:cc:dd:ee:ff", want: "AA:BB:CC:DD:EE:FF"},
		{name: "Already Canonical", in: "00:11:22:33:44:55", want: "00:11:22:33:44:55"},
		{name: "Missing Segment", in: "AA:BB:CC:DD:EE", wantErr: true},
		{name: "Garbage", in: "not-a-mac", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Normalize() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Normalize() = %s, want %s", got, tt.want)
			}
		})
	}
}

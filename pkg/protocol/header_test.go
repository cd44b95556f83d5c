package protocol

import (
	"bytes"
	"testing"
)

func TestHeaderEncodeDecode(t *testing.T) {
	tests := []struct {
		name   string
		header *Header
	}{
		{
			name: "standard header",
			header: &Header{
				Magic:          ProtocolMagic,
				Version:        ProtocolVersion,
				Type:           MsgTypeRegistryQuery,
				Flags:          FlagEncrypted,
				SessionID:      42,
				SequenceNumber: 7,
				PayloadLength:  1024,
			},
		},
		{
			name: "header with multiple flags",
			header: &Header{
				Magic:          ProtocolMagic,
				Version:        ProtocolVersion,
				Type:           MsgTypeBundleSubmit,
				Flags:          FlagEncrypted | FlagCompressed | FlagRequiresAck,
				SessionID:      1,
				SequenceNumber: 99,
				PayloadLength:  2048,
			},
		},
		{
			name: "control frame with zero sequence",
			header: &Header{
				Magic:         ProtocolMagic,
				Version:       ProtocolVersion,
				Type:          MsgTypeHeartbeat,
				SessionID:     3,
				PayloadLength: 0,
			},
		},
		{
			name: "stream data header",
			header: &Header{
				Magic:          ProtocolMagic,
				Version:        ProtocolVersion,
				Type:           MsgTypeMetricsStream,
				Flags:          FlagEncrypted | FlagStreamData | FlagPriority,
				SessionID:      0xFFFFFFFFFFFFFFFF,
				SequenceNumber: 0xFFFFFFFFFFFFFFFF,
				PayloadLength:  4096,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.header.Encode()
			if len(encoded) != HeaderSize {
				t.Fatalf("encoded header size = %d, want %d", len(encoded), HeaderSize)
			}

			decoded := &Header{}
			if err := decoded.Decode(encoded); err != nil {
				t.Fatalf("decode failed: %v", err)
			}

			if *decoded != *tt.header {
				t.Errorf("decoded header = %+v, want %+v", decoded, tt.header)
			}
		})
	}
}

func TestHeaderValidate(t *testing.T) {
	tests := []struct {
		name    string
		header  Header
		wantErr error
	}{
		{
			name:    "valid",
			header:  Header{Magic: ProtocolMagic, Version: ProtocolVersion},
			wantErr: nil,
		},
		{
			name:    "bad magic",
			header:  Header{Magic: 0xDEADBEEF, Version: ProtocolVersion},
			wantErr: ErrBadMagic,
		},
		{
			name:    "unsupported version",
			header:  Header{Magic: ProtocolMagic, Version: 0x7F},
			wantErr: ErrUnsupportedVersion,
		},
		{
			name:    "oversized payload",
			header:  Header{Magic: ProtocolMagic, Version: ProtocolVersion, PayloadLength: AbsoluteMaxPayload + 1},
			wantErr: ErrOversizedFrame,
		},
		{
			name:    "bad magic wins over bad version",
			header:  Header{Magic: 0, Version: 0x7F},
			wantErr: ErrBadMagic,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.header.Validate(); err != tt.wantErr {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestHeaderFlags(t *testing.T) {
	h := &Header{}

	h.SetFlag(FlagEncrypted)
	h.SetFlag(FlagRequiresAck)

	if !h.HasFlag(FlagEncrypted) {
		t.Error("FlagEncrypted should be set")
	}
	if !h.HasFlag(FlagRequiresAck) {
		t.Error("FlagRequiresAck should be set")
	}
	if h.HasFlag(FlagFragmented) {
		t.Error("FlagFragmented should not be set")
	}

	h.ClearFlag(FlagEncrypted)
	if h.HasFlag(FlagEncrypted) {
		t.Error("FlagEncrypted should be cleared")
	}
	if !h.HasFlag(FlagRequiresAck) {
		t.Error("FlagRequiresAck should survive clearing another flag")
	}
}

func TestHeaderDecodeTruncated(t *testing.T) {
	h := &Header{}
	if err := h.Decode(make([]byte, HeaderSize-1)); err != ErrTruncated {
		t.Errorf("Decode short buffer = %v, want %v", err, ErrTruncated)
	}
}

func TestHeaderWireLayout(t *testing.T) {
	h := &Header{
		Magic:   ProtocolMagic,
		Version: ProtocolVersion,
		Type:    MsgTypeHandshake,
	}
	encoded := h.Encode()

	// Magic must encode as ASCII "XTMP" on the wire.
	if !bytes.Equal(encoded[0:4], []byte("XTMP")) {
		t.Errorf("magic bytes = %q, want %q", encoded[0:4], "XTMP")
	}
	if encoded[4] != 0x01 {
		t.Errorf("version byte = 0x%02x, want 0x01", encoded[4])
	}
}

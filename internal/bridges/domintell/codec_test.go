package domintell

import (
	"errors"
	"testing"
)

func TestDecodeLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []ModuleEvent
	}{
		{
			name: "relay bitmask",
			line: "BIR00001D 05",
			want: []ModuleEvent{
				{Module: "BIR00001D", Channel: 0, Value: 1},
				{Module: "BIR00001D", Channel: 1, Value: 0},
				{Module: "BIR00001D", Channel: 2, Value: 1},
				{Module: "BIR00001D", Channel: 3, Value: 0},
				{Module: "BIR00001D", Channel: 4, Value: 0},
				{Module: "BIR00001D", Channel: 5, Value: 0},
				{Module: "BIR00001D", Channel: 6, Value: 0},
			},
		},
		{
			name: "dimmer slots",
			line: "DIM00002A 0A1400FF64320B",
			want: []ModuleEvent{
				{Module: "DIM00002A", Channel: 0, Value: 10},
				{Module: "DIM00002A", Channel: 1, Value: 20},
				{Module: "DIM00002A", Channel: 2, Value: 0},
				{Module: "DIM00002A", Channel: 3, Value: 255},
				{Module: "DIM00002A", Channel: 4, Value: 100},
				{Module: "DIM00002A", Channel: 5, Value: 50},
				{Module: "DIM00002A", Channel: 6, Value: 11},
			},
		},
		{
			name: "thermostat temperature",
			line: "PRL000123T21.5 18.0 AUTO",
			want: []ModuleEvent{{Module: "PRL000123", Channel: NoChannel, Value: 21.5}},
		},
		{
			name: "negative temperature",
			line: "PRL000123T-3.0",
			want: []ModuleEvent{{Module: "PRL000123", Channel: NoChannel, Value: -3}},
		},
		{
			name: "thermostat setpoint report",
			line: "PRL000123S20.0",
			want: nil,
		},
		{
			name: "detector active",
			line: "DET000045 01",
			want: []ModuleEvent{{Module: "DET000045", Channel: 0, Value: 1}},
		},
		{
			name: "detector uses bit 0 only",
			line: "DET000045 02",
			want: []ModuleEvent{{Module: "DET000045", Channel: 0, Value: 0}},
		},
		{
			name: "four inputs",
			line: "IS4000012 050000",
			want: []ModuleEvent{
				{Module: "IS4000012", Channel: 0, Value: 1},
				{Module: "IS4000012", Channel: 1, Value: 0},
				{Module: "IS4000012", Channel: 2, Value: 1},
				{Module: "IS4000012", Channel: 3, Value: 0},
			},
		},
		{
			name: "analog output",
			line: "D10000077 64",
			want: []ModuleEvent{{Module: "D10000077", Channel: 0, Value: 100}},
		},
		{
			name: "shutter moving up on first output",
			line: "TRV0000B1 01",
			want: []ModuleEvent{
				{Module: "TRV0000B1", Channel: 0, Value: 1},
				{Module: "TRV0000B1", Channel: 1, Value: 0},
				{Module: "TRV0000B1", Channel: 2, Value: 0},
				{Module: "TRV0000B1", Channel: 3, Value: 0},
			},
		},
		{
			name: "shutter mixed directions",
			line: "TRV0000B1 24",
			want: []ModuleEvent{
				{Module: "TRV0000B1", Channel: 0, Value: 0},
				{Module: "TRV0000B1", Channel: 1, Value: 1},
				{Module: "TRV0000B1", Channel: 2, Value: 2},
				{Module: "TRV0000B1", Channel: 3, Value: 0},
			},
		},
		{
			name: "dali point",
			line: "DAL000000000001:01A",
			want: []ModuleEvent{{Module: "DAL000000000", Channel: NoChannel, Value: 1}},
		},
		{
			name: "dali level",
			line: "DAL0000000100 3F",
			want: []ModuleEvent{{Module: "DAL000000010", Channel: NoChannel, Value: 63}},
		},
		{name: "variable ignored", line: "VAR000001 12", want: nil},
		{name: "system ignored", line: "SYS000001 00", want: nil},
		{name: "push button ignored", line: "B8400001A 01", want: nil},
		{name: "empty line", line: "", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeLine(tt.line)
			if err != nil {
				t.Fatalf("DecodeLine(%q) error = %v", tt.line, err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("DecodeLine(%q) = %d events, want %d: %+v", tt.line, len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("event %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDecodeLineChannelCounts(t *testing.T) {
	tests := []struct {
		line string
		want int
	}{
		{"BIR00001D FF", 7},
		{"DIM00002A 0000000000000000", 7},
		{"IS4000012 000000", 4},
		{"IS8000012 FF0000", 8},
		{"I20000012 FFFF0F", 20},
		{"TRV0000B1 00", 4},
	}

	for _, tt := range tests {
		t.Run(tt.line[:3], func(t *testing.T) {
			got, err := DecodeLine(tt.line)
			if err != nil {
				t.Fatalf("DecodeLine(%q) error = %v", tt.line, err)
			}
			if len(got) != tt.want {
				t.Errorf("DecodeLine(%q) = %d events, want %d", tt.line, len(got), tt.want)
			}
			for k, ev := range got {
				if ev.Channel != k {
					t.Errorf("event %d has channel %d", k, ev.Channel)
				}
			}
		})
	}
}

func TestDecodeLineLittleEndianInputs(t *testing.T) {
	// Bytes arrive least significant first: 00 01 02 -> 0x020100.
	got, err := DecodeLine("I20000012 000102")
	if err != nil {
		t.Fatalf("DecodeLine() error = %v", err)
	}

	for _, ev := range got {
		want := 0.0
		if ev.Channel == 8 || ev.Channel == 17 {
			want = 1
		}
		if ev.Value != want {
			t.Errorf("channel %d = %v, want %v", ev.Channel, ev.Value, want)
		}
	}

	if id := got[17].Identifier(); id != "I20000012-12" {
		t.Errorf("channel 17 identifier = %q, want I20000012-12", id)
	}
}

func TestDecodeLineErrors(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantErr error
	}{
		{"unknown prefix", "XYZ000001 01", ErrUnrecognizedLine},
		{"too short for prefix", "BI", ErrUnrecognizedLine},
		{"relay without value", "BIR00001D", ErrMalformedLine},
		{"relay non-hex value", "BIR00001D XX", ErrMalformedLine},
		{"dimmer truncated", "DIM00002A 0A14", ErrMalformedLine},
		{"dimmer bad slot", "DIM00002A 0A14ZZFF64320B", ErrMalformedLine},
		{"thermostat non-numeric", "PRL000123Tabc", ErrMalformedLine},
		{"thermostat empty value", "PRL000123T", ErrMalformedLine},
		{"thermostat NaN", "PRL000001TNaN 1", ErrMalformedLine},
		{"thermostat infinity", "PRL000001TInf 1", ErrMalformedLine},
		{"thermostat negative infinity", "PRL000001T-Inf 1", ErrMalformedLine},
		{"thermostat hex float", "PRL000001T0x1p4 1", ErrMalformedLine},
		{"thermostat exponent", "PRL000001T2e1 1", ErrMalformedLine},
		{"thermostat bare point", "PRL000001T21. 1", ErrMalformedLine},
		{"thermostat sign only", "PRL000001T- 1", ErrMalformedLine},
		{"inputs truncated", "IS4000012 0500", ErrMalformedLine},
		{"shutter truncated", "TRV0000B1 0", ErrMalformedLine},
		{"dali truncated", "DAL000000000", ErrMalformedLine},
		{"analog bad value", "D10000077 GG", ErrMalformedLine},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeLine(tt.line)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("DecodeLine(%q) error = %v, want %v", tt.line, err, tt.wantErr)
			}
			if len(got) != 0 {
				t.Errorf("DecodeLine(%q) returned %d events on error", tt.line, len(got))
			}
		})
	}
}

func TestSplitLines(t *testing.T) {
	got := SplitLines("BIR00001D 01\r\nDET000045 01\rTRV0000B1 00\n\nD10000077 64\n")
	want := []string{"BIR00001D 01", "DET000045 01", "TRV0000B1 00", "D10000077 64"}

	if len(got) != len(want) {
		t.Fatalf("SplitLines() = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDeriveIdentifier(t *testing.T) {
	tests := []struct {
		module  string
		channel int
		want    string
	}{
		{"BIR00001D", 0, "BIR00001D-1"},
		{"DIM00002A", 6, "DIM00002A-7"},
		{"DET000045", 0, "DET000045-1"},
		{"D10000077", 0, "D10000077-1"},
		{"IS8000012", 7, "IS8000012-8"},
		{"I20000012", 9, "I20000012-a"},
		{"I20000012", 19, "I20000012-14"},
		{"TRV0000B1", 0, "TRV0000B1-1"},
		{"TRV0000B1", 3, "TRV0000B1-7"},
		{"DAL000000010", NoChannel, "DAL000000010"},
		{"PRL000123", NoChannel, "PRL000123"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := DeriveIdentifier(tt.module, tt.channel); got != tt.want {
				t.Errorf("DeriveIdentifier(%q, %d) = %q, want %q", tt.module, tt.channel, got, tt.want)
			}
		})
	}
}

func TestEncodeCommand(t *testing.T) {
	tests := []struct {
		name       string
		identifier string
		verb       Verb
		level      int
		want       string
		wantErr    bool
	}{
		{name: "on", identifier: "BIR00001D-3", verb: VerbOn, want: "BIR00001D-3%I"},
		{name: "off", identifier: "BIR00001D-3", verb: VerbOff, want: "BIR00001D-3%O"},
		{name: "dim", identifier: "DIM00002A-1", verb: VerbDim, level: 40, want: "DIM00002A-1%D40"},
		{name: "dim clamps high", identifier: "DIM00002A-1", verb: VerbDim, level: 150, want: "DIM00002A-1%D100"},
		{name: "dim clamps low", identifier: "DIM00002A-1", verb: VerbDim, level: -5, want: "DIM00002A-1%D0"},
		{name: "up", identifier: "TRV0000B1-1", verb: VerbUp, want: "TRV0000B1-1%H"},
		{name: "down", identifier: "TRV0000B1-1", verb: VerbDown, want: "TRV0000B1-1%L"},
		{name: "stop", identifier: "TRV0000B1-1", verb: VerbStop, want: "TRV0000B1-1%O"},
		{name: "empty identifier", identifier: "", verb: VerbOn, wantErr: true},
		{name: "identifier with newline", identifier: "BIR00001D-1\nHELLO", verb: VerbOn, wantErr: true},
		{name: "unknown verb", identifier: "BIR00001D-1", verb: Verb("X"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeCommand(tt.identifier, tt.verb, tt.level)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidCommand) {
					t.Errorf("EncodeCommand() error = %v, want ErrInvalidCommand", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("EncodeCommand() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("EncodeCommand() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoginCommands(t *testing.T) {
	if got := LoginCommand("", ""); got != "LOGINPSW@:" {
		t.Errorf("bare login = %q, want LOGINPSW@:", got)
	}
	if got := LoginCommand("u", "abc"); got != "LOGINPSW@u:abc" {
		t.Errorf("salted login = %q", got)
	}
	if got := RequestSaltCommand("admin"); got != "REQUESTSALT@admin" {
		t.Errorf("RequestSaltCommand() = %q", got)
	}
}

func BenchmarkDecodeLine(b *testing.B) {
	lines := []string{"BIR00001D 05", "DIM00002A 0A1400FF64320B", "I20000012 000102", "TRV0000B1 24"}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		for _, line := range lines {
			if _, err := DecodeLine(line); err != nil {
				b.Fatal(err)
			}
		}
	}
}

package capability

import "testing"

func TestGrantRevokeRoundTrip(t *testing.T) {
	s := NewSet(Send | Receive)
	before := s.Load()
	s.Grant(Spawn)
	if !s.Has(Spawn) {
		t.Fatal("Spawn not granted")
	}
	s.Revoke(Spawn)
	if s.Load() != before {
		t.Errorf("after grant+revoke = %v, want %v", s.Load(), before)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      []string
		want    Cap
		wantErr bool
	}{
		{[]string{"spawn", "Send"}, Spawn | Send, false},
		{[]string{"trap_exit"}, TrapExit, false},
		{[]string{"all"}, All, false},
		{[]string{"none"}, None, false},
		{[]string{"teleport"}, None, true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("Parse(%v) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestString(t *testing.T) {
	if got := (Spawn | Send).String(); got != "spawn|send" {
		t.Errorf("String() = %q", got)
	}
	if All.Count() != 17 {
		t.Errorf("All has %d bits, want 17", All.Count())
	}
	if !Subset(Send, Send|Spawn) || Subset(Shell, Send) {
		t.Error("Subset misbehaves")
	}
}

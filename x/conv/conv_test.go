package conv

import "testing"

func TestFormatting(t *testing.T) {
	var buf [24]byte
	cases := []struct {
		name string
		got  string
		want string
	}{
		{"utoa zero", string(Utoa(buf[:], 0)), "0"},
		{"utoa", string(Utoa(buf[:], 18446744073709551615)), "18446744073709551615"},
		{"itoa neg", string(Itoa(buf[:], -42)), "-42"},
		{"itoa min", string(Itoa(buf[:], -9223372036854775808)), "-9223372036854775808"},
		{"fixed mV", string(Fixed(buf[:], 3701, 3)), "3.701"},
		{"fixed small", string(Fixed(buf[:], 5, 3)), "0.005"},
		{"fixed neg", string(Fixed(buf[:], -2000, 3)), "-2.000"},
		{"fixed permille", string(Fixed(buf[:], 455, 1)), "45.5"},
		{"fixed none", string(Fixed(buf[:], 12, 0)), "12"},
		{"hex", string(U32Hex(buf[:], 0x1A)), "0000001A"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("%s: got %q want %q", tc.name, tc.got, tc.want)
		}
	}
}

func TestShortBuffer(t *testing.T) {
	var small [2]byte
	if got := Fixed(small[:], 3701, 3); len(got) != 0 {
		t.Fatalf("expected empty result, got %q", got)
	}
	if got := U32Hex(small[:], 1); len(got) != 0 {
		t.Fatalf("expected empty result, got %q", got)
	}
}

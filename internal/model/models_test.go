package model

import "testing"

func TestMaskIdentity(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+919876543210", "****3210"},
		{"+15550001111", "****1111"},
		{"1234", "****"},
		{"123", "****"},
		{"", "****"},
	}
	for _, tt := range tests {
		if got := MaskIdentity(tt.in); got != tt.want {
			t.Errorf("MaskIdentity(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestVerifyStatusString(t *testing.T) {
	tests := []struct {
		status VerifyStatus
		want   string
	}{
		{VerifyValid, "valid"},
		{VerifyInvalid, "invalid"},
		{VerifyExpired, "expired"},
		{VerifyNotFound, "not_found"},
		{VerifyStatus(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

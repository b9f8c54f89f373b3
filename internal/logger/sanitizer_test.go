package logger

import (
	"errors"
	"testing"
)

func TestSanitizer_Sanitize(t *testing.T) {
	s := NewSanitizer()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "password",
			input:    "login with password=secret123",
			expected: "login with password=***",
		},
		{
			name:     "session id",
			input:    "resume sid=AbCdEf123 ok",
			expected: "resume sid=*** ok",
		},
		{
			name:     "bearer token",
			input:    "Authorization: Bearer eyJhbGc...",
			expected: "Authorization: bearer ***",
		},
		{
			name:     "node key",
			input:    "decrypt nodekey=0a1b2c3d4e5f",
			expected: "decrypt nodekey=***",
		},
		{
			name:     "public link key",
			input:    "export https://mega.nz/file/AbCd1234#XyZ_key-9 done",
			expected: "export https://mega.nz/file/AbCd1234#*** done",
		},
		{
			name:     "windows user path",
			input:    "file at C:\\Users\\john\\Documents\\file.txt",
			expected: "file at ***:\\Users\\***\\Documents\\file.txt",
		},
		{
			name:     "unix home path",
			input:    "sync root /home/john/Cloud",
			expected: "sync root /home/***/Cloud",
		},
		{
			name:     "email partial mask",
			input:    "account: john.doe@example.com",
			expected: "account: joh***@example.com",
		},
		{
			name:     "no sensitive data",
			input:    "assigned 12 fsids",
			expected: "assigned 12 fsids",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := s.Sanitize(tt.input); result != tt.expected {
				t.Errorf("Sanitize() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestSanitizer_SanitizeArgs(t *testing.T) {
	s := NewSanitizer()

	input := []any{
		"path", "docs/a.txt",
		"password", "secret123",
		"key", []byte("0123456789"),
		"session", errors.New("sid-abcdefgh"),
		"size", 1024,
		"odd",
	}
	result := s.SanitizeArgs(input)

	want := []any{
		"path", "docs/a.txt",
		"password", "s***3",
		"key", "0***9",
		"session", "s***h",
		"size", 1024,
		"odd",
	}
	if len(result) != len(want) {
		t.Fatalf("SanitizeArgs() returned %d args, want %d", len(result), len(want))
	}
	for i := range want {
		if result[i] != want[i] {
			t.Errorf("arg %d = %v, want %v", i, result[i], want[i])
		}
	}
	if input[3] != "secret123" {
		t.Error("SanitizeArgs() must not modify its input")
	}
}

func TestSanitizer_AddRule(t *testing.T) {
	s := NewSanitizer()

	if err := s.AddRule(`handle=[0-9a-f]{12}`, "handle=***"); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}
	if got := s.Sanitize("purge handle=0000aabbccdd"); got != "purge handle=***" {
		t.Errorf("Sanitize() = %q", got)
	}
	if err := s.AddRule(`(`, ""); err == nil {
		t.Error("AddRule() with an invalid pattern should fail")
	}
}

func TestSanitizer_MaskValue(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"ab", "***"},
		{"abc", "a***"},
		{"abcdefgh", "a***"},
		{"abcdefghi", "a***i"},
		{"verylongpassword", "v***d"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if result := maskValue(tt.input); result != tt.expected {
				t.Errorf("maskValue(%s) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestSanitizer_IsSensitiveKey(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"password", true},
		{"user_password", true},
		{"PASSWORD", true},
		{"sid", true},
		{"key", true},
		{"masterKey", true},
		{"api_key", true},
		{"inside", false},
		{"keys_loaded", false},
		{"handle", false},
		{"fingerprint", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if result := isSensitiveKey(tt.input); result != tt.expected {
				t.Errorf("isSensitiveKey(%s) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

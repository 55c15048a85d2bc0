package setup

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestPrompter_String(t *testing.T) {
	tests := []struct {
		name  string
		input string
		def   string
		want  string
	}{
		{"value", "hello\n", "", "hello"},
		{"default", "\n", "fallback", "fallback"},
		{"required retries", "\n\nfinally\n", "", "finally"},
		{"eof", "", "fallback", "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			p := NewPrompter(strings.NewReader(tt.input), &out)
			if got := p.String("Label", tt.def); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPrompter_Secret(t *testing.T) {
	var out bytes.Buffer
	p := NewPrompter(strings.NewReader("\n  s3cret  \n"), &out)
	if got := p.Secret("Token"); got != "s3cret" {
		t.Errorf("Secret() = %q, want %q", got, "s3cret")
	}
	if !strings.Contains(out.String(), "required") {
		t.Error("expected a required hint after the empty answer")
	}
}

func TestPrompter_Confirm(t *testing.T) {
	tests := []struct {
		input      string
		defaultYes bool
		want       bool
	}{
		{"y\n", false, true},
		{"yes\n", false, true},
		{"n\n", true, false},
		{"\n", true, true},
		{"\n", false, false},
		{"", true, true},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		p := NewPrompter(strings.NewReader(tt.input), &out)
		if got := p.Confirm("Proceed?", tt.defaultYes); got != tt.want {
			t.Errorf("Confirm(%q, %v) = %v, want %v", tt.input, tt.defaultYes, got, tt.want)
		}
	}
}

func TestPrompter_Select(t *testing.T) {
	options := []string{"1m0s", "5m0s", "15m0s"}

	var out bytes.Buffer
	p := NewPrompter(strings.NewReader("9\nabc\n3\n"), &out)
	idx, err := p.Select("Interval", options, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if idx != 2 {
		t.Errorf("Select() = %d, want 2", idx)
	}
	if !strings.Contains(out.String(), "(pick 1 to 3)") {
		t.Errorf("missing range hint:\n%s", out.String())
	}

	p = NewPrompter(strings.NewReader("\n"), &out)
	if idx, _ := p.Select("Interval", options, 1); idx != 1 {
		t.Errorf("Select() default = %d, want 1", idx)
	}

	p = NewPrompter(strings.NewReader(""), &out)
	if _, err := p.Select("Interval", options, 1); err == nil {
		t.Error("expected error on EOF")
	}
	if _, err := p.Select("Interval", nil, 0); err == nil {
		t.Error("expected error for empty options")
	}
}

func TestPrompter_Duration(t *testing.T) {
	var out bytes.Buffer
	p := NewPrompter(strings.NewReader("soon\n2h\n45s\n"), &out)
	got := p.Duration("Poll", 5*time.Minute, 30*time.Second, time.Hour)
	if got != 45*time.Second {
		t.Errorf("Duration() = %v, want 45s", got)
	}
	if !strings.Contains(out.String(), "not a duration") || !strings.Contains(out.String(), "must be between") {
		t.Errorf("missing validation hints:\n%s", out.String())
	}
}

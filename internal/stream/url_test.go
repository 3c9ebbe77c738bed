package stream

import (
	"net/url"
	"strings"
	"testing"
)

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		name  string
		base  string
		token string
		want  string
	}{
		{
			"plain",
			"wss://stream.example.com/audio-bridge",
			"tok123",
			"wss://stream.example.com/audio-bridge?token=Bearer+tok123",
		},
		{
			"existing query",
			"wss://stream.example.com/audio-bridge?id=abc",
			"tok123",
			"wss://stream.example.com/audio-bridge?id=abc&token=Bearer+tok123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EndpointURL(tt.base, tt.token)
			if err != nil {
				t.Fatalf("EndpointURL: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEndpointURLEscapesToken(t *testing.T) {
	got, err := EndpointURL("wss://stream.example.com/ws", "a+b/c=")
	if err != nil {
		t.Fatalf("EndpointURL: %v", err)
	}
	if strings.Contains(got, "a+b/c=") {
		t.Errorf("token not escaped: %q", got)
	}

	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("parse result: %v", err)
	}
	if tok := u.Query().Get("token"); tok != "Bearer a+b/c=" {
		t.Errorf("round-tripped token = %q, want %q", tok, "Bearer a+b/c=")
	}
}

func TestEndpointURLInvalidBase(t *testing.T) {
	if _, err := EndpointURL("://bad", "tok"); err == nil {
		t.Error("expected error for invalid base URL")
	}
}

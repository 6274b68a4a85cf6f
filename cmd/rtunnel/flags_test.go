package main

import "testing"

func TestNormalizeRelayURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"relay.example.com", "wss://relay.example.com/control", false},
		{"relay.example.com:8443", "wss://relay.example.com:8443/control", false},
		{"ws://127.0.0.1:9000", "ws://127.0.0.1:9000/control", false},
		{"http://127.0.0.1:9000/", "ws://127.0.0.1:9000/control", false},
		{"https://relay.example.com/tunnel", "wss://relay.example.com/tunnel", false},
		{"  wss://relay.example.com/control  ", "wss://relay.example.com/control", false},
		{"ftp://relay.example.com", "", true},
		{"wss://", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := normalizeRelayURL(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("normalizeRelayURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"relay", "agent"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not found: %v", name, err)
			continue
		}
		if cmd.Flags().Lookup("config") == nil || cmd.Flags().Lookup("debug") == nil {
			t.Errorf("%s is missing --config or --debug", name)
		}
	}
}

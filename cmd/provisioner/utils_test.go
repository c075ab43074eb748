package main

import "testing"

func TestParseTargetURL(t *testing.T) {
	tests := []struct {
		in      string
		user    string
		host    string
		port    int
		wantErr bool
	}{
		{in: "root@10.0.0.9", user: "root", host: "10.0.0.9"},
		{in: "admin@win01.corp.local:5986", user: "admin", host: "win01.corp.local", port: 5986},
		{in: "ops@[fe80::1]:2222", user: "ops", host: "fe80::1", port: 2222},
		{in: "ops@[fe80::1]", user: "ops", host: "fe80::1"},
		{in: "ops@fe80::1", user: "ops", host: "fe80::1"},
		{in: "10.0.0.9", wantErr: true},
		{in: "@10.0.0.9", wantErr: true},
		{in: "root:pw@10.0.0.9", wantErr: true},
		{in: "root@10.0.0.9:ssh", wantErr: true},
		{in: "root@10.0.0.9:70000", wantErr: true},
		{in: "root@", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			user, host, port, err := parseTargetURL(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if user != tt.user || host != tt.host || port != tt.port {
				t.Errorf("got (%q, %q, %d), want (%q, %q, %d)", user, host, port, tt.user, tt.host, tt.port)
			}
		})
	}
}

package util

import (
	"net"
	"testing"
)

func TestParseIPv4(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"10.0.0.5", "10.0.0.5", false},
		{" 192.168.1.1 ", "192.168.1.1", false},
		{"", "", false},
		{"::1", "", true},
		{"10.0.0", "", true},
		{"gateway", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ip, err := ParseIPv4(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseIPv4(%q) err = %v, wantErr = %v", tt.in, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if tt.want == "" {
				if ip != nil {
					t.Errorf("expected nil, got %v", ip)
				}
				return
			}
			if ip.String() != tt.want {
				t.Errorf("got %v, want %s", ip, tt.want)
			}
		})
	}
}

func TestMaskBits(t *testing.T) {
	tests := []struct {
		mask    string
		want    int
		wantErr bool
	}{
		{"255.255.255.0", 24, false},
		{"255.255.0.0", 16, false},
		{"255.0.255.0", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := MaskBits(tt.mask)
		if (err != nil) != tt.wantErr {
			t.Errorf("MaskBits(%q) err = %v, wantErr = %v", tt.mask, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("MaskBits(%q) = %d, want %d", tt.mask, got, tt.want)
		}
	}
}

func TestRemoteIPv4(t *testing.T) {
	tcp := &net.TCPAddr{IP: net.ParseIP("10.0.0.6"), Port: 5000}
	if got := RemoteIPv4(tcp); got.String() != "10.0.0.6" {
		t.Errorf("got %v", got)
	}
	v6 := &net.TCPAddr{IP: net.ParseIP("fe80::1"), Port: 5000}
	if got := RemoteIPv4(v6); got != nil {
		t.Errorf("expected nil for IPv6 peer, got %v", got)
	}
	if got := RemoteIPv4(&net.UnixAddr{Name: "/tmp/x", Net: "unix"}); got != nil {
		t.Errorf("expected nil for unix peer, got %v", got)
	}
}

func TestFormatAddr(t *testing.T) {
	if got := FormatAddr("1.2.3.4", 6638); got != "1.2.3.4:6638" {
		t.Errorf("got %q, want %q", got, "1.2.3.4:6638")
	}
}

func TestFindFreePort(t *testing.T) {
	port, err := FindFreePort()
	if err != nil {
		t.Fatal(err)
	}
	if port < 1 || port > 65535 {
		t.Errorf("port %d out of range", port)
	}
}

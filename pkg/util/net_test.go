package util

import (
	"net"
	"strings"
	"testing"
)

func TestValidateInterfaceName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"r1-eth0", false},
		{"vrf0", false},
		{"r1-cust1", false},
		{"exactly15charsx", false},
		{"sixteen-chars-xx", true},
		{"", true},
		{"bad/name", true},
		{"has space", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateInterfaceName(tt.name)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateInterfaceName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
		})
	}
}

func TestParseIPWithMask(t *testing.T) {
	ip, n, err := ParseIPWithMask("10.50.0.1/24")
	if err != nil {
		t.Fatal(err)
	}
	if !ip.Equal(net.ParseIP("10.50.0.1")) || n != 24 {
		t.Errorf("ParseIPWithMask = %v/%d, want 10.50.0.1/24", ip, n)
	}

	if _, _, err := ParseIPWithMask("10.50.0.1"); err == nil {
		t.Error("ParseIPWithMask without mask should fail")
	}
}

func TestSplitIPMask(t *testing.T) {
	tests := []struct {
		in     string
		ip     string
		length int
	}{
		{"1.1.1.1/24", "1.1.1.1", 24},
		{"1.1.1.1", "1.1.1.1", 32},
		{"1.1.1.1/x", "1.1.1.1", 32},
	}
	for _, tt := range tests {
		ip, n := SplitIPMask(tt.in)
		if ip != tt.ip || n != tt.length {
			t.Errorf("SplitIPMask(%q) = (%q, %d), want (%q, %d)", tt.in, ip, n, tt.ip, tt.length)
		}
	}
}

func TestDeriveMAC(t *testing.T) {
	a := DeriveMAC("r1-cust1/r1-cust2")
	b := DeriveMAC("r1-cust1/r1-cust2")
	c := DeriveMAC("r1-cust1/r1-cust3")

	if a != b {
		t.Errorf("DeriveMAC not deterministic: %s != %s", a, b)
	}
	if a == c {
		t.Errorf("DeriveMAC collision for different seeds: %s", a)
	}
	if !strings.HasPrefix(a, "02:80:ed:") {
		t.Errorf("DeriveMAC = %s, want 02:80:ed: prefix", a)
	}
	if _, err := net.ParseMAC(a); err != nil {
		t.Errorf("DeriveMAC = %s does not parse: %v", a, err)
	}
}

func TestShortName(t *testing.T) {
	if got := ShortName("br-", "s1"); got != "br-s1" {
		t.Errorf("ShortName short = %q, want br-s1", got)
	}

	long := ShortName("bp-", "r1-eth0.switch-fabric-a")
	if len(long) != MaxInterfaceName {
		t.Errorf("len(ShortName) = %d, want %d", len(long), MaxInterfaceName)
	}
	if !strings.HasPrefix(long, "bp-") {
		t.Errorf("ShortName = %q, want bp- prefix", long)
	}
	if long != ShortName("bp-", "r1-eth0.switch-fabric-a") {
		t.Error("ShortName not deterministic")
	}
}

package broker

import "testing"

func Test_ip_allow_list_empty_admits_any(t *testing.T) {
	list, err := ParseIPAllowList(nil)
	if err != nil {
		t.Fatalf("parsing: %v", err)
	}
	if !list.Allowed("8.8.8.8") {
		t.Fatal("expected empty list to admit any ip")
	}
}

func Test_ip_allow_list_cidr_match(t *testing.T) {
	list, err := ParseIPAllowList([]string{"192.168.1.0/24"})
	if err != nil {
		t.Fatalf("parsing: %v", err)
	}
	if !list.Allowed("192.168.1.50") {
		t.Error("expected 192.168.1.50 to be admitted")
	}
	if list.Allowed("192.168.2.1") {
		t.Error("expected 192.168.2.1 to be rejected")
	}
}

func Test_ip_allow_list_exact_match(t *testing.T) {
	list, err := ParseIPAllowList([]string{"10.0.0.5"})
	if err != nil {
		t.Fatalf("parsing: %v", err)
	}
	if !list.Allowed("10.0.0.5") {
		t.Error("expected exact match to be admitted")
	}
	if list.Allowed("10.0.0.6") {
		t.Error("expected non-matching ip to be rejected")
	}
}

func Test_ip_allow_list_rejects_invalid_ip(t *testing.T) {
	list, err := ParseIPAllowList([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("parsing: %v", err)
	}
	if list.Allowed("not-an-ip") {
		t.Error("expected malformed client ip to be rejected")
	}
}

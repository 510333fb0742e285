package broker

import "testing"

func TestValidateSubdomain(t *testing.T) {
	reserved := ReservedSet(nil)

	cases := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", "my-app", false},
		{"too short", "ab", true},
		{"uppercase", "MyApp", true},
		{"leading hyphen", "-myapp", true},
		{"trailing hyphen", "myapp-", true},
		{"reserved", "www", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSubdomain(tc.input, reserved)
			if (err != nil) != tc.wantErr {
				t.Errorf("ValidateSubdomain(%q) error = %v, wantErr %v", tc.input, err, tc.wantErr)
			}
		})
	}
}

func TestSubdomainAllocatorSkipsTaken(t *testing.T) {
	alloc := NewSubdomainAllocator(ReservedSet(nil))
	first, err := alloc.Allocate(func(string) bool { return false })
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	taken := map[string]bool{first: true}
	second, err := alloc.Allocate(func(candidate string) bool { return taken[candidate] })
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if second == first {
		t.Errorf("expected a distinct subdomain once %q is marked taken", first)
	}
}

func TestPortAllocatorRange(t *testing.T) {
	alloc := NewPortAllocator(20000, 20005)
	seen := make(map[int]bool)
	for i := 0; i < 6; i++ {
		port, err := alloc.Allocate(func(candidate int) bool { return seen[candidate] })
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if port < 20000 || port > 20005 {
			t.Fatalf("port %d out of configured range", port)
		}
		seen[port] = true
	}
	if _, err := alloc.Allocate(func(int) bool { return true }); err == nil {
		t.Error("expected an error once every port in range is taken")
	}
}

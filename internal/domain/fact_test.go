package domain

import "testing"

func TestFactValidation(t *testing.T) {
	t.Run("accepts a device at the top of the address space", func(t *testing.T) {
		f, err := NewDeviceFact(MaxInstance, "10.0.0.1:47808", 1, "10.0.0.0/24")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if f.Instance != MaxInstance {
			t.Errorf("expected instance %d, got %d", MaxInstance, f.Instance)
		}
	})

	t.Run("rejects a device beyond the address space", func(t *testing.T) {
		if _, err := NewDeviceFact(MaxInstance+1, "10.0.0.1:47808", 1, ""); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("rejects a device with no address", func(t *testing.T) {
		if _, err := NewDeviceFact(1, "", 1, ""); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("rejects a device with a malformed subnet", func(t *testing.T) {
		if _, err := NewDeviceFact(1, "10.0.0.1:47808", 1, "not-a-cidr"); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("rejects a router advertising nothing", func(t *testing.T) {
		if _, err := NewRouterFact("10.0.0.1:47808", "", nil); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("rejects the broadcast sentinel as a network number", func(t *testing.T) {
		if _, err := NewRouterFact("10.0.0.1:47808", "", []uint16{65535}); err == nil {
			t.Error("expected error")
		}
		if _, err := NewNetworkFact(65535, ""); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("rejects network zero", func(t *testing.T) {
		if _, err := NewNetworkFact(0, ""); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("accepts an empty distribution table", func(t *testing.T) {
		if _, err := NewBBMDFact("10.0.0.1:47808", "10.0.0.0/24", nil); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("rejects a negative hop count", func(t *testing.T) {
		if _, err := NewNearestBBMDFact("10.0.0.1:47808", -1); err == nil {
			t.Error("expected error")
		}
	})
}

func TestEntityIDs(t *testing.T) {
	t.Run("ids are deterministic per component", func(t *testing.T) {
		cases := []struct {
			got  string
			want string
		}{
			{DeviceID(1234), "bacnet://device/1234"},
			{RouterID("10.0.0.1:47808"), "bacnet://router/10.0.0.1:47808"},
			{NetworkID(902), "bacnet://network/902"},
			{SubnetID("10.0.0.0/24"), "bacnet://subnet/10.0.0.0/24"},
			{BBMDID("10.0.0.5:47808"), "bacnet://bbmd/10.0.0.5:47808"},
			{RootID("scanner"), "bacnet://root/scanner"},
		}
		for _, c := range cases {
			if c.got != c.want {
				t.Errorf("expected %s, got %s", c.want, c.got)
			}
		}
	})
}

func TestEntityEqual(t *testing.T) {
	base := Entity{
		ID:    DeviceID(1),
		Kind:  KindDevice,
		Label: "device 1",
		Attributes: map[string]string{
			AttrAddress:  "10.0.0.1:47808",
			AttrVendorID: "15",
		},
	}

	t.Run("attribute order is irrelevant", func(t *testing.T) {
		other := Entity{
			ID:    base.ID,
			Kind:  base.Kind,
			Label: base.Label,
			Attributes: map[string]string{
				AttrVendorID: "15",
				AttrAddress:  "10.0.0.1:47808",
			},
		}
		if !base.Equal(other) {
			t.Error("expected equality")
		}
	})

	t.Run("a differing attribute value breaks equality", func(t *testing.T) {
		other := base.clone()
		other.Attributes[AttrVendorID] = "16"
		if base.Equal(other) {
			t.Error("expected inequality")
		}
	})

	t.Run("a missing attribute breaks equality", func(t *testing.T) {
		other := base.clone()
		delete(other.Attributes, AttrVendorID)
		if base.Equal(other) {
			t.Error("expected inequality")
		}
	})
}

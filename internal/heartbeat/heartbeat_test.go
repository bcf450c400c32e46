package heartbeat

import "testing"

func TestParseRejectsMissingMAC(t *testing.T) {
	if _, err := Parse([]byte(`{}`)); err == nil {
		t.Fatal("Parse() expected error for missing mac_address, got nil")
	}
}

func TestParseRejectsZeroMAC(t *testing.T) {
	if _, err := Parse([]byte(`{"mac_address": "00:00:00:00:00:00"}`)); err == nil {
		t.Fatal("Parse() expected error for all-zero MAC, got nil")
	}
}

func TestParseRejectsInvalidMAC(t *testing.T) {
	if _, err := Parse([]byte(`{"mac_address": "not-a-mac"}`)); err == nil {
		t.Fatal("Parse() expected error for invalid MAC, got nil")
	}
}

func TestParseHappyPath(t *testing.T) {
	hb, err := Parse([]byte(`{
		"mac_address": "AA:BB:CC:DD:EE:FF",
		"name": "box1",
		"os": "linux",
		"ip": "10.0.0.5",
		"cpu_percent": 12.5,
		"memory_percent": 40.1,
		"contacted_macs": ["11:22:33:44:55:66", "garbage"]
	}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if hb.DeviceMAC != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("DeviceMAC = %q", hb.DeviceMAC)
	}
	if len(hb.ContactedMACs) != 1 || hb.ContactedMACs[0] != "11:22:33:44:55:66" {
		t.Errorf("ContactedMACs = %v, want malformed entry dropped", hb.ContactedMACs)
	}
}

type fakeRepo struct {
	upserts     []string
	lastContact []int64
	lastCPU     float64
}

func (f *fakeRepo) DeviceUpsertByMAC(mac, name, os, ip string) (bool, int64, error) {
	f.upserts = append(f.upserts, mac)
	return true, int64(len(f.upserts)), nil
}

func (f *fakeRepo) HeartbeatInsert(deviceID int64, contactedDeviceIDs []int64, cpuPercent, memoryPercent float64) error {
	f.lastContact = contactedDeviceIDs
	f.lastCPU = cpuPercent
	return nil
}

func TestApplyResolvesContactedMACsToDeviceIDs(t *testing.T) {
	repo := &fakeRepo{}
	hb := &Heartbeat{DeviceMAC: "aa:bb:cc:dd:ee:ff", ContactedMACs: []string{"11:22:33:44:55:66"}, CPUPercent: 5}

	if err := Apply(repo, hb); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(repo.upserts) != 2 {
		t.Fatalf("upserts = %v, want 2 (device + contact)", repo.upserts)
	}
	if len(repo.lastContact) != 1 || repo.lastContact[0] != 2 {
		t.Errorf("lastContact = %v, want [2]", repo.lastContact)
	}
	if repo.lastCPU != 5 {
		t.Errorf("lastCPU = %v, want 5", repo.lastCPU)
	}
}

package efi

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
)

func TestConfigTable(t *testing.T) {
	st := NewSystemTable(NewMem())
	if _, err := st.ConfigTable(DTBTableGUID); errors.Cause(err) != NotFound {
		t.Fatal("expected not found, got:", err)
	}
	st.InstallConfigTable(DTBTableGUID, 0x4000)
	st.InstallConfigTable(ACPI20TableGUID, 0x8000)
	if addr, err := st.ConfigTable(DTBTableGUID); err != nil || addr != 0x4000 {
		t.Fatalf("lookup returned %#x, %v", addr, err)
	}
	// reinstall replaces, never duplicates
	st.InstallConfigTable(DTBTableGUID, 0x5000)
	if len(st.Config) != 2 {
		t.Fatal("reinstall duplicated a config entry")
	}
	if addr, _ := st.ConfigTable(DTBTableGUID); addr != 0x5000 {
		t.Fatalf("reinstall did not replace: %#x", addr)
	}
}

func TestTransfer(t *testing.T) {
	st := NewSystemTable(NewMem())
	// no registered entry: the jump bounces straight back
	st.Transfer(0x100000, 1, 0)

	var gotEntry, gotParams uint64
	st.Entry = func(entry uint64, image Handle, st *SystemTable, params uint64) {
		gotEntry, gotParams = entry, params
	}
	st.Transfer(0x100200, 1, 0x7000)
	if gotEntry != 0x100200 || gotParams != 0x7000 {
		t.Fatalf("entry saw %#x/%#x", gotEntry, gotParams)
	}
}

func TestConsole(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)
	c.Print("FDT is %d bytes\n", 128)
	if buf.String() != "FDT is 128 bytes\n" {
		t.Fatal("console output mismatch:", buf.String())
	}
	// nil writer console must not crash
	NewConsole(nil).Print("x\n")
}

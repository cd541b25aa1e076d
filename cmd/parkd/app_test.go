package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLotSpec(t *testing.T) {
	t.Parallel()
	lot, err := parseLotSpec("LOT-A:50")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if lot.ID != "LOT-A" || lot.Capacity != 50 || lot.Occupied != 0 {
		t.Fatalf("lot = %+v", lot)
	}
	lot, err = parseLotSpec("LOT-B:20:5")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if lot.ID != "LOT-B" || lot.Capacity != 20 || lot.Occupied != 5 {
		t.Fatalf("lot = %+v", lot)
	}
	for _, bad := range []string{"", "LOT-A", "LOT-A:x", "LOT-A:5:y", "LOT-A:5:1:2"} {
		if _, err := parseLotSpec(bad); err == nil {
			t.Errorf("parseLotSpec(%q) accepted", bad)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()
	cmd := newVersionCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), "parkd") {
		t.Fatalf("version output = %q", out.String())
	}
}

//go:build windows

package caller_test

import (
	"errors"
	"os"
	"testing"

	"golang.org/x/sys/windows"

	"github.com/carved4/remotecall/pkg/caller"
)

func TestParseSymbol(t *testing.T) {
	cases := []struct {
		in          string
		module, exp string
		ok          bool
	}{
		{"kernel32.dll!GetCurrentProcessId", "kernel32.dll", "GetCurrentProcessId", true},
		{"user32.dll!MessageBeep", "user32.dll", "MessageBeep", true},
		{"401000", "", "", false},
		{"kernel32.dll!", "", "", false},
		{"!Export", "", "", false},
	}
	for _, tc := range cases {
		mod, exp, ok := caller.ParseSymbol(tc.in)
		if mod != tc.module || exp != tc.exp || ok != tc.ok {
			t.Errorf("ParseSymbol(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.in, mod, exp, ok, tc.module, tc.exp, tc.ok)
		}
	}
}

func TestResolveFunctionSelf(t *testing.T) {
	p, err := caller.Open(uint32(os.Getpid()))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	addr, err := p.ResolveFunction("kernel32.dll", "GetCurrentProcessId")
	if err != nil {
		t.Fatal(err)
	}

	// Resolving against ourselves must agree with the local loader.
	proc := windows.NewLazySystemDLL("kernel32.dll").NewProc("GetCurrentProcessId")
	if err := proc.Find(); err != nil {
		t.Fatal(err)
	}
	if addr != proc.Addr() {
		t.Fatalf("resolved 0x%X, loader says 0x%X", addr, proc.Addr())
	}
}

func TestLoadModuleSelf(t *testing.T) {
	p, err := caller.Open(uint32(os.Getpid()))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	// winhttp is not linked by the test binary, so this exercises the
	// full remote LoadLibraryA path, including the name-buffer release.
	base, err := p.LoadModule("winhttp.dll")
	if err != nil {
		t.Fatal(err)
	}
	if base == 0 {
		t.Fatal("LoadModule returned base 0")
	}
	got, err := p.ModuleBase("winhttp.dll")
	if err != nil {
		t.Fatal(err)
	}
	if got != base {
		t.Fatalf("ModuleBase = 0x%X, want 0x%X", got, base)
	}
}

func TestModuleBaseMissingModule(t *testing.T) {
	p, err := caller.Open(uint32(os.Getpid()))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	_, err = p.ModuleBase("no-such-module-zzz.dll")
	if !errors.Is(err, caller.ErrModuleNotFound) {
		t.Fatalf("err = %v, want ErrModuleNotFound", err)
	}
}

package intake

import (
	"errors"
	"testing"
)

func TestSafeName(t *testing.T) {
	for in, want := range map[string]string{
		"my file.txt":         "my_file.txt",
		"../etc/passwd":       "etc_passwd",
		`C:\Users\x\grab.py`:  "C_Users_x_grab.py",
		"  .hidden.ps1 ":      "hidden.ps1",
		"naïve<>|payload.exe": "navepayload.exe",
		"stealer.exe.py":      "stealer.exe.py",
		"___":                 "",
	} {
		if got := SafeName(in); got != want {
			t.Errorf("SafeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExtension(t *testing.T) {
	for in, want := range map[string]string{
		"main.exe.py":    ".exe.py",
		"archive.tar.gz": ".tar.gz",
		"a.py":           ".py",
	} {
		got, ok := Extension(in)
		if !ok || got != want {
			t.Errorf("Extension(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}
	if _, ok := Extension("README"); ok {
		t.Errorf("Extension(README) reported an extension")
	}
}

func TestCheckName(t *testing.T) {
	p := DefaultPolicy()

	acc, err := p.CheckName("Grabber.PS1")
	if err != nil {
		t.Fatalf("CheckName: %v", err)
	}
	if acc.Name != "Grabber.PS1" || acc.Extension != ".PS1" {
		t.Errorf("accepted = %+v", acc)
	}

	if _, err := p.CheckName("image.png"); !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("png: err = %v", err)
	}
	if _, err := p.CheckName(".py"); !errors.Is(err, ErrNoExtension) {
		t.Errorf(".py: err = %v", err)
	}
}

func TestCheckSize(t *testing.T) {
	p := Policy{MaxBytes: 10}
	if err := p.CheckSize(10); err != nil {
		t.Errorf("at limit: %v", err)
	}
	if err := p.CheckSize(11); !errors.Is(err, ErrTooLarge) {
		t.Errorf("over limit: %v", err)
	}
	if err := p.CheckSize(0); !errors.Is(err, ErrTooLarge) {
		t.Errorf("empty: %v", err)
	}
}

package commands

import "testing"

func TestNewRootCmdRegistersSubcommands(t *testing.T) {
	root := NewRootCmd("test-version")

	want := map[string]bool{"chat": false, "anton": false, "config": false}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected subcommand %q to be registered", name)
		}
	}
}

func TestNewRootCmdPersistentFlags(t *testing.T) {
	root := NewRootCmd("test-version")

	if flag := root.PersistentFlags().Lookup("config"); flag == nil {
		t.Fatal("expected --config persistent flag")
	} else if flag.Shorthand != "c" {
		t.Errorf("expected --config shorthand 'c', got %q", flag.Shorthand)
	}

	if flag := root.PersistentFlags().Lookup("verbose"); flag == nil {
		t.Fatal("expected --verbose persistent flag")
	} else if flag.Shorthand != "v" {
		t.Errorf("expected --verbose shorthand 'v', got %q", flag.Shorthand)
	}
}

func TestNewRootCmdVersion(t *testing.T) {
	root := NewRootCmd("1.2.3")
	if root.Version != "1.2.3" {
		t.Errorf("expected version %q, got %q", "1.2.3", root.Version)
	}
}

func TestNewRootCmdUse(t *testing.T) {
	root := NewRootCmd("test-version")
	if root.Use != "idlehands" {
		t.Errorf("expected Use %q, got %q", "idlehands", root.Use)
	}
}

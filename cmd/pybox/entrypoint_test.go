package main

import "testing"

func TestEntrypointCmdAcceptsAnyArgCount(t *testing.T) {
	cmd := newEntrypointCmd()
	tests := []struct {
		name string
		args []string
	}{
		{name: "zero", args: nil},
		{name: "one", args: []string{"python"}},
		{name: "many", args: []string{"python", "server.py", "--port", "8080"}},
	}
	for _, tc := range tests {
		if err := cmd.Args(cmd, tc.args); err != nil {
			t.Fatalf("%s: arg validation rejected %v: %v", tc.name, tc.args, err)
		}
	}
}

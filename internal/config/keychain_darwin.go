//go:build darwin

package config

import (
	"fmt"
	"os/exec"
)

// security runs the macOS security tool against a generic password item.
func security(op, service, account string, extra ...string) ([]byte, error) {
	args := append([]string{op, "-s", service, "-a", account}, extra...)
	return exec.Command("security", args...).Output()
}

func keychainExec(service, account string) ([]byte, error) {
	out, err := security("find-generic-password", service, account, "-w")
	if err != nil {
		return nil, fmt.Errorf("reading keychain item %s/%s: %w", service, account, err)
	}
	return out, nil
}

func keychainSet(service, account, value string) error {
	if _, err := security("add-generic-password", service, account, "-U", "-w", value); err != nil {
		return fmt.Errorf("writing keychain item %s/%s: %w", service, account, err)
	}
	return nil
}

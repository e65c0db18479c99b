package tun

import (
	"os/exec"
	"strings"
)

// runCommand runs a system configuration command. A non-zero exit status is
// an error carrying the command's output.
func runCommand(name string, args ...string) error {
	log.Tracef("Running %v %v", name, strings.Join(args, " "))
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return wrap(err, "Unable to run %v %v (%v)", name, strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return nil
}

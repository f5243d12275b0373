package hostfunc

import (
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"
)

// ProcessClient runs allowlisted commands under the invocation context.
type ProcessClient struct {
	inv     *Invocation
	allowed []string
}

func (p *ProcessClient) Exec(command string, params ...string) (Buffer, error) {
	if len(p.allowed) == 0 {
		return nil, errors.New("process execution disabled")
	}
	if command == "" {
		return nil, invalidArgs("process", "command required")
	}
	if strings.ContainsAny(command, ";|&$`") {
		return nil, invalidArgs("process", "invalid command")
	}
	if !slices.Contains(p.allowed, command) {
		return nil, fmt.Errorf("command %q not allowed", command)
	}

	out, err := exec.CommandContext(p.inv.Context(), command, params...).Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && len(ee.Stderr) > 0 {
			return nil, fmt.Errorf("%s: %w: %s", command, err, strings.TrimSpace(string(ee.Stderr)))
		}
		return nil, err
	}
	return out, nil
}

package hostfunc

import (
	"errors"
	"fmt"
	"strings"
)

// netPolicy gates outbound connections by host. An empty allowlist
// disables networking; "*" allows any host.
type netPolicy struct {
	allowedHosts []string
	allowListen  bool
}

func (p netPolicy) checkHost(host string) error {
	if len(p.allowedHosts) == 0 {
		return errors.New("network not enabled")
	}
	if !p.isHostAllowed(host) {
		return fmt.Errorf("host not allowed: %s", host)
	}
	return nil
}

func (p netPolicy) isHostAllowed(host string) bool {
	for _, allowed := range p.allowedHosts {
		if allowed == "*" || host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func (p netPolicy) checkListen() error {
	if !p.allowListen {
		return errors.New("listen not enabled")
	}
	return nil
}

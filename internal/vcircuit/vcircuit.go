// Package vcircuit wraps the external layer-2 virtual-circuit
// provisioning helper: two argv-driven subprocesses, one to create a
// circuit between a local and remote endpoint and one to tear it
// down, each a "library" only in the sense that the contract is
// "spawn with these args, read one line of stdout, reap and check
// exit status".
package vcircuit

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/dissemhub/mcastup/internal/lderr"
)

// dummyCircuitID is synthesized, and provision.py/remove.py are never
// spawned, whenever either endpoint's switch or port identifier begins
// with the literal string "dummy".
const dummyCircuitID = "dummy_circuitId"

// Endpoint identifies one side of a virtual circuit: a switch, a port
// on it, and a VLAN tag.
type Endpoint struct {
	Switch string
	Port   string
	VLAN   string
}

// isDummy reports whether e should short-circuit real provisioning.
func (e Endpoint) isDummy() bool {
	return strings.HasPrefix(e.Switch, "dummy") || strings.HasPrefix(e.Port, "dummy")
}

// Provisioner spawns the provision/remove helper scripts.
type Provisioner struct {
	ProvisionCmd string // default "provision.py"
	RemoveCmd    string // default "remove.py"
	Timeout      time.Duration
}

func New() *Provisioner {
	return &Provisioner{ProvisionCmd: "provision.py", RemoveCmd: "remove.py", Timeout: 30 * time.Second}
}

// Provision creates a circuit between local and remote under
// workgroup, returning its circuit id. A "dummy"-prefixed switch or
// port on either endpoint skips the subprocess entirely and returns
// the synthetic id.
func (p *Provisioner) Provision(workgroup, description string, local, remote Endpoint) (string, error) {
	if local.isDummy() || remote.isDummy() {
		return dummyCircuitID, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.ProvisionCmd,
		workgroup,
		local.Switch, local.Port, local.VLAN,
		remote.Switch, remote.Port, remote.VLAN,
	)
	out, err := cmd.Output()
	if err != nil {
		return "", lderr.New(lderr.SystemError, "vcircuit.Provision", fmt.Errorf("%s: %w", p.ProvisionCmd, err))
	}
	line := firstLine(out)
	if line == "" {
		return "", lderr.New(lderr.SystemError, "vcircuit.Provision", fmt.Errorf("%s printed no circuit id", p.ProvisionCmd))
	}
	return line, nil
}

// Remove tears down circuitID under workgroup. A dummy circuit id
// never spawns remove.py, matching Provision's shortcut.
func (p *Provisioner) Remove(workgroup, circuitID string) error {
	if circuitID == dummyCircuitID || circuitID == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.RemoveCmd, workgroup, circuitID)
	if err := cmd.Run(); err != nil {
		return lderr.New(lderr.SystemError, "vcircuit.Remove", fmt.Errorf("%s: %w", p.RemoveCmd, err))
	}
	return nil
}

func firstLine(out []byte) string {
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	if sc.Scan() {
		return strings.TrimSpace(sc.Text())
	}
	return ""
}

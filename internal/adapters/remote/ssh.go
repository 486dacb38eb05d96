package remote

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// SSH runs the two supported remote operations over the system ssh
// client in batch mode. Every call is bounded by its context; a probe
// that outlives the deadline is reported as unreachable by the caller,
// never as a hang.
type SSH struct {
	user string
	bin  string
}

func NewSSH(user string) *SSH {
	return &SSH{user: user, bin: "ssh"}
}

func (s *SSH) target(host string) string {
	if s.user == "" {
		return host
	}
	return s.user + "@" + host
}

func (s *SSH) run(ctx context.Context, host string, command string) error {
	args := []string{
		"-o", "BatchMode=yes",
		"-o", "ConnectTimeout=5",
		"-o", "StrictHostKeyChecking=accept-new",
		s.target(host),
		command,
	}
	out, err := exec.CommandContext(ctx, s.bin, args...).CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if detail == "" {
			return fmt.Errorf("ssh %s: %w", host, err)
		}
		return fmt.Errorf("ssh %s: %w: %s", host, err, detail)
	}
	return nil
}

// Probe answers "are you reachable and running": the connection itself
// plus a check that the worker daemon has written its snapshot. A host
// that accepts the connection but has no snapshot fails the probe.
func (s *SSH) Probe(ctx context.Context, host string) error {
	return s.run(ctx, host, "test -f \"$HOME/.fleetdeck/daemon.json\"")
}

// SetWorkerCount rewrites the remote worker-count file; the worker
// daemon picks the change up on its next poll.
func (s *SSH) SetWorkerCount(ctx context.Context, host string, workers int) error {
	command := fmt.Sprintf(
		"mkdir -p \"$HOME/.fleetdeck\" && printf '%d\\n' > \"$HOME/.fleetdeck/worker_count\"",
		workers,
	)
	return s.run(ctx, host, command)
}

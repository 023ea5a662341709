// Package tunnel manages a cloudflared child process that exposes the
// local broker port to the public internet, in either named-tunnel or
// quick-tunnel mode.
package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/exec"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/hookwire/hookwire/internal/debug"
	"github.com/hookwire/hookwire/internal/secrets"
)

// State is the supervisor lifecycle state.
type State string

const (
	StateInactive State = "inactive"
	StateStarting State = "starting"
	StateActive   State = "active"
	StateError    State = "error"
)

// Mode selects how cloudflared is run.
type Mode string

const (
	ModeNamed Mode = "named"
	ModeQuick Mode = "quick"
)

// Status is a snapshot of the supervisor.
type Status struct {
	State     State  `json:"status"`
	Mode      Mode   `json:"mode,omitempty"`
	PublicURL string `json:"public_url,omitempty"`
}

var quickURLPattern = regexp.MustCompile(`https://[a-z0-9-]+\.trycloudflare\.com`)
var tunnelUUIDPattern = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)

const (
	namedGraceDefault    = 5 * time.Second
	quickTimeoutDefault  = 30 * time.Second
	restartDelayDefault  = 2 * time.Second
	stopDrainDefault     = 5 * time.Second
	healthTickDefault    = 30 * time.Second
	healthFailThreshold  = 3
	transitionBufferSize = 16
)

// secretKeyQuickURL remembers the last quick-tunnel URL across supervisor
// restarts within a process run.
const secretKeyQuickURL = "tunnel-quick-url"

// Supervisor owns the cloudflared child process: locating the binary,
// spawning, parsing the public URL, health checking, and restarting.
type Supervisor struct {
	supportDir string
	configPath string
	localPort  int
	vault      *secrets.Store

	mu        sync.Mutex
	state     State
	mode      Mode
	publicURL string
	cmd       *exec.Cmd
	waitDone  chan struct{}

	transitions chan Status

	// Tunables, overridden in tests.
	binaryPath   string // resolved lazily when empty
	namedGrace   time.Duration
	quickTimeout time.Duration
	restartDelay time.Duration
	stopDrain    time.Duration
	healthTick   time.Duration
	httpClient   *http.Client
}

// NewSupervisor creates an inactive supervisor. supportDir holds the
// downloaded binary under bin/; configPath is the cloudflared config for
// named mode; localPort is the broker's ingress port.
func NewSupervisor(supportDir, configPath string, localPort int, vault *secrets.Store) *Supervisor {
	return &Supervisor{
		supportDir:   supportDir,
		configPath:   configPath,
		localPort:    localPort,
		vault:        vault,
		state:        StateInactive,
		transitions:  make(chan Status, transitionBufferSize),
		namedGrace:   namedGraceDefault,
		quickTimeout: quickTimeoutDefault,
		restartDelay: restartDelayDefault,
		stopDrain:    stopDrainDefault,
		healthTick:   healthTickDefault,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Status returns the current snapshot.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{State: s.state, Mode: s.mode, PublicURL: s.publicURL}
}

// PublicURL returns the tunnel's externally reachable base URL, empty
// when not active.
func (s *Supervisor) PublicURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publicURL
}

// Transitions returns the state-change stream consumed by the control
// plane notifier. Slow consumers drop transitions.
func (s *Supervisor) Transitions() <-chan Status {
	return s.transitions
}

// setState transitions and publishes. Callers must not hold s.mu.
func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	snap := Status{State: s.state, Mode: s.mode, PublicURL: s.publicURL}
	s.mu.Unlock()

	debug.Logf("tunnel: state -> %s", state)
	select {
	case s.transitions <- snap:
	default:
	}
}

// Start launches the tunnel in the given mode. It blocks until the tunnel
// is Active or startup fails (named: ~5s grace; quick: until the public
// URL appears, up to 30s).
func (s *Supervisor) Start(ctx context.Context, mode Mode) error {
	s.mu.Lock()
	if s.state == StateStarting || s.state == StateActive {
		s.mu.Unlock()
		return fmt.Errorf("tunnel: already %s", s.state)
	}
	s.mode = mode
	s.mu.Unlock()

	return s.launch(ctx, mode)
}

func (s *Supervisor) launch(ctx context.Context, mode Mode) error {
	s.setState(StateStarting)

	bin, err := s.resolveBinary(ctx)
	if err != nil {
		s.setState(StateError)
		return fmt.Errorf("tunnel: locating cloudflared: %w", err)
	}

	var cmd *exec.Cmd
	switch mode {
	case ModeNamed:
		cmd = exec.Command(bin, "tunnel", "--config", s.configPath, "run")
	case ModeQuick:
		cmd = exec.Command(bin, "tunnel", "--url", fmt.Sprintf("http://127.0.0.1:%d", s.localPort))
	default:
		s.setState(StateError)
		return fmt.Errorf("tunnel: unknown mode %q", mode)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.setState(StateError)
		return fmt.Errorf("tunnel: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.setState(StateError)
		return fmt.Errorf("tunnel: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		s.setState(StateError)
		return fmt.Errorf("tunnel: spawning cloudflared: %w", err)
	}

	urlCh := make(chan string, 1)
	go scanForURL(stdout, mode, urlCh)
	go scanForURL(stderr, mode, urlCh)

	waitDone := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.waitDone = waitDone
	s.mu.Unlock()

	go s.monitor(cmd, waitDone)

	url, err := s.awaitURL(ctx, mode, urlCh)
	if err != nil {
		s.setState(StateError)
		_ = cmd.Process.Kill()
		return err
	}

	s.mu.Lock()
	s.publicURL = url
	s.mu.Unlock()
	if mode == ModeQuick && s.vault != nil {
		_ = s.vault.Put(secretKeyQuickURL, url)
	}

	s.setState(StateActive)
	go s.healthLoop(waitDone)
	log.Printf("tunnel: active (%s) at %s", mode, url)
	return nil
}

// awaitURL resolves the public URL per mode. Named mode prefers the
// hostname from the cloudflared config and falls back to the
// cfargotunnel.com form derived from the tunnel UUID in the output; quick
// mode waits for the trycloudflare.com URL in the output.
func (s *Supervisor) awaitURL(ctx context.Context, mode Mode, urlCh <-chan string) (string, error) {
	if mode == ModeNamed {
		if host, err := hostnameFromConfig(s.configPath); err == nil && host != "" {
			// Grace period so an immediately-crashing child is caught
			// by the monitor before we report Active.
			select {
			case <-time.After(s.namedGrace):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			return "https://" + host, nil
		}
		select {
		case url := <-urlCh:
			return url, nil
		case <-time.After(s.namedGrace + s.quickTimeout):
			return "", fmt.Errorf("tunnel: no hostname in config and none announced by cloudflared")
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	select {
	case url := <-urlCh:
		return url, nil
	case <-time.After(s.quickTimeout):
		return "", fmt.Errorf("tunnel: quick tunnel URL not announced within %s", s.quickTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// scanForURL reads one subprocess pipe to completion, reporting the first
// public-URL match.
func scanForURL(r io.Reader, mode Mode, urlCh chan<- string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		debug.Logf("cloudflared: %s", line)
		if mode == ModeQuick {
			if m := quickURLPattern.FindString(line); m != "" {
				select {
				case urlCh <- m:
				default:
				}
			}
			continue
		}
		if m := tunnelUUIDPattern.FindString(line); m != "" {
			select {
			case urlCh <- "https://" + m + ".cfargotunnel.com":
			default:
			}
		}
	}
}

// monitor waits for child exit. An exit while Active is unexpected and
// schedules a restart; an exit after Stop (state already Inactive) is not.
func (s *Supervisor) monitor(cmd *exec.Cmd, waitDone chan struct{}) {
	err := cmd.Wait()
	close(waitDone)

	s.mu.Lock()
	state := s.state
	mode := s.mode
	s.cmd = nil
	s.mu.Unlock()

	// Only an exit out of Active is a crash. An exit after Stop
	// (Inactive) is expected, and a failed launch (Starting/Error)
	// already reported its own error.
	if state != StateActive {
		debug.Logf("tunnel: child exited in state %s", state)
		return
	}

	log.Printf("tunnel: cloudflared exited unexpectedly: %v", err)
	s.setState(StateError)

	time.Sleep(s.restartDelay)

	s.mu.Lock()
	// Stop may have raced the restart.
	if s.state != StateError {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.launch(context.Background(), mode); err != nil {
		log.Printf("tunnel: restart failed: %v", err)
	}
}

// healthLoop polls the public URL while the child runs. Three consecutive
// failures force a restart by killing the child; the monitor goroutine
// then handles the usual Error -> Starting path.
func (s *Supervisor) healthLoop(waitDone <-chan struct{}) {
	ticker := time.NewTicker(s.healthTick)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-waitDone:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		state, url, cmd := s.state, s.publicURL, s.cmd
		s.mu.Unlock()
		if state != StateActive || url == "" {
			return
		}

		resp, err := s.httpClient.Get(url)
		if err != nil {
			failures++
		} else {
			resp.Body.Close()
			failures = 0
		}

		if failures >= healthFailThreshold {
			log.Printf("tunnel: %d consecutive health check failures, restarting", failures)
			if cmd != nil && cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			return
		}
	}
}

// Stop terminates the tunnel. The state moves to Inactive first so the
// monitor does not treat the exit as a crash. SIGTERM, then SIGKILL after
// the drain period.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	waitDone := s.waitDone
	s.state = StateInactive
	s.publicURL = ""
	snap := Status{State: s.state, Mode: s.mode}
	s.mu.Unlock()

	select {
	case s.transitions <- snap:
	default:
	}

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		debug.Logf("tunnel: SIGTERM: %v", err)
	}

	select {
	case <-waitDone:
		return nil
	case <-time.After(s.stopDrain):
	case <-ctx.Done():
	}

	debug.Logf("tunnel: drain elapsed, sending SIGKILL")
	_ = cmd.Process.Kill()
	select {
	case <-waitDone:
	case <-time.After(time.Second):
	}
	return nil
}

// Package injector delivers one framed message to a local agent session
// over its Unix-domain socket. The session reads newline-delimited JSON
// lines; the broker only ever writes a single line of the form
// {"value": <string>, "mode": "prompt"}.
package injector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"

	"github.com/hookwire/hookwire/internal/debug"
)

// maxSockPath is the usable sockaddr_un path capacity: the OS struct size
// minus the null terminator.
var maxSockPath = len(unix.RawSockaddrUnix{}.Path) - 1

// ErrPathTooLong means the socket path exceeds the sockaddr_un limit and a
// connect attempt would be rejected by the kernel.
var ErrPathTooLong = errors.New("injector: socket path exceeds unix sockaddr limit")

// DefaultTimeout bounds one connect+send.
const DefaultTimeout = 3 * time.Second

// Injector writes framed prompts to session sockets under a fixed directory.
type Injector struct {
	socketDir string
	timeout   time.Duration
}

// New returns an injector for sockets named {session_id}.sock under dir.
// timeout <= 0 means DefaultTimeout.
func New(dir string, timeout time.Duration) *Injector {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Injector{socketDir: dir, timeout: timeout}
}

// SocketPath returns the socket path for a session.
func (i *Injector) SocketPath(sessionID string) string {
	return filepath.Join(i.socketDir, sessionID+".sock")
}

// promptLine is the wire format consumed by the session's socket server.
type promptLine struct {
	Value string `json:"value"`
	Mode  string `json:"mode"`
}

// Inject delivers content as a single prompt line. Returns (false, nil)
// when no socket file exists for the session at call time, (true, nil) on
// a full send, and a non-nil error for OS-level failures.
func (i *Injector) Inject(sessionID string, content []byte) (bool, error) {
	path := i.SocketPath(sessionID)
	if len(path) > maxSockPath {
		return false, fmt.Errorf("%w: %s (%d bytes)", ErrPathTooLong, path, len(path))
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("injector: stat socket: %w", err)
	}

	// JSON string escaping turns literal newlines in content into \n,
	// keeping the message on one line.
	line, err := json.Marshal(promptLine{Value: string(content), Mode: "prompt"})
	if err != nil {
		return false, fmt.Errorf("injector: encoding prompt: %w", err)
	}
	line = append(line, '\n')

	conn, err := net.DialTimeout("unix", path, i.timeout)
	if err != nil {
		return false, fmt.Errorf("injector: connect %s: %w", path, err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(i.timeout)); err != nil {
		return false, fmt.Errorf("injector: set deadline: %w", err)
	}
	n, err := conn.Write(line)
	if err != nil {
		return false, fmt.Errorf("injector: send: %w", err)
	}
	if n != len(line) {
		return false, fmt.Errorf("injector: short send: %d of %d bytes", n, len(line))
	}

	debug.Logf("injector: delivered %d bytes to %s", len(line), sessionID)
	return true, nil
}

// InjectWithRetry attempts Inject up to maxAttempts times, sleeping wait
// between attempts. It never returns an error: the caller only learns
// whether a delivery landed.
func (i *Injector) InjectWithRetry(ctx context.Context, sessionID string, content []byte, maxAttempts int, wait time.Duration) bool {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if wait <= 0 {
		wait = time.Second
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(wait), uint64(maxAttempts-1)), ctx)

	err := backoff.Retry(func() error {
		ok, err := i.Inject(sessionID, content)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("no socket")
		}
		return nil
	}, policy)
	return err == nil
}

package runner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/newtron-network/topotest/pkg/util"
)

// SSHConfig holds remote host credentials. Either Password or KeyFile must
// be set.
type SSHConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	KeyFile  string
	Timeout  time.Duration
}

// SSH runs commands on a remote host. A session is opened per call.
type SSH struct {
	client *ssh.Client
	addr   string
	// Sudo prefixes every command with "sudo -n".
	Sudo bool
}

// DialSSH connects to the remote host.
func DialSSH(cfg SSHConfig) (*SSH, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key %s: %w", cfg.KeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse key %s: %w", cfg.KeyFile, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("ssh: no password or key file configured")
	}

	config := &ssh.ClientConfig{
		User: cfg.User,
		Auth: auth,
		// Lab hosts are rebuilt often; known_hosts would go stale.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.Timeout,
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	util.Logger.Warnf("SSH to %s: host key verification disabled", addr)
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("SSH dial %s@%s: %w", cfg.User, addr, err)
	}
	return &SSH{client: client, addr: addr}, nil
}

// Close closes the SSH connection.
func (s *SSH) Close() error {
	return s.client.Close()
}

// DialContext opens a TCP connection from the remote host, for clients
// (such as Redis) that must reach services bound to the remote loopback.
func (s *SSH) DialContext(_ context.Context, network, addr string) (net.Conn, error) {
	return s.client.Dial(network, addr)
}

func (s *SSH) command(argv []string) string {
	line := Join(argv)
	if s.Sudo {
		line = "sudo -n " + line
	}
	return line
}

// Run executes argv remotely and returns combined output. Cancelling ctx
// closes the session.
func (s *SSH) Run(ctx context.Context, argv ...string) (string, error) {
	if len(argv) == 0 {
		return "", ErrEmptyCommand
	}
	line := s.command(argv)
	util.WithField("host", s.addr).Debugf("exec: %s", line)

	session, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("SSH session: %w", err)
	}
	defer session.Close()

	stop := context.AfterFunc(ctx, func() { session.Close() })
	defer stop()

	out, err := session.CombinedOutput(line)
	if err != nil {
		var ee *ssh.ExitError
		if errors.As(err, &ee) {
			return string(out), &ExitError{Argv: argv, Code: ee.ExitStatus(), Output: string(out)}
		}
		if ctx.Err() != nil {
			return string(out), fmt.Errorf("%s: %w", Join(argv), ctx.Err())
		}
		return string(out), fmt.Errorf("%s: %w", Join(argv), err)
	}
	return string(out), nil
}

// Start launches argv remotely under nohup and returns the remote pid.
func (s *SSH) Start(ctx context.Context, logPath string, argv ...string) (int, error) {
	if len(argv) == 0 {
		return 0, ErrEmptyCommand
	}
	script := fmt.Sprintf("mkdir -p %s && nohup %s > %s 2>&1 < /dev/null & echo $!",
		Quote(path.Dir(logPath)), Join(argv), Quote(logPath))

	out, err := s.Run(ctx, "sh", "-c", script)
	if err != nil {
		return 0, fmt.Errorf("start %s: %w", Join(argv), err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("start %s: unexpected pid output %q", Join(argv), out)
	}
	return pid, nil
}

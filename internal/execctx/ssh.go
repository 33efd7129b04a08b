package execctx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/mnemonic-bit/btrcp/internal/bkerrors"
)

var errEmptyArgv = errors.New("execctx: argv cannot be empty")

// SSHParams identifies one remote machine and how to authenticate and
// verify it. Two SSHParams with the same user, host, port, KnownHostsFile
// and InsecureIgnoreHostKey share a pooled connection (spec.md §3: identity
// is (user, host, port, host-key-options)).
type SSHParams struct {
	User string
	Host string
	Port int // 0 means 22

	// KeyFile, if set, is a path to a private key used for authentication
	// before falling back to the SSH agent.
	KeyFile string
	// KnownHostsFile overrides the default ~/.ssh/known_hosts path used for
	// host-key verification.
	KnownHostsFile string
	// InsecureIgnoreHostKey disables host-key verification entirely. Off by
	// default; spec.md §6 calls this a per-machine "host-key override".
	InsecureIgnoreHostKey bool
}

func (p SSHParams) port() int {
	if p.Port == 0 {
		return 22
	}
	return p.Port
}

func (p SSHParams) key() string {
	return fmt.Sprintf("%s@%s:%d", p.User, p.Host, p.port())
}

// sshContext runs commands on a remote host over a long-lived SSH
// connection. Modeled directly on opal-lang-opal/core/decorator's
// SSHSession: one *ssh.Client per context, one *ssh.Session per Run call.
type sshContext struct {
	client *ssh.Client
	params SSHParams
}

// Dial establishes a new SSH connection per SSHParams. Auth is attempted in
// order: explicit key file, then the SSH agent (SSH_AUTH_SOCK) — the same
// order opal-lang-opal's NewSSHSession uses.
func Dial(params SSHParams) (Context, error) {
	var methods []ssh.AuthMethod

	if params.KeyFile != "" {
		if m := keyFileAuth(params.KeyFile); m != nil {
			methods = append(methods, m)
		}
	}
	if len(methods) == 0 {
		if m := agentAuth(); m != nil {
			methods = append(methods, m)
		}
	}
	if len(methods) == 0 {
		return nil, bkerrors.RemoteTransport("execctx: no SSH authentication method available for %s", params.key())
	}

	cfg := &ssh.ClientConfig{
		User:            params.User,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback(params),
	}

	addr := fmt.Sprintf("%s:%d", params.Host, params.port())
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, bkerrors.RemoteTransport("execctx: ssh dial %s failed: %v", addr, err)
	}

	return &sshContext{client: client, params: params}, nil
}

func (s *sshContext) Run(ctx context.Context, argv []string, opts RunOpts) (Result, error) {
	if len(argv) == 0 {
		return Result{ExitCode: -1}, errEmptyArgv
	}

	session, err := s.client.NewSession()
	if err != nil {
		return Result{ExitCode: -1}, bkerrors.RemoteTransport("execctx: failed to open ssh session to %s: %v", s.params.key(), err)
	}
	defer session.Close()

	cmd := shellEscape(argv)
	if opts.Dir != "" {
		cmd = fmt.Sprintf("cd %s && %s", shellQuote(opts.Dir), cmd)
	}
	if opts.Stdin != nil {
		session.Stdin = opts.Stdin
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return Result{ExitCode: -1}, ctx.Err()
	case runErr := <-done:
		exitCode := 0
		if runErr != nil {
			var exitErr *ssh.ExitError
			if errors.As(runErr, &exitErr) {
				exitCode = exitErr.ExitStatus()
			} else {
				return Result{ExitCode: -1, Stderr: stderr.Bytes()}, bkerrors.RemoteTransport("execctx: ssh run on %s failed: %v", s.params.key(), runErr)
			}
		}
		return Result{ExitCode: exitCode, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
	}
}

func (s *sshContext) Key() string   { return s.params.key() }
func (s *sshContext) IsLocal() bool { return false }
func (s *sshContext) Close() error  { return s.client.Close() }

func hostKeyCallback(params SSHParams) ssh.HostKeyCallback {
	if params.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey()
	}

	knownHosts := params.KnownHostsFile
	if knownHosts == "" {
		knownHosts = os.ExpandEnv("$HOME/.ssh/known_hosts")
	}

	cb, err := loadKnownHosts(knownHosts)
	if err != nil {
		// The known_hosts file could not be read: accept any host key. A
		// readable known_hosts file that lacks this host's key rejects the
		// connection instead. This mirrors the teacher's (opal-lang-opal)
		// behavior and is recorded as a design decision in DESIGN.md.
		return ssh.InsecureIgnoreHostKey()
	}
	return cb
}

func loadKnownHosts(path string) (ssh.HostKeyCallback, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	known := make(map[string]ssh.PublicKey)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pubKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(fields[1] + " " + fields[2]))
		if err != nil {
			continue
		}
		known[fields[0]+":"+pubKey.Type()] = pubKey
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		// ssh.Dial reports the dialed "host:port"; known_hosts lists a
		// port-22 host as "host" and any other port as "[host]:port".
		lookup := hostname
		if h, port, err := net.SplitHostPort(hostname); err == nil {
			lookup = h
			if port != "22" {
				lookup = "[" + h + "]:" + port
			}
		}
		known, ok := known[lookup+":"+key.Type()]
		if !ok {
			return fmt.Errorf("execctx: host key not found in known_hosts: %s", hostname)
		}
		if !bytes.Equal(key.Marshal(), known.Marshal()) {
			return fmt.Errorf("execctx: host key mismatch for %s", hostname)
		}
		return nil
	}, nil
}

func keyFileAuth(path string) ssh.AuthMethod {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil
	}
	return ssh.PublicKeys(signer)
}

func agentAuth() ssh.AuthMethod {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil
	}
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers)
}

func shellEscape(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = shellQuote(a)
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

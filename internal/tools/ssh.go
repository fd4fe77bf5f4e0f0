package tools

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHProcess runs adb on a remote lab host that has the devices attached.
type SSHProcess struct {
	Host                        string
	Port                        string
	User                        string
	KeyPath                     string
	Passphrase                  []byte
	KnownHostsPath              string
	InsecureSkipHostKeyChecking bool
	DialTimeout                 time.Duration
}

func (p SSHProcess) Exec(ctx context.Context, name string, args ...string) ([]byte, []byte, int32, error) {
	client, err := p.dial(ctx)
	if err != nil {
		return nil, []byte(err.Error()), 255, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, []byte(err.Error()), 255, err
	}
	defer session.Close()

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(joinCommand(name, args))
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return []byte(stdout.String()), []byte(stderr.String()), -1, ctx.Err()
	case err := <-done:
		if err == nil {
			return []byte(stdout.String()), []byte(stderr.String()), 0, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return []byte(stdout.String()), []byte(stderr.String()), int32(exitErr.ExitStatus()), err
		}
		return []byte(stdout.String()), []byte(stderr.String()), 1, err
	}
}

func joinCommand(cmd string, args []string) string {
	if len(args) == 0 {
		return shellEscape(cmd)
	}

	var builder strings.Builder
	builder.WriteString(shellEscape(cmd))
	for _, arg := range args {
		builder.WriteByte(' ')
		builder.WriteString(shellEscape(arg))
	}

	return builder.String()
}

func shellEscape(value string) string {
	if value == "" {
		return "''"
	}

	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}

func (p SSHProcess) dial(ctx context.Context) (*ssh.Client, error) {
	address, err := p.address()
	if err != nil {
		return nil, err
	}

	config, err := p.clientConfig()
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: p.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return ssh.NewClient(clientConn, chans, reqs), nil
}

func (p SSHProcess) address() (string, error) {
	host := strings.TrimSpace(p.Host)
	if host == "" {
		return "", fmt.Errorf("ssh host is required")
	}

	if p.Port != "" {
		return net.JoinHostPort(host, p.Port), nil
	}

	if _, _, err := net.SplitHostPort(host); err == nil {
		return host, nil
	}

	return net.JoinHostPort(host, "22"), nil
}

func (p SSHProcess) clientConfig() (*ssh.ClientConfig, error) {
	if p.User == "" {
		return nil, fmt.Errorf("ssh user is required")
	}

	signer, err := p.signer()
	if err != nil {
		return nil, err
	}

	var hostKeyCallback ssh.HostKeyCallback
	if p.InsecureSkipHostKeyChecking {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else {
		callback, err := p.knownHostsCallback()
		if err != nil {
			return nil, err
		}
		hostKeyCallback = callback
	}

	return &ssh.ClientConfig{
		User:            p.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         p.DialTimeout,
	}, nil
}

func (p SSHProcess) signer() (ssh.Signer, error) {
	if p.KeyPath == "" {
		return nil, fmt.Errorf("ssh key path is required")
	}

	privateKey, err := os.ReadFile(expandHome(p.KeyPath))
	if err != nil {
		return nil, err
	}

	if len(p.Passphrase) > 0 {
		return ssh.ParsePrivateKeyWithPassphrase(privateKey, p.Passphrase)
	}

	return ssh.ParsePrivateKey(privateKey)
}

func (p SSHProcess) knownHostsCallback() (ssh.HostKeyCallback, error) {
	path := expandHome(strings.TrimSpace(p.KnownHostsPath))
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("known hosts path not set and home dir unavailable")
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}

	return knownhosts.New(path)
}

// expandHome resolves a leading "~/" against the local home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

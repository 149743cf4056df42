// Package sshio adapts SSH channels and local terminals into the byte
// streams the transfer protocols run over. The classic use is driving a
// remote rz/sz or kermit through an interactive shell.
package sshio

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/ssh"
)

// Transport is a duplex byte stream attached to a remote command over
// SSH. Its Reader/Writer plug straight into the protocol senders and
// receivers.
type Transport struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader

	done chan error
}

// NewTransport wires up the pipes of an SSH session.
func NewTransport(session *ssh.Session) (*Transport, error) {
	stdin, err := session.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}
	return &Transport{
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		done:    make(chan error, 1),
	}, nil
}

// Start launches the remote command, e.g. "rz" when we send or "sz
// file" when we receive.
func (t *Transport) Start(command string) error {
	if err := t.session.Start(command); err != nil {
		return fmt.Errorf("start %q: %w", command, err)
	}
	go func() {
		t.done <- t.session.Wait()
	}()
	return nil
}

// Reader returns the remote command's output stream.
func (t *Transport) Reader() io.Reader {
	return t.stdout
}

// Writer returns the remote command's input stream.
func (t *Transport) Writer() io.Writer {
	return t.stdin
}

// Stderr returns the remote command's error stream for monitoring.
func (t *Transport) Stderr() io.Reader {
	return t.stderr
}

// Wait closes our side and waits for the remote command to exit.
func (t *Transport) Wait() error {
	t.stdin.Close()
	return <-t.done
}

// Close tears the session down.
func (t *Transport) Close() error {
	t.stdin.Close()
	return t.session.Close()
}

// ClientConfig describes how to reach the remote host.
type ClientConfig struct {
	Host     string
	Port     int
	User     string
	Password string

	// KeyFile is a path to a PEM private key. When set, key
	// authentication is offered alongside any Password.
	KeyFile string
}

// Dial opens an SSH connection and a session on it.
func Dial(cfg ClientConfig) (*ssh.Client, *ssh.Session, error) {
	var auth []ssh.AuthMethod
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if cfg.KeyFile != "" {
		pem, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, nil, err
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, nil, err
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}

	client, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", cfg.Host, port), &ssh.ClientConfig{
		User: cfg.User,
		Auth: auth,
		// File transfer tooling historically trusts the host it was
		// pointed at; pin host keys at the call site if needed.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	})
	if err != nil {
		return nil, nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return client, session, nil
}

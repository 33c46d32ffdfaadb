// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sshtransport implements internal/executor.Transport over
// golang.org/x/crypto/ssh, with a small per-host connection cache so
// the Remote Executor's worker pool doesn't renegotiate a session for
// every submitted command.
package sshtransport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Transport dials and caches one ssh.Client per (host, user), signing
// in via the user's SSH agent or a private key file.
type Transport struct {
	Port       int
	KeyFile    string
	KnownHosts string
	DialTimeout time.Duration

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// New constructs a Transport. Port defaults to 22, DialTimeout to 10s.
func New(keyFile, knownHostsFile string) *Transport {
	return &Transport{
		Port:        22,
		KeyFile:     keyFile,
		KnownHosts:  knownHostsFile,
		DialTimeout: 10 * time.Second,
		clients:     make(map[string]*ssh.Client),
	}
}

// Run opens (or reuses) a session to host as user and runs argv with
// stdin piped in, returning its exit code, stdout and stderr.
func (t *Transport) Run(ctx context.Context, host, user string, argv []string, stdin string) (int, string, string, error) {
	client, err := t.dial(host, user)
	if err != nil {
		return -1, "", "", fmt.Errorf("sshtransport: dial %s@%s: %w", user, host, err)
	}

	session, err := client.NewSession()
	if err != nil {
		t.evict(host, user)
		return -1, "", "", fmt.Errorf("sshtransport: new session on %s: %w", host, err)
	}
	defer session.Close()

	if stdin != "" {
		session.Stdin = bytes.NewBufferString(stdin)
	}
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(strings.Join(quoteArgv(argv), " ")) }()

	select {
	case err := <-done:
		return exitCodeOf(err), stdout.String(), stderr.String(), nonExitError(err)
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return -1, stdout.String(), stderr.String(), ctx.Err()
	}
}

func (t *Transport) dial(host, user string) (*ssh.Client, error) {
	key := user + "@" + host

	t.mu.Lock()
	if c, ok := t.clients[key]; ok {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	auth, err := t.authMethods()
	if err != nil {
		return nil, err
	}
	hostKeyCB, err := t.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCB,
		Timeout:         t.DialTimeout,
	}
	addr := net.JoinHostPort(host, portOrDefault(t.Port))
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.clients[key] = client
	t.mu.Unlock()
	return client, nil
}

func (t *Transport) evict(host, user string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := user + "@" + host
	if c, ok := t.clients[key]; ok {
		_ = c.Close()
		delete(t.clients, key)
	}
}

// Close tears down every cached connection.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, c := range t.clients {
		_ = c.Close()
		delete(t.clients, key)
	}
}

func (t *Transport) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	if t.KeyFile != "" {
		key, err := os.ReadFile(t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file %s: %w", t.KeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse key file %s: %w", t.KeyFile, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no SSH auth method available (no agent, no key file configured)")
	}
	return methods, nil
}

func (t *Transport) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if t.KnownHosts == "" {
		home, _ := os.UserHomeDir()
		t.KnownHosts = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(t.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", t.KnownHosts, err)
	}
	return cb, nil
}

func portOrDefault(p int) string {
	if p <= 0 {
		p = 22
	}
	return fmt.Sprintf("%d", p)
}

func quoteArgv(argv []string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return out
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*ssh.ExitError); ok {
		return exitErr.ExitStatus()
	}
	return -1
}

func nonExitError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*ssh.ExitError); ok {
		return nil
	}
	return err
}

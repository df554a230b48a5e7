package tunnel

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"
)

// Prompter asks the operator for a secret.
type Prompter func(prompt string) ([]byte, error)

// TerminalPrompter reads a secret from the controlling terminal.  It
// never touches stdin: on a hop, stdin carries the relay protocol.
func TerminalPrompter(prompt string) ([]byte, error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("no terminal to prompt on: %w", err)
	}
	defer tty.Close()

	fd := int(tty.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("no terminal to prompt on")
	}
	fmt.Fprint(tty, prompt)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(tty)
	return secret, err
}

// AuthMethods returns the methods offered when logging into a hop, in
// this order: key file, agent, password (configured or prompted).  A
// login that configures none of them falls back to the agent and the
// unencrypted default keys in ~/.ssh.
func AuthMethods(cfg *SSHConfig) ([]ssh.AuthMethod, error) {
	prompt := cfg.Prompt
	if prompt == nil {
		prompt = TerminalPrompter
	}

	var methods []ssh.AuthMethod
	if cfg.KeyPath != "" {
		signer, err := loadKey(cfg.KeyPath, prompt)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", cfg.KeyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if cfg.UseAgent {
		m, err := agentMethod()
		if err != nil {
			return nil, fmt.Errorf("ssh-agent: %w", err)
		}
		methods = append(methods, m)
	}

	switch {
	case cfg.Password != "":
		methods = append(methods, passwordMethods(cfg.Password)...)
	case cfg.PromptPass:
		pass, err := prompt(fmt.Sprintf("Password for %s@%s: ", cfg.User, cfg.Host))
		if err != nil {
			return nil, fmt.Errorf("read password: %w", err)
		}
		methods = append(methods, passwordMethods(string(pass))...)
	}

	if len(methods) == 0 {
		methods = fallbackMethods()
	}
	if len(methods) == 0 {
		return nil, errors.New("no SSH authentication methods available; " +
			"set key_path, pwd or use_agent on the stage")
	}
	return methods, nil
}

// ── methods ──────────────────────────────────────────────────────────

// loadKey parses a private key, asking for the passphrase of an
// encrypted one.
func loadKey(path string, prompt Prompter) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(data)
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return signer, err
	}
	pass, err := prompt(fmt.Sprintf("Passphrase for %s: ", path))
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	return ssh.ParsePrivateKeyWithPassphrase(data, pass)
}

func agentMethod() (ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, errors.New("SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("connect to agent at %s: %w", sock, err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

// passwordMethods offers pass both as a plain password and to
// keyboard-interactive servers, which clusters often require.
func passwordMethods(pass string) []ssh.AuthMethod {
	return []ssh.AuthMethod{
		ssh.Password(pass),
		ssh.KeyboardInteractive(answerWith(pass)),
	}
}

// answerWith replies to every keyboard-interactive question with pass.
func answerWith(pass string) ssh.KeyboardInteractiveChallenge {
	return func(_, _ string, questions []string, _ []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range answers {
			answers[i] = pass
		}
		return answers, nil
	}
}

// fallbackMethods never prompts: a hop started unattended has nobody
// to answer.
func fallbackMethods() []ssh.AuthMethod {
	var out []ssh.AuthMethod
	if m, err := agentMethod(); err == nil {
		out = append(out, m)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return out
	}
	var signers []ssh.Signer
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		data, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		if s, err := ssh.ParsePrivateKey(data); err == nil {
			signers = append(signers, s)
		}
	}
	if len(signers) > 0 {
		out = append(out, ssh.PublicKeys(signers...))
	}
	return out
}

// ── host keys ────────────────────────────────────────────────────────

// hostKeys returns the host key check of a login.  Without
// StrictHostKey any key is accepted.
func hostKeys(cfg *SSHConfig) (ssh.HostKeyCallback, error) {
	if !cfg.StrictHostKey {
		//nolint:gosec // host key checking disabled on the stage
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := cfg.KnownHosts
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locate known_hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", path, err)
	}
	return cb, nil
}

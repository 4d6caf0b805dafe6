package platform

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// SSHDriver runs components on a remote host over SSH.
//
// The script is uploaded into the remote workdir, executed with the remote
// python, and the result parsed from the session's stdout. Authentication
// prefers the configured key file and falls back to the running ssh-agent.
//
// Mandatory config: hostname, username. Recognized: port, key_file,
// password, remote_workdir, python_path, cleanup_remote, host_key_file.
type SSHDriver struct {
	hostname      string
	username      string
	port          int
	keyFile       string
	password      string
	remoteWorkdir string
	pythonPath    string
	cleanupRemote bool
	hostKeyFile   string
}

// NewSSHDriver creates a driver; the connection is established per
// execution.
func NewSSHDriver(config map[string]any) (*SSHDriver, error) {
	return &SSHDriver{
		hostname:      configString(config, "hostname", ""),
		username:      configString(config, "username", ""),
		port:          configInt(config, "port", 22),
		keyFile:       configString(config, "key_file", ""),
		password:      configString(config, "password", ""),
		remoteWorkdir: configString(config, "remote_workdir", "/tmp/twingraph"),
		pythonPath:    configString(config, "python_path", "python3"),
		cleanupRemote: configBool(config, "cleanup_remote", true),
		hostKeyFile:   configString(config, "host_key_file", ""),
	}, nil
}

// Tag returns "ssh".
func (d *SSHDriver) Tag() string { return TagSSH }

// SupportedLanguages returns the script languages runnable remotely.
func (d *SSHDriver) SupportedLanguages() []string { return []string{"python"} }

// Validate requires a hostname and a username.
func (d *SSHDriver) Validate(config map[string]any) error {
	return requireKeys(TagSSH, config, "hostname", "username")
}

// Execute connects, uploads the script, runs it, and parses stdout.
func (d *SSHDriver) Execute(ctx context.Context, fn FunctionDescriptor, inputs map[string]any, execCtx Context) (any, error) {
	script, err := buildScript(fn, inputs)
	if err != nil {
		return nil, err
	}

	if execCtx.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, execCtx.Timeout)
		defer cancel()
	}

	client, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	remotePath := path.Join(d.remoteWorkdir, fmt.Sprintf("twingraph-%s.py", execCtx.ExecutionID))
	if err := d.upload(client, remotePath, script); err != nil {
		return nil, err
	}
	if d.cleanupRemote {
		defer d.run(client, "rm -f "+shellQuote(remotePath))
	}

	cmd := fmt.Sprintf("EXECUTION_ID=%s COMPONENT_NAME=%s %s %s",
		shellQuote(execCtx.ExecutionID), shellQuote(execCtx.ComponentName),
		d.pythonPath, shellQuote(remotePath))
	stdout, stderr, err := d.run(client, cmd)
	if err != nil {
		return nil, &ExecutionError{
			Platform:  TagSSH,
			Msg:       "remote execution failed: " + truncate(strings.TrimSpace(stderr), 500),
			Cause:     err,
			Transient: true,
		}
	}
	return parseScriptOutput(TagSSH, stdout)
}

// connect dials the host, honoring context cancellation during dial.
func (d *SSHDriver) connect(ctx context.Context) (*ssh.Client, error) {
	auth, err := d.authMethods()
	if err != nil {
		return nil, err
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if d.hostKeyFile != "" {
		data, err := os.ReadFile(d.hostKeyFile)
		if err != nil {
			return nil, &ConfigurationError{Platform: TagSSH, Msg: "reading host key file: " + err.Error()}
		}
		key, _, _, _, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			return nil, &ConfigurationError{Platform: TagSSH, Msg: "parsing host key: " + err.Error()}
		}
		hostKey = ssh.FixedHostKey(key)
	}

	addr := fmt.Sprintf("%s:%d", d.hostname, d.port)
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ExecutionError{Platform: TagSSH, Msg: "dialing " + addr, Cause: err, Transient: true}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            d.username,
		Auth:            auth,
		HostKeyCallback: hostKey,
	})
	if err != nil {
		conn.Close()
		return nil, &ExecutionError{Platform: TagSSH, Msg: "ssh handshake with " + addr, Cause: err, Transient: true}
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// authMethods builds the auth chain: key file, then password, then agent.
func (d *SSHDriver) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if d.keyFile != "" {
		data, err := os.ReadFile(d.keyFile)
		if err != nil {
			return nil, &ConfigurationError{Platform: TagSSH, Msg: "reading key file: " + err.Error()}
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, &ConfigurationError{Platform: TagSSH, Msg: "parsing private key: " + err.Error()}
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if d.password != "" {
		methods = append(methods, ssh.Password(d.password))
	}
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	if len(methods) == 0 {
		return nil, &ConfigurationError{
			Platform: TagSSH,
			Msg:      "no authentication available: set key_file or password, or run an ssh-agent",
		}
	}
	return methods, nil
}

// upload writes the script through a remote shell; no SFTP subsystem
// required on the host.
func (d *SSHDriver) upload(client *ssh.Client, remotePath, content string) error {
	if _, stderr, err := d.run(client, "mkdir -p "+shellQuote(d.remoteWorkdir)); err != nil {
		return &ExecutionError{
			Platform: TagSSH,
			Msg:      "creating remote workdir: " + truncate(strings.TrimSpace(stderr), 200),
			Cause:    err,
		}
	}

	session, err := client.NewSession()
	if err != nil {
		return &ExecutionError{Platform: TagSSH, Msg: "opening upload session", Cause: err, Transient: true}
	}
	defer session.Close()

	session.Stdin = strings.NewReader(content)
	if err := session.Run("cat > " + shellQuote(remotePath)); err != nil {
		return &ExecutionError{Platform: TagSSH, Msg: "uploading script to " + remotePath, Cause: err}
	}
	return nil
}

// run executes one command in a fresh session and captures both streams.
func (d *SSHDriver) run(client *ssh.Client, cmd string) (string, string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", "", &ExecutionError{Platform: TagSSH, Msg: "opening session", Cause: err, Transient: true}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	err = session.Run(cmd)
	return stdout.String(), stderr.String(), err
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

package transfer

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/chainbench/fleetbench/util"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

type ClientInput struct {
	User    string
	KeyPath string
	Port    int
	Timeout time.Duration
}

// Client copies single files off remote hosts over SFTP, authenticated with
// a pre-shared private key. Host keys are accepted on first contact.
type Client struct {
	input  *ClientInput
	signer ssh.Signer
}

func NewClient(input *ClientInput) (*Client, error) {
	if input.User == "" {
		input.User = "ec2-user"
	}
	if input.Port == 0 {
		input.Port = 22
	}
	if input.Timeout == 0 {
		input.Timeout = 30 * time.Second
	}
	key, err := os.ReadFile(input.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", input.KeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", input.KeyPath, err)
	}
	return &Client{input: input, signer: signer}, nil
}

// Fetch copies the remote file at remotePath on host to localPath, creating
// parent directories as needed. The download goes to a temporary file first
// so an interrupted transfer never leaves a half-written file at localPath.
func (c *Client) Fetch(host, remotePath, localPath string) error {
	conn, err := c.dial(host)
	if err != nil {
		return err
	}
	defer conn.Close()

	sftpClient, err := sftp.NewClient(conn)
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	src, err := sftpClient.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open %s on %s: %w", remotePath, host, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	tmpPath := localPath + ".partial-" + util.Randstring(6)
	dst, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	_, err = src.WriteTo(dst)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("download %s from %s: %w", remotePath, host, err)
	}
	return os.Rename(tmpPath, localPath)
}

func (c *Client) dial(host string) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User:            c.input.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(c.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.input.Timeout,
	}
	return ssh.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(c.input.Port)), cfg)
}

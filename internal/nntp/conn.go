// Package nntp implements the NNTP client layer: authenticated connections,
// per-server pools and the priority dispatcher that retrieves article bodies.
package nntp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/mediahunt/mediahunt/internal/errors"
)

// ServerConfig describes one NNTP server.
type ServerConfig struct {
	Name           string `yaml:"name" mapstructure:"name" json:"name"`
	Host           string `yaml:"host" mapstructure:"host" json:"host"`
	Port           int    `yaml:"port" mapstructure:"port" json:"port"`
	TLS            bool   `yaml:"tls" mapstructure:"tls" json:"tls"`
	Username       string `yaml:"username" mapstructure:"username" json:"username"`
	Password       string `yaml:"password" mapstructure:"password" json:"password"`
	MaxConnections int    `yaml:"max_connections" mapstructure:"max_connections" json:"max_connections"`
	Priority       int    `yaml:"priority" mapstructure:"priority" json:"priority"`
	Enabled        bool   `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
}

// Validate rejects configurations the pool cannot operate with.
func (c *ServerConfig) Validate() error {
	if c.Host == "" {
		return errors.New(errors.KindConfig, "nntp server host is empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New(errors.KindConfig, fmt.Sprintf("nntp server %s: invalid port %d", c.Host, c.Port))
	}
	if c.MaxConnections <= 0 {
		return errors.New(errors.KindConfig, fmt.Sprintf("nntp server %s: max_connections must be > 0", c.Host))
	}
	return nil
}

// Address returns host:port for dialing.
func (c *ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// Conn is a single authenticated NNTP connection. It remembers the currently
// selected group so repeat selections are free. Not safe for concurrent use;
// the pool hands a connection to exactly one caller at a time.
type Conn struct {
	netConn      net.Conn
	text         *textproto.Conn
	currentGroup string
}

const dialTimeout = 10 * time.Second

// Dial connects and authenticates against the server.
func Dial(ctx context.Context, cfg ServerConfig) (*Conn, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}

	netConn, err := dialer.DialContext(ctx, "tcp", cfg.Address())
	if err != nil {
		return nil, errors.Wrap(errors.KindTransient, fmt.Sprintf("dial %s", cfg.Address()), err)
	}

	if cfg.TLS {
		tlsConn := tls.Client(netConn, &tls.Config{ServerName: cfg.Host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = netConn.Close()
			return nil, errors.Wrap(errors.KindTransient, fmt.Sprintf("tls handshake %s", cfg.Address()), err)
		}
		netConn = tlsConn
	}

	c := &Conn{
		netConn: netConn,
		text:    textproto.NewConn(netConn),
	}

	// Server greeting: 200 (posting allowed) or 201 (no posting).
	if code, _, err := c.text.ReadCodeLine(2); err != nil {
		_ = c.close()
		return nil, errors.Wrap(errors.KindTransient, fmt.Sprintf("greeting %s (code %d)", cfg.Address(), code), err)
	}

	if cfg.Username != "" {
		if err := c.authenticate(cfg.Username, cfg.Password); err != nil {
			_ = c.close()
			return nil, err
		}
	}

	return c, nil
}

func (c *Conn) authenticate(username, password string) error {
	if err := c.text.PrintfLine("AUTHINFO USER %s", username); err != nil {
		return errors.Wrap(errors.KindTransient, "authinfo user", err)
	}

	code, _, err := c.text.ReadCodeLine(-1)
	if err != nil {
		return errors.Wrap(errors.KindTransient, "authinfo user response", err)
	}
	switch {
	case code == 281:
		return nil
	case code == 381:
		// Password requested.
	case isAuthCode(code):
		return errors.New(errors.KindAuth, fmt.Sprintf("authentication rejected (code %d)", code))
	default:
		return errors.New(errors.KindTransient, fmt.Sprintf("unexpected authinfo user response (code %d)", code))
	}

	if err := c.text.PrintfLine("AUTHINFO PASS %s", password); err != nil {
		return errors.Wrap(errors.KindTransient, "authinfo pass", err)
	}

	code, _, err = c.text.ReadCodeLine(-1)
	if err != nil {
		return errors.Wrap(errors.KindTransient, "authinfo pass response", err)
	}
	if code == 281 {
		return nil
	}
	if isAuthCode(code) {
		return errors.New(errors.KindAuth, fmt.Sprintf("authentication rejected (code %d)", code))
	}
	return errors.New(errors.KindTransient, fmt.Sprintf("unexpected authinfo pass response (code %d)", code))
}

func isAuthCode(code int) bool {
	return code == 481 || code == 482 || code == 502
}

// SelectGroup issues GROUP g unless g is already current. It returns false
// without error when the group does not exist on this server, which is common
// and non-fatal. A non-nil error means the connection is unusable.
func (c *Conn) SelectGroup(group string) (bool, error) {
	if group == "" || group == c.currentGroup {
		return group != "", nil
	}

	if err := c.text.PrintfLine("GROUP %s", group); err != nil {
		return false, errors.Wrap(errors.KindTransient, "group command", err)
	}

	code, _, err := c.text.ReadCodeLine(-1)
	if err != nil {
		return false, errors.Wrap(errors.KindTransient, "group response", err)
	}
	if code == 211 {
		c.currentGroup = group
		return true, nil
	}
	// 411 (no such group) and other status responses leave the connection
	// usable; the caller just proceeds without a selected group.
	return false, nil
}

// Body retrieves the dot-encoded article body for the Message-ID (angle
// brackets added when absent). A 430 maps to KindArticleMissing.
func (c *Conn) Body(messageID string) ([]byte, error) {
	ref := messageID
	if !strings.HasPrefix(ref, "<") {
		ref = "<" + ref + ">"
	}

	if err := c.text.PrintfLine("BODY %s", ref); err != nil {
		return nil, errors.Wrap(errors.KindTransient, "body command", err)
	}

	code, _, err := c.text.ReadCodeLine(222)
	if err != nil {
		if tpErr, ok := err.(*textproto.Error); ok {
			if tpErr.Code == 430 || strings.Contains(strings.ToLower(tpErr.Msg), "no such article") {
				return nil, errors.Wrap(errors.KindArticleMissing, messageID, err)
			}
			// Other status responses leave the connection in a sane state.
			return nil, errors.Wrap(errors.KindTransient, fmt.Sprintf("body response code %d", code), err)
		}
		return nil, errors.Wrap(errors.KindTransient, "body response", err)
	}

	data, err := c.text.ReadDotBytes()
	if err != nil {
		return nil, errors.Wrap(errors.KindTransient, "body payload", err)
	}

	return data, nil
}

// Quit sends QUIT and closes the socket. Always safe to call.
func (c *Conn) Quit() {
	_ = c.text.PrintfLine("QUIT")
	_, _, _ = c.text.ReadCodeLine(-1)
	_ = c.close()
}

// Close tears down the socket without the QUIT exchange. Used for broken
// connections where the peer may no longer respond.
func (c *Conn) Close() {
	_ = c.close()
}

func (c *Conn) close() error {
	return c.netConn.Close()
}

// Package smtp implements a provider that relays through an SMTP submission server.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/outreach/internal/provider"
)

// TLS modes
const (
	TLSNone     = "none"
	TLSStartTLS = "starttls"
	TLSImplicit = "tls"
)

// Config contains SMTP relay settings
type Config struct {
	Name               string        `yaml:"name"`
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	TLS                string        `yaml:"tls"` // none, starttls, tls
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	HeloName           string        `yaml:"helo_name"`
	Timeout            time.Duration `yaml:"timeout"`
	DKIM               DKIMConfig    `yaml:"dkim"`
}

// Provider sends each message in its own SMTP transaction
type Provider struct {
	config *Config
	signer *Signer
	logger *slog.Logger
	now    func() time.Time
}

// New creates an SMTP provider
func New(cfg *Config, logger *slog.Logger) (*Provider, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp provider: host is required")
	}
	if cfg.Name == "" {
		cfg.Name = "smtp"
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.TLS == "" {
		cfg.TLS = TLSStartTLS
	}
	if cfg.HeloName == "" {
		cfg.HeloName = "localhost"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Provider{
		config: cfg,
		logger: logger.With("component", "provider", "provider", cfg.Name),
		now:    time.Now,
	}

	if cfg.DKIM.Enabled {
		signer, err := NewSignerFromFile(cfg.DKIM.KeyFile, cfg.DKIM.Domain, cfg.DKIM.Selector)
		if err != nil {
			return nil, err
		}
		p.signer = signer
	}

	return p, nil
}

// SetSigner sets the DKIM signer for outgoing messages
func (p *Provider) SetSigner(s *Signer) {
	p.signer = s
}

func (p *Provider) Name() string {
	return p.config.Name
}

func (p *Provider) addr() string {
	return net.JoinHostPort(p.config.Host, strconv.Itoa(p.config.Port))
}

func (p *Provider) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         p.config.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: p.config.InsecureSkipVerify,
	}
}

// dial connects, greets and authenticates
func (p *Provider) dial(ctx context.Context) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: p.config.Timeout}

	var (
		conn net.Conn
		err  error
	)
	if p.config.TLS == TLSImplicit {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: p.tlsConfig()}).DialContext(ctx, "tcp", p.addr())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", p.addr())
	}
	if err != nil {
		return nil, &provider.Error{Temporary: true, Message: fmt.Sprintf("connection failed to %s: %v", p.addr(), err)}
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(p.config.Timeout))
	}

	client := smtp.NewClient(conn)

	if err := client.Hello(p.config.HeloName); err != nil {
		client.Close()
		return nil, categorizeError(err, "HELO")
	}

	if p.config.TLS == TLSStartTLS {
		if err := client.StartTLS(p.tlsConfig()); err != nil {
			client.Close()
			return nil, categorizeError(err, "STARTTLS")
		}
	}

	if p.config.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", p.config.Username, p.config.Password)); err != nil {
			client.Close()
			return nil, categorizeError(err, "AUTH")
		}
	}

	return client, nil
}

// Send submits one message. A permanent SMTP rejection is returned as a
// non-accepted result, transport failures as errors.
func (p *Provider) Send(ctx context.Context, msg *provider.Message) (*provider.Result, error) {
	data, messageID := buildMessage(msg, p.now())

	if p.signer != nil {
		signed, err := p.signer.Sign(data)
		if err != nil {
			p.logger.Warn("DKIM signing failed, sending unsigned", "domain", p.signer.Domain(), "error", err)
		} else {
			data = signed
		}
	}

	client, err := p.dial(ctx)
	if err != nil {
		return rejectOrError(err)
	}
	defer client.Close()

	if err := p.submit(client, msg.From, msg.To, data); err != nil {
		return rejectOrError(err)
	}
	client.Quit()

	p.logger.Debug("message submitted", "to", msg.To, "message_id", messageID)
	return &provider.Result{Accepted: true, ProviderMessageID: messageID}, nil
}

func (p *Provider) submit(client *smtp.Client, from, to string, data []byte) error {
	if err := client.Mail(from, nil); err != nil {
		return categorizeError(err, "MAIL FROM")
	}
	if err := client.Rcpt(to, nil); err != nil {
		return categorizeError(err, "RCPT TO "+to)
	}

	wc, err := client.Data()
	if err != nil {
		return categorizeError(err, "DATA")
	}
	if _, err := bytes.NewReader(data).WriteTo(wc); err != nil {
		wc.Close()
		return &provider.Error{Temporary: true, Message: fmt.Sprintf("failed to write message data: %v", err)}
	}
	if err := wc.Close(); err != nil {
		return categorizeError(err, "DATA close")
	}
	return nil
}

func (p *Provider) BulkSend(ctx context.Context, msgs []*provider.Message) *provider.BulkResult {
	return provider.SendEach(ctx, p, msgs)
}

// IsHealthy reports whether the relay accepts a connection and a NOOP
func (p *Provider) IsHealthy(ctx context.Context) bool {
	client, err := p.dial(ctx)
	if err != nil {
		p.logger.Debug("health check failed", "error", err)
		return false
	}
	defer client.Close()

	if err := client.Noop(); err != nil {
		return false
	}
	client.Quit()
	return true
}

// rejectOrError turns permanent SMTP errors into a rejection result
func rejectOrError(err error) (*provider.Result, error) {
	if !provider.IsTemporary(err) {
		return &provider.Result{ErrorMessage: err.Error()}, nil
	}
	return nil, err
}

// categorizeError determines if an SMTP error is temporary or permanent
func categorizeError(err error, stage string) *provider.Error {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &provider.Error{Temporary: smtpErr.Code < 500, Message: msg}
	}
	return &provider.Error{Temporary: true, Message: msg}
}

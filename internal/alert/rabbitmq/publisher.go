// Package rabbitmq publishes batch failure notices to a topic exchange.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"ledgerstream/internal/alert"

	"github.com/rabbitmq/amqp091-go"
)

type Config struct {
	Enabled    bool
	URL        string
	Endpoints  []string
	Exchange   string
	RoutingKey string
	TLS        TLSConfig
	Auth       AuthConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

type AuthConfig struct {
	Username string
	Password string
}

func (c *Config) withDefaults() {
	if c.RoutingKey == "" {
		c.RoutingKey = "ledgerstream.batch.failed"
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if c.endpoint() == "" {
		return fmt.Errorf("rabbitmq url or endpoints is required")
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

type publishFunc func(ctx context.Context, exchange, key string, msg amqp091.Publishing) error

type Publisher struct {
	cfg Config

	mu      sync.Mutex
	conn    *amqp091.Connection
	ch      *amqp091.Channel
	publish publishFunc
}

func NewPublisher(cfg Config) (*Publisher, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Publisher{cfg: cfg}, nil
}

// Connect dials the broker and declares the exchange.
func (p *Publisher) Connect(ctx context.Context) error {
	dialCfg := amqp091.Config{}
	if p.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: p.cfg.Auth.Username, Password: p.cfg.Auth.Password}}
	}
	if tlsCfg, err := p.buildTLSConfig(); err != nil {
		return err
	} else if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}
	conn, err := amqp091.DialConfig(p.cfg.endpoint(), dialCfg)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn, p.ch = conn, ch
	p.publish = func(ctx context.Context, exchange, key string, msg amqp091.Publishing) error {
		return ch.PublishWithContext(ctx, exchange, key, false, false, msg)
	}
	return nil
}

// Notify publishes n as a persistent JSON message.
func (p *Publisher) Notify(ctx context.Context, n alert.Notice) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notice: %w", err)
	}
	p.mu.Lock()
	publish := p.publish
	p.mu.Unlock()
	if publish == nil {
		return errors.New("rabbitmq publisher is not connected")
	}
	return publish(ctx, p.cfg.Exchange, p.cfg.RoutingKey, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    n.ID,
		Timestamp:    n.At,
		Type:         "batch_failed",
		Headers:      amqp091.Table{"stage": n.Stage, "shard": n.Shard},
		Body:         body,
	})
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.ch, p.conn, p.publish = nil, nil, nil
	return errors.Join(errs...)
}

func (p *Publisher) buildTLSConfig() (*tls.Config, error) {
	if !p.cfg.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: p.cfg.TLS.InsecureSkipVerify, ServerName: p.cfg.TLS.ServerName}
	if p.cfg.TLS.CAFile != "" {
		pemBytes, err := os.ReadFile(p.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if p.cfg.TLS.CertFile != "" || p.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(p.cfg.TLS.CertFile, p.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

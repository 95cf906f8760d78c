package viewfanout

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"meridian/internal/domain"
)

// AMQPConfig configures the AMQP-published view sink: resolved
// records are published to Exchange with a routing key derived from
// the partition, for any number of external notification consumers
// bound to Queue-equivalent queues of their own.
type AMQPConfig struct {
	Enabled       bool
	URL           string
	Endpoints     []string
	Exchange      string
	RoutingPrefix string
	TLS           TLSConfig
	Auth          AuthConfig
	PublishBuffer int
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

func (c AMQPConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Exchange == "" {
		return fmt.Errorf("viewfanout.amqp exchange is required")
	}
	if c.endpoint() == "" {
		return fmt.Errorf("viewfanout.amqp url or endpoints is required")
	}
	return nil
}

func (c AMQPConfig) endpoint() string {
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

// AMQPViewWriter publishes resolved records to an AMQP topic exchange.
type AMQPViewWriter struct {
	cfg  AMQPConfig
	conn *amqp091.Connection
	ch   *amqp091.Channel
}

func NewAMQPViewWriter(cfg AMQPConfig) (*AMQPViewWriter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &AMQPViewWriter{cfg: cfg}
	return w, nil
}

func (w *AMQPViewWriter) Connect() error {
	dialCfg := amqp091.Config{}
	if w.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: w.cfg.Auth.Username, Password: w.cfg.Auth.Password}}
	}
	tlsCfg, err := w.buildTLSConfig()
	if err != nil {
		return err
	}
	if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}
	conn, err := amqp091.DialConfig(w.cfg.endpoint(), dialCfg)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(w.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	w.conn, w.ch = conn, ch
	return nil
}

func (w *AMQPViewWriter) Name() string { return "amqp:" + w.cfg.Exchange }

type viewMessage struct {
	Outcome   string `json:"outcome"`
	Partition int32  `json:"partition"`
	Key       []byte `json:"key"`
	Value     []byte `json:"value,omitempty"`
	Timestamp int64  `json:"ts"`
}

func (w *AMQPViewWriter) Write(ctx context.Context, partition domain.PartitionID, key domain.Key, decision domain.Decision) error {
	body, err := json.Marshal(viewMessage{
		Outcome:   decision.Outcome.String(),
		Partition: int32(partition),
		Key:       key,
		Value:     decision.NewValue,
		Timestamp: time.Now().UTC().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("viewfanout: marshal view message: %w", err)
	}
	routingKey := fmt.Sprintf("%s.%d", w.cfg.RoutingPrefix, partition)
	return w.ch.PublishWithContext(ctx, w.cfg.Exchange, routingKey, false, false, amqp091.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now().UTC(),
	})
}

func (w *AMQPViewWriter) Close() error {
	var errs []error
	if w.ch != nil {
		if err := w.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if w.conn != nil {
		if err := w.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (w *AMQPViewWriter) buildTLSConfig() (*tls.Config, error) {
	if !w.cfg.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: w.cfg.TLS.InsecureSkipVerify, ServerName: w.cfg.TLS.ServerName}
	if w.cfg.TLS.CAFile != "" {
		pemBytes, err := os.ReadFile(w.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read amqp ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse amqp ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if w.cfg.TLS.CertFile != "" || w.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(w.cfg.TLS.CertFile, w.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load amqp cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

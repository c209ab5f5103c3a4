package kv

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"

	"github.com/nats-io/nats.go"
	"k8s.io/klog/v2"
)

// ChangePublisher publishes store mutations to NATS JetStream so downstream
// consumers (feed fan-out, search indexers) can follow the stream without
// polling the store.
type ChangePublisher struct {
	js            nats.JetStreamContext
	subjectPrefix string
}

// ChangePublisherConfig configures the change publisher.
type ChangePublisherConfig struct {
	URL           string
	StreamName    string
	SubjectPrefix string
	TLSEnabled    bool
	TLSCertFile   string
	TLSKeyFile    string
	TLSCAFile     string
}

// buildPublisherTLSConfig creates a TLS configuration for NATS connections.
func buildPublisherTLSConfig(config ChangePublisherConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if config.TLSCertFile != "" && config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(config.TLSCertFile, config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load NATS client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
		klog.V(2).InfoS("Loaded NATS client certificate for change publisher", "certFile", config.TLSCertFile)
	}

	if config.TLSCAFile != "" {
		caCert, err := os.ReadFile(config.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read NATS CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse NATS CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
		klog.V(2).InfoS("Loaded NATS CA certificate for change publisher", "caFile", config.TLSCAFile)
	}

	return tlsConfig, nil
}

// NewChangePublisher creates a NATS JetStream publisher for store changes.
// Returns nil if URL is empty (publishing disabled).
func NewChangePublisher(config ChangePublisherConfig) (*ChangePublisher, error) {
	if config.URL == "" {
		klog.Info("NATS URL not configured, store changes will not be published")
		return nil, nil
	}

	opts := []nats.Option{
		nats.Name("spate-change-publisher"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				klog.ErrorS(err, "Change publisher disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			klog.InfoS("Change publisher reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	}

	if config.TLSEnabled {
		tlsConfig, err := buildPublisherTLSConfig(config)
		if err != nil {
			return nil, fmt.Errorf("failed to build NATS TLS config: %w", err)
		}
		opts = append(opts, nats.Secure(tlsConfig))
		klog.V(2).InfoS("NATS TLS enabled for change publisher")
	}

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	prefix := config.SubjectPrefix
	if prefix == "" {
		prefix = "spate.changes"
	}

	klog.InfoS("Connected to NATS JetStream for change publishing",
		"url", config.URL,
		"subjectPrefix", prefix,
	)

	return &ChangePublisher{
		js:            js,
		subjectPrefix: prefix,
	}, nil
}

// change is the wire form of one store mutation.
type change struct {
	Kind    string         `json:"kind"`
	Op      string         `json:"op"`
	ID      string         `json:"id"`
	Updated string         `json:"updated,omitempty"`
	Record  map[string]any `json:"record,omitempty"`
}

// Publish publishes one mutation. Subject format:
// {prefix}.{kind}.{op}, e.g. spate.changes.activity.created. The message id
// combines record id and updated stamp so JetStream deduplicates retried
// publishes while letting updates through.
func (p *ChangePublisher) Publish(ctx context.Context, kind, op, id string, record map[string]any) error {
	if p == nil || p.js == nil {
		return nil
	}

	updated, _ := record["updated"].(string)
	data, err := json.Marshal(change{Kind: kind, Op: op, ID: id, Updated: updated, Record: record})
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}

	subject := fmt.Sprintf("%s.%s.%s", p.subjectPrefix, kind, op)
	msgID := id
	if updated != "" {
		msgID = fmt.Sprintf("%s-%s", id, updated)
	}

	_, err = p.js.Publish(subject, data, nats.MsgId(msgID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish change to NATS: %w", err)
	}

	klog.V(4).InfoS("Published store change", "subject", subject, "id", id)
	return nil
}

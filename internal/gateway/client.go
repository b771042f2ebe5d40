// Copyright (c) 2025 Cellrun
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package gateway is the gRPC client for the cellrun gateway, which fronts the
// message broker and the log search backend. Requests and responses are
// google.protobuf.Struct values so no generated stubs are needed.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"cellrun/cli/internal/config"
	"cellrun/cli/internal/kernel/brokerkernel"
	"cellrun/cli/internal/kernel/logkernel"
	"cellrun/cli/internal/logging"
)

// Full method names served by the gateway.
const (
	PublishMethod = "/cellrun.gateway.Broker/Publish"
	QueryMethod   = "/cellrun.gateway.LogSearch/Query"
)

// DefaultCallTimeout bounds a single gateway call.
const DefaultCallTimeout = 60 * time.Second

// Error is a failed gateway call, rendered for cell stderr.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return logging.FormatGatewayError(e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Client implements brokerkernel.Publisher and logkernel.Searcher.
type Client struct {
	conn  *grpc.ClientConn
	token string
	log   *zap.Logger
}

// Dial connects to the configured gateway. TLS is used unless cfg.Insecure.
func Dial(cfg config.GatewayConfig, log *zap.Logger) (*Client, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("gateway address is empty")
	}
	host, target := addr, addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	} else if cfg.Insecure {
		target = net.JoinHostPort(addr, "80")
	} else {
		target = net.JoinHostPort(addr, "443")
	}

	creds := insecure.NewCredentials()
	if !cfg.Insecure {
		creds = credentials.NewTLS(&tls.Config{ServerName: host, MinVersion: tls.VersionTLS12})
	}
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	return NewWithConn(conn, cfg.Token, log), nil
}

// NewWithConn wraps an existing connection.
func NewWithConn(conn *grpc.ClientConn, token string, log *zap.Logger) *Client {
	return &Client{conn: conn, token: token, log: logging.OrNop(log)}
}

// Close releases the connection.
func (c *Client) Close() error {
	c.token = ""
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, op, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", op, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	}
	out := &structpb.Struct{}
	start := time.Now()
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		c.log.Debug("gateway call failed", zap.String("method", method), zap.Error(err))
		return nil, &Error{Op: op, Err: err}
	}
	c.log.Debug("gateway call", zap.String("method", method), zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

// Publish sends one message to the broker.
func (c *Client) Publish(ctx context.Context, msg brokerkernel.Message) (brokerkernel.Receipt, error) {
	out, err := c.invoke(ctx, "publish", PublishMethod, map[string]any{
		"topic":   msg.Topic,
		"key":     msg.Key,
		"payload": string(msg.Payload),
		"json":    msg.JSON,
	})
	if err != nil {
		return brokerkernel.Receipt{}, err
	}
	id := out.GetFields()["messageId"].GetStringValue()
	if id == "" {
		return brokerkernel.Receipt{}, fmt.Errorf("publish: gateway returned no message id")
	}
	return brokerkernel.Receipt{MessageID: id}, nil
}

// Search runs a log query.
func (c *Client) Search(ctx context.Context, q logkernel.Query) ([]logkernel.Event, error) {
	out, err := c.invoke(ctx, "log search", QueryMethod, map[string]any{
		"logGroup":  q.LogGroup,
		"filter":    q.Filter,
		"startTime": q.Start.UTC().Format(time.RFC3339Nano),
		"endTime":   q.End.UTC().Format(time.RFC3339Nano),
		"limit":     float64(q.Limit),
	})
	if err != nil {
		return nil, err
	}
	list := out.GetFields()["events"].GetListValue().GetValues()
	events := make([]logkernel.Event, 0, len(list))
	for i, v := range list {
		f := v.GetStructValue().GetFields()
		ts, err := time.Parse(time.RFC3339Nano, f["timestamp"].GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("log search: event %d: bad timestamp: %w", i, err)
		}
		events = append(events, logkernel.Event{
			Timestamp: ts,
			Stream:    f["stream"].GetStringValue(),
			Message:   f["message"].GetStringValue(),
		})
	}
	return events, nil
}

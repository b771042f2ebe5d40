// Copyright (c) 2025 Cellrun
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package brokerkernel runs broker cells: publish sends the cell body to a
// topic, listen reads from the broker's virtual tables through the SQL kernel.
package brokerkernel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"cellrun/cli/internal/errors"
	"cellrun/cli/internal/kernel/sqlkernel"
	"cellrun/cli/internal/logging"
	"cellrun/cli/internal/notebook"
	"cellrun/cli/internal/variables"
)

// Message is one message to publish.
type Message struct {
	Topic   string
	Key     string
	Payload []byte
	JSON    bool
}

// Receipt acknowledges a published message.
type Receipt struct {
	MessageID string
}

// Publisher sends messages to the broker.
type Publisher interface {
	Publish(ctx context.Context, msg Message) (Receipt, error)
}

// Listener runs SQL against a connection; the SQL kernel implements it.
type Listener interface {
	Query(ctx context.Context, connection string, cell notebook.Cell, vars *variables.Store, step sqlkernel.Step) notebook.RunResult
	Interrupt(ctx context.Context) error
}

// Kernel runs broker cells.
type Kernel struct {
	publisher Publisher
	listener  Listener
	log       *zap.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	listening bool
}

// New returns a broker kernel. Either dependency may be nil; cells needing a
// missing one fail with a configuration error.
func New(publisher Publisher, listener Listener, log *zap.Logger) *Kernel {
	return &Kernel{publisher: publisher, listener: listener, log: logging.OrNop(log)}
}

// Run dispatches on the cell's broker action.
func (k *Kernel) Run(ctx context.Context, cell notebook.Cell, vars *variables.Store) notebook.RunResult {
	cfg := cell.Metadata.Broker
	if cfg == nil {
		cfg = &notebook.BrokerConfig{Action: notebook.BrokerPublish}
	}
	switch cfg.Action {
	case notebook.BrokerListen:
		return k.listen(ctx, cfg, cell, vars)
	case notebook.BrokerPublish, "":
		return k.publish(ctx, cfg, cell)
	}
	return notebook.Failed(errors.New(errors.Configuration, fmt.Sprintf("unknown broker action %q", cfg.Action)))
}

func (k *Kernel) publish(ctx context.Context, cfg *notebook.BrokerConfig, cell notebook.Cell) notebook.RunResult {
	if strings.TrimSpace(cfg.Topic) == "" {
		return notebook.Failed(errors.New(errors.Configuration, "broker publish needs a topic").
			WithSteps("Set broker.topic on the cell"))
	}
	payload := []byte(strings.TrimSpace(cell.Source))
	if cfg.IsJSONMessage && !json.Valid(payload) {
		return notebook.Failed(errors.New(errors.Execution, "message is not valid JSON; fix the cell body or turn off isJsonMessage"))
	}
	if k.publisher == nil {
		return notebook.Failed(errors.New(errors.Configuration, "no broker gateway configured").
			WithSteps("Set gateway.addr in the cellrun config"))
	}

	runCtx, cancel := context.WithCancel(ctx)
	k.track(cancel, false)
	defer k.untrack(cancel)

	start := time.Now()
	receipt, err := k.publisher.Publish(runCtx, Message{Topic: cfg.Topic, Key: cfg.Key, Payload: payload, JSON: cfg.IsJSONMessage})
	elapsed := time.Since(start)
	if err != nil {
		return notebook.Failed(errors.Wrap(errors.Execution, fmt.Sprintf("publish to %s", cfg.Topic), err))
	}
	k.log.Debug("message published", zap.String("topic", cfg.Topic), zap.String("id", receipt.MessageID), zap.Duration("elapsed", elapsed))

	res := notebook.Executed(fmt.Sprintf("published message %s to %s in %s", receipt.MessageID, cfg.Topic, elapsed.Round(time.Millisecond)))
	res.Duration = elapsed
	res.Meta().MessageID = receipt.MessageID
	return res
}

func (k *Kernel) listen(ctx context.Context, cfg *notebook.BrokerConfig, cell notebook.Cell, vars *variables.Store) notebook.RunResult {
	if k.listener == nil {
		return notebook.Failed(errors.New(errors.Configuration, "broker listen is not available"))
	}
	k.track(nil, true)
	defer k.untrack(nil)
	return k.listener.Query(ctx, cfg.Connection, cell, vars, sqlkernel.Step{})
}

func (k *Kernel) track(cancel context.CancelFunc, listening bool) {
	k.mu.Lock()
	k.cancel, k.listening = cancel, listening
	k.mu.Unlock()
}

func (k *Kernel) untrack(cancel context.CancelFunc) {
	k.mu.Lock()
	k.cancel, k.listening = nil, false
	k.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Interrupt cancels a publish in flight or kills the listen query.
func (k *Kernel) Interrupt(ctx context.Context) error {
	k.mu.Lock()
	cancel, listening := k.cancel, k.listening
	k.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if listening && k.listener != nil {
		return k.listener.Interrupt(ctx)
	}
	return nil
}

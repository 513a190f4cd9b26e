package kafkaproducer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// TransactionalClient is a franz-go client configured for exactly-once
// semantics with a single transactional id.
type TransactionalClient interface {
	Client
	BeginTransaction() error
	EndTransaction(ctx context.Context, commit kgo.TransactionEndTry) error
	// CommitOffsetsToTransaction attaches group-consumed offsets to the
	// currently open transaction, so they are only visible once the
	// transaction itself commits.
	CommitOffsetsToTransaction(ctx context.Context, offsets map[string]map[int32]kgo.EpochOffset, group string) error
}

// TransactionFactory builds a new transactional client for id. It is called
// at most once per id until that producer is dropped (by Stop or by
// fencing).
type TransactionFactory func(transactionalID string) (TransactionalClient, error)

// entry is one slot in the registry: a transactional client plus the mutex
// serializing every operation performed against it.
type entry struct {
	mu     sync.Mutex
	client TransactionalClient
}

// Registry is the map<transactional_id, (producer, mutex)> described by the
// Transaction Producer Registry data model: at most one producer per id,
// all operations against that producer serialized by its mutex, and on the
// broker's kerr.ProducerFenced error the entry is dropped and the producer
// stopped.
type Registry struct {
	factory TransactionFactory
	log     *slog.Logger

	mu      sync.Mutex // protects creation of entries, not use of an existing entry
	entries map[string]*entry
}

// NewRegistry returns a Registry that creates transactional clients via
// factory. log may be nil.
func NewRegistry(factory TransactionFactory, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{factory: factory, log: log, entries: make(map[string]*entry)}
}

// BeginTransaction ensures a producer exists for id, creating and starting
// one if necessary, then begins a transaction on it under its mutex.
func (r *Registry) BeginTransaction(id string) error {
	e, err := r.getOrCreate(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.client.BeginTransaction(); err != nil {
		if r.handleFenced(id, err) {
			return nil
		}
		return fmt.Errorf("kafkaproducer: begin transaction %q: %w", id, err)
	}
	return nil
}

// CommitTransaction commits the transaction open on id's producer. An
// unknown id logs a warning and is a no-op, matching the "rejoin as a new
// instance" design: a prior Stop/fence already tore the old one down.
func (r *Registry) CommitTransaction(ctx context.Context, id string) error {
	e, ok := r.get(id)
	if !ok {
		r.log.Warn("commit transaction on unknown transactional id", "transactional_id", id)
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		if r.handleFenced(id, err) {
			return nil
		}
		return fmt.Errorf("kafkaproducer: commit transaction %q: %w", id, err)
	}
	return nil
}

// AbortTransaction aborts the transaction open on id's producer, under the
// same no-op-on-unknown-id rule as CommitTransaction.
func (r *Registry) AbortTransaction(ctx context.Context, id string) error {
	e, ok := r.get(id)
	if !ok {
		r.log.Warn("abort transaction on unknown transactional id", "transactional_id", id)
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.client.EndTransaction(ctx, kgo.TryAbort); err != nil {
		if r.handleFenced(id, err) {
			return nil
		}
		return fmt.Errorf("kafkaproducer: abort transaction %q: %w", id, err)
	}
	return nil
}

// CommitOffsetsRequest is one id's worth of work for CommitTransactions:
// the offsets to attach to its open transaction before committing.
type CommitOffsetsRequest struct {
	TransactionalID string
	GroupID         string
	Offsets         map[string]map[int32]kgo.EpochOffset
}

// CommitTransactions runs, for each request, send-offsets-to-transaction
// then commit-transaction, serialized under that id's mutex; if startNew,
// a fresh transaction is begun immediately afterward under the same lock
// so no other caller can interleave between commit and rebegin.
func (r *Registry) CommitTransactions(ctx context.Context, requests []CommitOffsetsRequest, startNew bool) error {
	for _, req := range requests {
		if err := r.commitOneWithOffsets(ctx, req, startNew); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) commitOneWithOffsets(ctx context.Context, req CommitOffsetsRequest, startNew bool) error {
	e, ok := r.get(req.TransactionalID)
	if !ok {
		r.log.Warn("commit transaction with offsets on unknown transactional id", "transactional_id", req.TransactionalID)
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.client.CommitOffsetsToTransaction(ctx, req.Offsets, req.GroupID); err != nil {
		if r.handleFenced(req.TransactionalID, err) {
			return nil
		}
		return fmt.Errorf("kafkaproducer: send offsets to transaction %q: %w", req.TransactionalID, err)
	}

	if err := e.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		if r.handleFenced(req.TransactionalID, err) {
			return nil
		}
		return fmt.Errorf("kafkaproducer: commit transaction %q: %w", req.TransactionalID, err)
	}

	if startNew {
		if err := e.client.BeginTransaction(); err != nil {
			if r.handleFenced(req.TransactionalID, err) {
				return nil
			}
			return fmt.Errorf("kafkaproducer: begin next transaction %q: %w", req.TransactionalID, err)
		}
	}
	return nil
}

// StopTransaction drops and stops the producer for id, if one exists.
// Subsequent calls with the same id rejoin as a brand new instance; Kafka
// fences the old one if it is somehow still alive.
func (r *Registry) StopTransaction(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if ok {
		e.client.Close()
	}
}

func (r *Registry) get(id string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *Registry) getOrCreate(id string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok {
		return e, nil
	}

	client, err := r.factory(id)
	if err != nil {
		return nil, fmt.Errorf("kafkaproducer: create transactional producer %q: %w", id, err)
	}
	e := &entry{client: client}
	r.entries[id] = e
	return e, nil
}

// handleFenced checks whether err reports that id's producer was fenced by
// a newer instance (the broker's PRODUCER_FENCED error code). If so it
// drops the registry entry, stops the producer, logs at INFO, and reports
// true so the caller treats the operation as a silent no-op rather than
// surfacing the error.
func (r *Registry) handleFenced(id string, err error) bool {
	if !errors.Is(err, kerr.ProducerFenced) {
		return false
	}

	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if ok {
		e.client.Close()
	}
	r.log.Info("transactional producer fenced, dropped", "transactional_id", id)
	return true
}

package twophase

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmerrifield20/govledger/internal/halt"
	"github.com/jmerrifield20/govledger/internal/ledger"
	"go.uber.org/zap"
)

// Operation describes a state-changing unit of work run under Emitter.Run.
type Operation struct {
	Type    string
	Actor   string
	Target  string
	Payload any
}

// Emitter writes intent and outcome envelopes.
type Emitter struct {
	ledger *ledger.Ledger
	halt   halt.Checker
	logger *zap.Logger
}

// NewEmitter creates an Emitter. checker may be nil.
func NewEmitter(l *ledger.Ledger, checker halt.Checker, logger *zap.Logger) *Emitter {
	return &Emitter{ledger: l, halt: checker, logger: logger}
}

// EmitIntent records that an operation is about to start and returns the
// correlation id its outcome must reference.
func (e *Emitter) EmitIntent(ctx context.Context, operationType, actor, target string, payload any) (uuid.UUID, error) {
	if err := halt.Check(e.halt); err != nil {
		return uuid.Nil, err
	}
	raw, err := marshalOptional(payload)
	if err != nil {
		return uuid.Nil, err
	}
	corr := uuid.New()
	_, err = e.ledger.Append(ctx, ledger.Record{
		EventType:     EventIntentEmitted,
		Actor:         actor,
		CorrelationID: corr,
		Payload: IntentPayload{
			OperationType: operationType,
			Target:        target,
			Payload:       raw,
		},
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("emit intent: %w", err)
	}
	return corr, nil
}

// EmitCommit records the successful outcome of an intent.
func (e *Emitter) EmitCommit(ctx context.Context, correlationID uuid.UUID, result any) (*ledger.Envelope, error) {
	if err := halt.Check(e.halt); err != nil {
		return nil, err
	}
	raw, err := marshalOptional(result)
	if err != nil {
		return nil, err
	}
	return e.resolve(ctx, correlationID, EventCommitConfirmed, "", func(intentSeq int64) any {
		return CommitPayload{IntentSequence: intentSeq, Result: raw}
	})
}

// EmitFailure records the failed outcome of an intent.
func (e *Emitter) EmitFailure(ctx context.Context, correlationID uuid.UUID, reason string, details any) (*ledger.Envelope, error) {
	return e.emitFailure(ctx, correlationID, FailurePayload{Reason: reason}, details, "")
}

func (e *Emitter) emitFailure(ctx context.Context, correlationID uuid.UUID, p FailurePayload, details any, actor string) (*ledger.Envelope, error) {
	if err := halt.Check(e.halt); err != nil {
		return nil, err
	}
	raw, err := marshalOptional(details)
	if err != nil {
		return nil, err
	}
	p.Details = raw
	return e.resolve(ctx, correlationID, EventFailureRecorded, actor, func(intentSeq int64) any {
		p.IntentSequence = intentSeq
		return p
	})
}

// resolve appends an outcome for correlationID. The guard re-reads the
// correlation on every attempt, so of two racing resolvers exactly one
// succeeds and the other gets ErrAlreadyResolved.
func (e *Emitter) resolve(ctx context.Context, correlationID uuid.UUID, eventType, actor string, build func(intentSeq int64) any) (*ledger.Envelope, error) {
	var intent *ledger.Envelope
	guard := func(ctx context.Context, _ int64) error {
		var err error
		intent, err = e.pending(ctx, correlationID)
		return err
	}
	if err := guard(ctx, 0); err != nil {
		return nil, err
	}
	if actor == "" {
		actor = intent.Actor
	}

	env, err := e.ledger.AppendIf(ctx, ledger.Record{
		EventType:     eventType,
		Actor:         actor,
		CorrelationID: correlationID,
		Payload:       build(intent.SequenceNumber),
	}, guard)
	if err != nil {
		return nil, err
	}
	return env, nil
}

// pending returns the intent for correlationID if it has no outcome yet.
func (e *Emitter) pending(ctx context.Context, correlationID uuid.UUID) (*ledger.Envelope, error) {
	related, err := e.ledger.ByCorrelation(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	var intent *ledger.Envelope
	for _, env := range related {
		switch {
		case env.EventType == EventIntentEmitted:
			intent = env
		case IsOutcome(env.EventType):
			return nil, fmt.Errorf("%w: %s at seq %d", ErrAlreadyResolved, correlationID, env.SequenceNumber)
		}
	}
	if intent == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIntent, correlationID)
	}
	return intent, nil
}

// Run emits an intent for op, runs fn, and then emits a commit with fn's
// result or a failure with its error. A panic in fn is recorded as a
// failure and re-raised. Outcomes are written even if ctx is cancelled
// while fn runs.
func (e *Emitter) Run(ctx context.Context, op Operation, fn func(ctx context.Context) (any, error)) (err error) {
	corr, err := e.EmitIntent(ctx, op.Type, op.Actor, op.Target, op.Payload)
	if err != nil {
		return err
	}
	resolveCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			e.recordFailure(resolveCtx, corr, ReasonPanic, map[string]string{"panic": fmt.Sprint(r)})
			panic(r)
		}
	}()

	result, err := fn(ctx)
	if err != nil {
		e.recordFailure(resolveCtx, corr, ReasonOperationFailed, map[string]string{"error": err.Error()})
		return err
	}
	if _, cerr := e.EmitCommit(resolveCtx, corr, result); cerr != nil {
		e.logger.Error("twophase: commit not recorded; orphan scan will resolve",
			zap.String("correlation_id", corr.String()),
			zap.Error(cerr),
		)
		return fmt.Errorf("emit commit: %w", cerr)
	}
	return nil
}

func (e *Emitter) recordFailure(ctx context.Context, corr uuid.UUID, reason string, details any) {
	if _, err := e.EmitFailure(ctx, corr, reason, details); err != nil {
		e.logger.Error("twophase: failure not recorded; orphan scan will resolve",
			zap.String("correlation_id", corr.String()),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}

func marshalOptional(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}

package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// FlowState enumerates the card-collection lifecycle.
type FlowState string

const (
	// FlowIdle means no collection is in progress.
	FlowIdle FlowState = "idle"
	// FlowIntentRequested means a setup intent request is in flight.
	FlowIntentRequested FlowState = "intent_requested"
	// FlowIntentReady means the client secret is available for card entry.
	FlowIntentReady FlowState = "intent_ready"
	// FlowAuthenticating means a strong-authentication challenge is pending.
	FlowAuthenticating FlowState = "authenticating"
	// FlowTokenReady means a reusable method token was obtained.
	FlowTokenReady FlowState = "token_ready"
	// FlowFailed means collection ended with a decline or processor failure.
	FlowFailed FlowState = "failed"
	// FlowCanceled means the customer abandoned collection.
	FlowCanceled FlowState = "canceled"
)

var (
	// ErrFlowSuperseded signals the in-flight request was replaced by a newer one.
	ErrFlowSuperseded = errors.New("payments: setup flow superseded")
	// ErrFlowState signals an operation invalid for the current flow state.
	ErrFlowState = errors.New("payments: invalid setup flow state")
)

// BeginSetupRequest starts card collection for a contact.
type BeginSetupRequest struct {
	Email       string
	Name        string
	CustomerRef string
}

// SetupFlowDeps wires the SetupFlow dependencies.
type SetupFlowDeps struct {
	Processor Processor
	Clock     func() time.Time
	Logger    EventLogger
	Debounce  time.Duration
}

const defaultSetupDebounce = 500 * time.Millisecond

// SetupFlow drives the card-collection state machine for one checkout
// session; SetupFlowStore hands each caller their own. Begin calls arriving
// within the debounce window for the same email coalesce onto the in-flight
// intent; a changed email supersedes it.
type SetupFlow struct {
	processor Processor
	clock     func() time.Time
	logger    EventLogger
	debounce  time.Duration

	mu        sync.Mutex
	state     FlowState
	seq       uint64
	email     string
	lastBegin time.Time
	intent    SetupIntent
	result    SetupResult
	failure   *CardError
}

// NewSetupFlow constructs an idle SetupFlow.
func NewSetupFlow(deps SetupFlowDeps) (*SetupFlow, error) {
	if deps.Processor == nil {
		return nil, errors.New("payments: processor is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	debounce := deps.Debounce
	if debounce <= 0 {
		debounce = defaultSetupDebounce
	}
	return &SetupFlow{
		processor: deps.Processor,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger:   logger,
		debounce: debounce,
		state:    FlowIdle,
	}, nil
}

// State reports the current flow state.
func (f *SetupFlow) State() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Token returns the collected method token once the flow reached token_ready.
func (f *SetupFlow) Token() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != FlowTokenReady {
		return "", false
	}
	return f.result.Token, true
}

func (f *SetupFlow) terminal() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case FlowTokenReady, FlowFailed, FlowCanceled:
		return true
	}
	return false
}

// rehydrateSetupFlow rebuilds a flow from its durable setup-intent id after
// a restart. The next Resume re-reads the intent from the processor, so the
// rebuilt flow lands in whatever state the intent actually reached.
func rehydrateSetupFlow(deps SetupFlowDeps, setupIntentID string) (*SetupFlow, error) {
	flow, err := NewSetupFlow(deps)
	if err != nil {
		return nil, err
	}
	flow.state = FlowAuthenticating
	flow.intent = SetupIntent{ID: setupIntentID}
	flow.seq = 1
	return flow, nil
}

// Failure returns the decline that ended the flow, if any.
func (f *SetupFlow) Failure() (*CardError, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != FlowFailed || f.failure == nil {
		return nil, false
	}
	return f.failure, true
}

// Begin requests a setup intent for the contact. A repeat call within the
// debounce window for the same email returns the existing intent instead of
// opening another one; a call with a different email replaces the flow.
func (f *SetupFlow) Begin(ctx context.Context, req BeginSetupRequest) (SetupIntent, error) {
	email := normalizeEmail(req.Email)
	if email == "" {
		return SetupIntent{}, fmt.Errorf("payments: email is required: %w", ErrFlowState)
	}

	f.mu.Lock()
	now := f.clock()
	if email == f.email && now.Sub(f.lastBegin) < f.debounce {
		switch f.state {
		case FlowIntentRequested, FlowIntentReady:
			intent := f.intent
			f.mu.Unlock()
			return intent, nil
		}
	}

	f.seq++
	seq := f.seq
	f.state = FlowIntentRequested
	f.email = email
	f.lastBegin = now
	f.intent = SetupIntent{}
	f.result = SetupResult{}
	f.failure = nil
	f.mu.Unlock()

	intent, err := f.processor.CreateSetupIntent(ctx, SetupIntentRequest{
		Email:          email,
		Name:           strings.TrimSpace(req.Name),
		CustomerRef:    strings.TrimSpace(req.CustomerRef),
		IdempotencyKey: newFlowKey("seti"),
	})

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seq != seq {
		return SetupIntent{}, ErrFlowSuperseded
	}
	if err != nil {
		f.state = FlowFailed
		f.failure = ClassifyStripeError(err)
		f.logger(ctx, "payments.setup_flow.intent_failed", map[string]any{
			"email": email,
			"code":  f.failure.Code,
		})
		return SetupIntent{}, err
	}

	f.state = FlowIntentReady
	f.intent = intent
	f.logger(ctx, "payments.setup_flow.intent_ready", map[string]any{
		"setupIntent": intent.ID,
	})
	return intent, nil
}

// Confirm submits the collected method token against the open setup intent.
func (f *SetupFlow) Confirm(ctx context.Context, methodToken string) (SetupResult, error) {
	f.mu.Lock()
	if f.state != FlowIntentReady {
		state := f.state
		f.mu.Unlock()
		return SetupResult{}, fmt.Errorf("payments: confirm from %s: %w", state, ErrFlowState)
	}
	seq := f.seq
	intentID := f.intent.ID
	f.mu.Unlock()

	result, err := f.processor.ConfirmSetup(ctx, ConfirmSetupRequest{
		SetupIntentID:  intentID,
		MethodToken:    strings.TrimSpace(methodToken),
		IdempotencyKey: newFlowKey("seti_confirm"),
	})

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seq != seq {
		return SetupResult{}, ErrFlowSuperseded
	}
	if err != nil {
		f.state = FlowFailed
		f.failure = ClassifyStripeError(err)
		return SetupResult{}, err
	}
	f.applyResultLocked(ctx, result)
	return result, nil
}

// Resume re-reads the setup intent after an authentication challenge. Called
// when the customer returns from the challenge, or abandons it.
func (f *SetupFlow) Resume(ctx context.Context) (SetupResult, error) {
	f.mu.Lock()
	if f.state != FlowAuthenticating {
		state := f.state
		f.mu.Unlock()
		return SetupResult{}, fmt.Errorf("payments: resume from %s: %w", state, ErrFlowState)
	}
	seq := f.seq
	intentID := f.intent.ID
	f.mu.Unlock()

	result, err := f.processor.ResumeSetup(ctx, intentID)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seq != seq {
		return SetupResult{}, ErrFlowSuperseded
	}
	if err != nil {
		f.state = FlowFailed
		f.failure = ClassifyStripeError(err)
		return SetupResult{}, err
	}
	if result.Status == StatusFailed {
		f.state = FlowFailed
		f.failure = &CardError{
			Code:    CardAuthenticationCanceled,
			Message: "authentication challenge was not completed",
		}
		return result, nil
	}
	f.applyResultLocked(ctx, result)
	return result, nil
}

// Cancel abandons collection. Any booking already created stays intact with
// its payment pending.
func (f *SetupFlow) Cancel(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == FlowTokenReady || f.state == FlowIdle {
		return
	}
	f.seq++
	f.state = FlowCanceled
	f.failure = nil
	f.logger(ctx, "payments.setup_flow.canceled", map[string]any{
		"email": f.email,
	})
}

func (f *SetupFlow) applyResultLocked(ctx context.Context, result SetupResult) {
	switch {
	case result.RequiresAction:
		f.state = FlowAuthenticating
		f.logger(ctx, "payments.setup_flow.authenticating", map[string]any{
			"setupIntent": result.SetupIntentID,
		})
	case result.Status == StatusSucceeded && result.Token != "":
		f.state = FlowTokenReady
		f.result = result
		f.logger(ctx, "payments.setup_flow.token_ready", map[string]any{
			"setupIntent": result.SetupIntentID,
		})
	case result.Status == StatusFailed:
		f.state = FlowFailed
		f.failure = &CardError{Code: CardDeclined, Message: "setup intent failed"}
	default:
		// still pending; keep waiting in the ready state
		f.state = FlowIntentReady
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func newFlowKey(prefix string) string {
	return prefix + "_" + ulid.Make().String()
}

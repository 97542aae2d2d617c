package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrFlowNotFound signals that no flow is tracked for the setup intent id.
var ErrFlowNotFound = errors.New("payments: setup flow not found")

const maxTrackedFlows = 1024

// SetupFlowStore scopes card collection per caller. Begin keys flows by
// normalised email so concurrent customers never touch each other's intent;
// once an intent is open the flow is addressed by the durable setup-intent
// id. Resume with an id the store has never seen rebuilds the flow from the
// processor, so an authentication challenge survives a process restart.
type SetupFlowStore struct {
	deps SetupFlowDeps

	mu       sync.Mutex
	byEmail  map[string]*SetupFlow
	byIntent map[string]*SetupFlow
}

// NewSetupFlowStore constructs an empty flow store.
func NewSetupFlowStore(deps SetupFlowDeps) (*SetupFlowStore, error) {
	if deps.Processor == nil {
		return nil, errors.New("payments: processor is required")
	}
	return &SetupFlowStore{
		deps:     deps,
		byEmail:  make(map[string]*SetupFlow),
		byIntent: make(map[string]*SetupFlow),
	}, nil
}

// Begin opens a setup intent for the contact, reusing the in-flight flow for
// the same email so rapid re-entry debounces instead of opening duplicates.
func (s *SetupFlowStore) Begin(ctx context.Context, req BeginSetupRequest) (SetupIntent, error) {
	email := normalizeEmail(req.Email)
	if email == "" {
		return SetupIntent{}, fmt.Errorf("payments: email is required: %w", ErrFlowState)
	}

	s.mu.Lock()
	flow := s.byEmail[email]
	if flow == nil || flow.terminal() {
		fresh, err := NewSetupFlow(s.deps)
		if err != nil {
			s.mu.Unlock()
			return SetupIntent{}, err
		}
		flow = fresh
		s.byEmail[email] = flow
	}
	s.mu.Unlock()

	intent, err := flow.Begin(ctx, req)
	if err != nil {
		return SetupIntent{}, err
	}

	s.mu.Lock()
	s.byIntent[intent.ID] = flow
	if len(s.byIntent) >= maxTrackedFlows {
		s.pruneTerminalLocked()
	}
	s.mu.Unlock()
	return intent, nil
}

// Confirm submits the collected method token against the named setup intent.
func (s *SetupFlowStore) Confirm(ctx context.Context, setupIntentID string, methodToken string) (SetupResult, error) {
	flow, err := s.flowFor(setupIntentID)
	if err != nil {
		return SetupResult{}, err
	}
	return flow.Confirm(ctx, methodToken)
}

// Resume re-reads the named setup intent after an authentication challenge.
// An id the store does not track is rehydrated from the processor.
func (s *SetupFlowStore) Resume(ctx context.Context, setupIntentID string) (SetupResult, error) {
	id := strings.TrimSpace(setupIntentID)
	if id == "" {
		return SetupResult{}, fmt.Errorf("payments: setup intent id is required: %w", ErrFlowState)
	}

	s.mu.Lock()
	flow := s.byIntent[id]
	if flow == nil {
		fresh, err := rehydrateSetupFlow(s.deps, id)
		if err != nil {
			s.mu.Unlock()
			return SetupResult{}, err
		}
		flow = fresh
		s.byIntent[id] = flow
	}
	s.mu.Unlock()

	return flow.Resume(ctx)
}

// Cancel abandons collection on the named setup intent. Unknown ids are
// treated as already abandoned.
func (s *SetupFlowStore) Cancel(ctx context.Context, setupIntentID string) FlowState {
	flow, err := s.flowFor(setupIntentID)
	if err != nil {
		return FlowCanceled
	}
	flow.Cancel(ctx)
	return flow.State()
}

// State reports the flow state and terminal failure for a setup intent.
func (s *SetupFlowStore) State(setupIntentID string) (FlowState, *CardError, error) {
	flow, err := s.flowFor(setupIntentID)
	if err != nil {
		return FlowIdle, nil, err
	}
	failure, _ := flow.Failure()
	return flow.State(), failure, nil
}

func (s *SetupFlowStore) flowFor(setupIntentID string) (*SetupFlow, error) {
	id := strings.TrimSpace(setupIntentID)
	if id == "" {
		return nil, fmt.Errorf("payments: setup intent id is required: %w", ErrFlowState)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	flow := s.byIntent[id]
	if flow == nil {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, id)
	}
	return flow, nil
}

func (s *SetupFlowStore) pruneTerminalLocked() {
	for email, flow := range s.byEmail {
		if flow.terminal() {
			delete(s.byEmail, email)
		}
	}
	for id, flow := range s.byIntent {
		if flow.terminal() {
			delete(s.byIntent, id)
		}
	}
}

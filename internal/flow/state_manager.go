// Package flow routes inbound WhatsApp events to conversational flows.
//
// Every user has one conversation state slot shared by all flows. Handlers claim it with
// a compare-and-swap on its version, so two deliveries racing for the same user cannot
// both advance the same step.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/StampPipe/internal/models"
	"github.com/BTreeMap/StampPipe/internal/store"
)

// ErrStateConflict is returned when the state changed since it was read.
var ErrStateConflict = errors.New("conversation state changed concurrently")

// StateManager reads and writes the per-user conversation state.
type StateManager interface {
	// Get returns the state, or an idle state with Version 0 when none is stored.
	Get(ctx context.Context, userID string) (models.ConversationState, error)
	// Save moves current to (flow, step, aux) if it is still the stored version.
	Save(ctx context.Context, current models.ConversationState, flow models.FlowName, step int, aux any) (models.ConversationState, error)
	// Clear moves current back to idle under the same version check.
	Clear(ctx context.Context, current models.ConversationState) (models.ConversationState, error)
	// Reset forgets the state unconditionally.
	Reset(ctx context.Context, userID string) error
}

// StoreBasedStateManager implements StateManager over the conversation_states collection.
type StoreBasedStateManager struct {
	store store.RecordStore
	now   func() time.Time
}

// NewStoreBasedStateManager creates a new StateManager backed by a RecordStore.
func NewStoreBasedStateManager(rs store.RecordStore) *StoreBasedStateManager {
	slog.Debug("Creating StoreBasedStateManager")
	return &StoreBasedStateManager{store: rs, now: time.Now}
}

// stateRow is the stored form; aux is kept as text so every backend can hold it.
type stateRow struct {
	UserID     string    `json:"user_id"`
	ActiveFlow string    `json:"active_flow"`
	Step       int       `json:"step"`
	Aux        string    `json:"aux"`
	Version    int64     `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (sm *StoreBasedStateManager) Get(ctx context.Context, userID string) (models.ConversationState, error) {
	row, err := sm.store.GetOne(ctx, store.CollectionStates, store.Where(store.Eq("user_id", userID)))
	if err != nil {
		slog.Error("StateManager.Get error", "error", err, "user", userID)
		return models.ConversationState{}, fmt.Errorf("get state failed: %w", err)
	}
	if row == nil {
		slog.Debug("StateManager.Get not found", "user", userID)
		return models.ConversationState{UserID: userID}, nil
	}
	var r stateRow
	if err := store.Decode(row, &r); err != nil {
		return models.ConversationState{}, err
	}
	st := models.ConversationState{
		UserID:     userID,
		ActiveFlow: models.FlowName(r.ActiveFlow),
		Step:       r.Step,
		Version:    r.Version,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.Aux != "" {
		st.Aux = json.RawMessage(r.Aux)
	}
	slog.Debug("StateManager.Get found", "user", userID, "flow", st.ActiveFlow, "step", st.Step, "version", st.Version)
	return st, nil
}

func (sm *StoreBasedStateManager) Save(ctx context.Context, current models.ConversationState, flow models.FlowName, step int, aux any) (models.ConversationState, error) {
	raw, err := encodeAux(aux)
	if err != nil {
		return current, err
	}
	next := models.ConversationState{
		UserID:     current.UserID,
		ActiveFlow: flow,
		Step:       step,
		Aux:        raw,
		Version:    current.Version + 1,
		UpdatedAt:  sm.now(),
	}
	row := store.Row{
		"active_flow": string(flow),
		"step":        step,
		"aux":         string(raw),
		"version":     next.Version,
		"updated_at":  next.UpdatedAt,
	}

	if current.Version == 0 {
		row["user_id"] = current.UserID
		inserted, err := sm.store.InsertIfAbsent(ctx, store.CollectionStates, row, "user_id")
		if err != nil {
			return current, fmt.Errorf("insert state failed: %w", err)
		}
		if !inserted {
			slog.Debug("StateManager.Save lost insert race", "user", current.UserID, "flow", flow)
			return current, ErrStateConflict
		}
	} else {
		n, err := sm.store.Update(ctx, store.CollectionStates, store.Filter{
			store.Eq("user_id", current.UserID),
			store.Eq("version", current.Version),
		}, row)
		if err != nil {
			return current, fmt.Errorf("update state failed: %w", err)
		}
		if n == 0 {
			slog.Debug("StateManager.Save version mismatch", "user", current.UserID, "version", current.Version, "flow", flow)
			return current, ErrStateConflict
		}
	}

	slog.Debug("StateManager.Save succeeded", "user", current.UserID, "flow", flow, "step", step, "version", next.Version)
	return next, nil
}

func (sm *StoreBasedStateManager) Clear(ctx context.Context, current models.ConversationState) (models.ConversationState, error) {
	if current.Version == 0 {
		// nothing stored, nothing to clear
		return current, nil
	}
	return sm.Save(ctx, current, models.FlowNone, 0, nil)
}

func (sm *StoreBasedStateManager) Reset(ctx context.Context, userID string) error {
	if _, err := sm.store.Delete(ctx, store.CollectionStates, store.Filter{store.Eq("user_id", userID)}); err != nil {
		return fmt.Errorf("reset state failed: %w", err)
	}
	slog.Debug("StateManager.Reset", "user", userID)
	return nil
}

func encodeAux(aux any) (json.RawMessage, error) {
	switch v := aux.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}
	b, err := json.Marshal(aux)
	if err != nil {
		return nil, fmt.Errorf("encode state aux failed: %w", err)
	}
	return b, nil
}

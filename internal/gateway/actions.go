// ABOUTME: Session and action operations: allocate sessions, list candidate actions, execute
// ABOUTME: Action failures are normal results; only missing sessions and bad requests error

package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/tracery-studio/tracery-gateway/internal/action"
	"github.com/tracery-studio/tracery-gateway/internal/session"
	"github.com/tracery-studio/tracery-gateway/internal/store"
)

// ExecuteRequest names a session and the action to run in it.
type ExecuteRequest struct {
	SessionID  string         `json:"session_id"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Session returns the session for id, creating one when id is empty or
// unknown. The second return reports whether a session was created.
func (g *Gateway) Session(id string) (string, bool) {
	sess, created := g.sessions.GetOrCreate(id)
	return sess.ID(), created
}

// AvailableActions lists the actions valid for the session's current context.
func (g *Gateway) AvailableActions(sessionID string) ([]action.CandidateAction, error) {
	sess, err := g.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return g.agent.AvailableActions(sess.Context()), nil
}

// ExecuteAction runs one action against the session's context, applies the
// context update, and appends the attempt to the session history. A failed
// action is a normal result, not an error; only unknown sessions and
// malformed requests error.
func (g *Gateway) ExecuteAction(req ExecuteRequest) (action.Result, error) {
	if req.Action == "" {
		return action.Result{}, withClass(ClassInvalidRequest, errors.New("action is required"))
	}

	sess, err := g.sessions.Get(req.SessionID)
	if err != nil {
		return action.Result{}, err
	}

	start := time.Now()
	res := g.agent.Execute(action.Request{Action: req.Action, Params: req.Parameters}, sess.Context())

	if res.Replace {
		sess.UpdateContext(res.UpdatedContext)
	} else if res.UpdatedContext != nil {
		sess.MergeContext(res.UpdatedContext)
	}

	sess.RecordAction(session.ActionRecord{
		Action:  req.Action,
		Params:  req.Parameters,
		Success: res.Success,
		Message: res.Message,
	})
	g.recordAction(sess.ID(), req.Action, start, res.Success)

	return res, nil
}

// recordAction writes an audit row for an action attempt.
func (g *Gateway) recordAction(sessionID, name string, start time.Time, ok bool) {
	inv := &store.Invocation{
		SessionID:  sessionID,
		Kind:       store.KindAction,
		Name:       name,
		OK:         ok,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if !ok {
		inv.ErrorClass = ClassActionFailed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.audit.RecordInvocation(ctx, inv); err != nil {
		g.logger.Error("recording invocation", "session_id", sessionID, "error", err)
	}
}

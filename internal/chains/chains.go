// Package chains validates and repairs the parent-link structure of a
// session's message history.
package chains

import (
	"context"
	"fmt"

	"lerian-timeline-engine/internal/logging"
	"lerian-timeline-engine/internal/storage"
	"lerian-timeline-engine/internal/types"
)

// Validator inspects and repairs session chains through the message store
type Validator struct {
	store  storage.MessageStore
	logger logging.Logger
}

// NewValidator creates a chain validator
func NewValidator(store storage.MessageStore) *Validator {
	return &Validator{
		store:  store,
		logger: logging.WithComponent("chains"),
	}
}

// Validate reports on a session's chain. Findings are reports, not errors:
// a broken chain still returns a nil error.
func (v *Validator) Validate(ctx context.Context, sessionID string) (*types.ChainReport, error) {
	messages, err := v.store.ListBySessionChrono(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	report := &types.ChainReport{
		SessionID:       sessionID,
		BrokenParentIDs: []string{},
		OrphanIDs:       []string{},
		TotalCount:      len(messages),
	}

	byID := make(map[string]*types.Message, len(messages))
	for i := range messages {
		byID[messages[i].ID] = &messages[i]
	}

	children := make(map[string][]string)
	var roots []string

	for i := range messages {
		msg := &messages[i]
		switch {
		case msg.ParentMessageID == "":
			roots = append(roots, msg.ID)
		case byID[msg.ParentMessageID] == nil:
			report.BrokenParentIDs = append(report.BrokenParentIDs, msg.ID)
		default:
			children[msg.ParentMessageID] = append(children[msg.ParentMessageID], msg.ID)
		}
	}

	report.RootCount = len(roots)

	// Reachability from the roots over intact parent links
	reached := make(map[string]bool, len(messages))
	queue := append([]string{}, roots...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reached[id] {
			continue
		}
		reached[id] = true
		queue = append(queue, children[id]...)
	}

	// An orphan is any message no root reaches, so a message with a broken
	// parent link appears under both findings.
	for i := range messages {
		id := messages[i].ID
		if !reached[id] {
			report.OrphanIDs = append(report.OrphanIDs, id)
		}
	}

	if len(roots) > 1 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("session has %d root messages", len(roots)))
	}
	if len(messages) > 0 && len(roots) == 0 {
		report.Warnings = append(report.Warnings, "session has no root message")
	}

	report.Valid = len(report.BrokenParentIDs) == 0 && len(report.OrphanIDs) == 0
	return report, nil
}

// Repair relinks each broken or orphaned message to the most recent prior
// message in the session by timestamp, then re-validates. Idempotent: a
// healthy chain passes through unchanged.
func (v *Validator) Repair(ctx context.Context, sessionID string) (*types.RepairReport, error) {
	before, err := v.Validate(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	damaged := make(map[string]bool)
	for _, id := range before.BrokenParentIDs {
		damaged[id] = true
	}
	for _, id := range before.OrphanIDs {
		damaged[id] = true
	}

	report := &types.RepairReport{
		SessionID:   sessionID,
		RepairedIDs: []string{},
	}

	if len(damaged) > 0 {
		messages, err := v.store.ListBySessionChrono(ctx, sessionID)
		if err != nil {
			return nil, err
		}

		for i := range messages {
			if !damaged[messages[i].ID] {
				continue
			}
			// The most recent prior message; first in the session
			// becomes a root.
			newParent := ""
			if i > 0 {
				newParent = messages[i-1].ID
			}
			if newParent == messages[i].ParentMessageID {
				continue
			}
			if err := v.store.SetParent(ctx, messages[i].ID, newParent); err != nil {
				return nil, err
			}
			report.RepairedIDs = append(report.RepairedIDs, messages[i].ID)
			v.logger.InfoContext(ctx, "repaired chain link",
				"session_id", sessionID, "message_id", messages[i].ID, "new_parent", newParent)
		}
	}

	after, err := v.Validate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	report.AfterValidation = *after
	return report, nil
}

// Traverse returns the session history in chain order, walking each root's
// subtree depth-first with siblings in chronological order. Unreachable
// messages are appended at the end in chronological order so the listing
// never drops content.
func (v *Validator) Traverse(ctx context.Context, sessionID string) ([]types.Message, error) {
	messages, err := v.store.ListBySessionChrono(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*types.Message, len(messages))
	children := make(map[string][]string)
	var roots []string
	for i := range messages {
		byID[messages[i].ID] = &messages[i]
	}
	for i := range messages {
		parent := messages[i].ParentMessageID
		if parent == "" || byID[parent] == nil {
			if parent == "" {
				roots = append(roots, messages[i].ID)
			}
			continue
		}
		children[parent] = append(children[parent], messages[i].ID)
	}

	ordered := make([]types.Message, 0, len(messages))
	visited := make(map[string]bool, len(messages))

	var walk func(id string)
	walk = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		ordered = append(ordered, *byID[id])
		for _, child := range children[id] {
			walk(child)
		}
	}
	for _, root := range roots {
		walk(root)
	}

	for i := range messages {
		if !visited[messages[i].ID] {
			ordered = append(ordered, messages[i])
		}
	}
	return ordered, nil
}

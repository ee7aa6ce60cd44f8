package graph

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/warren/pkg/types"
)

// fieldSep separates fields within an encoded key. None of the identifier
// fields accepted by the encoders below may contain it — Encode* functions
// return an error rather than silently producing an ambiguous key.
const fieldSep = ":"

func rejectSep(name, value string) error {
	if strings.Contains(value, fieldSep) {
		return fmt.Errorf("graph: %s %q must not contain %q", name, value, fieldSep)
	}
	return nil
}

// EncodeOpKey builds the operation key the executor uses to identify a
// pending or recorded resource operation: resource id + task + interval.
func EncodeOpKey(resource, task string, interval time.Duration) (string, error) {
	if err := rejectSep("resource", resource); err != nil {
		return "", err
	}
	if err := rejectSep("task", task); err != nil {
		return "", err
	}
	return strings.Join([]string{resource, task, strconv.FormatInt(interval.Milliseconds(), 10)}, fieldSep), nil
}

// ParseOpKey inverts EncodeOpKey. ParseOpKey(EncodeOpKey(r, t, i)) == (r, t, i).
func ParseOpKey(key string) (resource, task string, interval time.Duration, err error) {
	parts := strings.Split(key, fieldSep)
	if len(parts) != 3 {
		return "", "", 0, fmt.Errorf("graph: malformed operation key %q", key)
	}
	ms, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", "", 0, fmt.Errorf("graph: malformed operation key interval %q: %w", parts[2], err)
	}
	return parts[0], parts[1], time.Duration(ms) * time.Millisecond, nil
}

// TransitionKey is the decoded form of the transition magic string: the
// tuple every recorded resource op carries so a result event can be
// correlated back to the action and graph that scheduled it.
type TransitionKey struct {
	GraphID  string
	ActionID string
	TargetRC int
	OpStatus types.OpStatus
	OpRC     int
	DCUUID   string
}

// EncodeTransitionKey formats a TransitionKey as the stable magic string
// threaded through resource history entries and result events.
func EncodeTransitionKey(k TransitionKey) (string, error) {
	if err := rejectSep("graph id", k.GraphID); err != nil {
		return "", err
	}
	if err := rejectSep("action id", k.ActionID); err != nil {
		return "", err
	}
	if err := rejectSep("dc uuid", k.DCUUID); err != nil {
		return "", err
	}
	return strings.Join([]string{
		k.ActionID,
		k.GraphID,
		strconv.Itoa(k.TargetRC),
		string(k.OpStatus),
		strconv.Itoa(k.OpRC),
		k.DCUUID,
	}, fieldSep), nil
}

// ParseTransitionKey inverts EncodeTransitionKey.
func ParseTransitionKey(magic string) (TransitionKey, error) {
	parts := strings.Split(magic, fieldSep)
	if len(parts) != 6 {
		return TransitionKey{}, fmt.Errorf("graph: malformed transition key %q", magic)
	}
	targetRC, err := strconv.Atoi(parts[2])
	if err != nil {
		return TransitionKey{}, fmt.Errorf("graph: malformed transition key target rc %q: %w", parts[2], err)
	}
	opRC, err := strconv.Atoi(parts[4])
	if err != nil {
		return TransitionKey{}, fmt.Errorf("graph: malformed transition key op rc %q: %w", parts[4], err)
	}
	return TransitionKey{
		ActionID: parts[0],
		GraphID:  parts[1],
		TargetRC: targetRC,
		OpStatus: types.OpStatus(parts[3]),
		OpRC:     opRC,
		DCUUID:   parts[5],
	}, nil
}

// Matches reports whether an observed result matches this key's action:
// same graph, the target rc was achieved, and the op reports success.
func (k TransitionKey) Matches(currentGraphID string) bool {
	if k.GraphID != currentGraphID {
		return false
	}
	return k.OpStatus == types.OpStatusDone && k.OpRC == k.TargetRC
}

// Package jobs defines the job types the worker fleet knows how to run,
// their payload shapes, and the handlers behind them.
package jobs

import (
	"encoding/json"
	"fmt"
)

// Job type names. These are wire values carried inside stored jobs, so they
// never change once shipped.
const (
	TypeSendNotification = "send-notification"
	TypeWarmCache        = "warm-cache"
	TypePurgeJobRecords  = "purge-job-records"
	TypeReconcileStale   = "reconcile-stale-instances"
	TypeResizePhoto      = "resize-photo"
	TypeRollupUserStats  = "rollup-user-stats"
)

// SendNotificationPayload addresses a push or in-app notification.
type SendNotificationPayload struct {
	UserID string          `json:"userId"`
	Kind   string          `json:"kind"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// WarmCachePayload names the cache segments to refresh. Empty means all.
type WarmCachePayload struct {
	Segments []string `json:"segments,omitempty"`
}

// ResizePhotoPayload identifies a stored photo and the variants to produce.
type ResizePhotoPayload struct {
	PhotoID  string `json:"photoId"`
	Variants []int  `json:"variants,omitempty"`
}

// RollupUserStatsPayload scopes a stats rollup to one user, or all users
// when empty.
type RollupUserStatsPayload struct {
	UserID string `json:"userId,omitempty"`
}

// DecodePayload parses raw into the typed payload for jobType. Types without
// a payload return nil; unknown types return the raw bytes untouched so
// callers can still inspect them.
func DecodePayload(jobType string, raw json.RawMessage) (any, error) {
	switch jobType {
	case TypeSendNotification:
		var p SendNotificationPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", jobType, err)
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("decode %s payload: missing userId", jobType)
		}
		return &p, nil
	case TypeWarmCache:
		var p WarmCachePayload
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("decode %s payload: %w", jobType, err)
			}
		}
		return &p, nil
	case TypeResizePhoto:
		var p ResizePhotoPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", jobType, err)
		}
		if p.PhotoID == "" {
			return nil, fmt.Errorf("decode %s payload: missing photoId", jobType)
		}
		return &p, nil
	case TypeRollupUserStats:
		var p RollupUserStatsPayload
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("decode %s payload: %w", jobType, err)
			}
		}
		return &p, nil
	case TypePurgeJobRecords, TypeReconcileStale:
		return nil, nil
	default:
		return raw, nil
	}
}

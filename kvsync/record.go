// Copyright 2025 KitchenVoice Authors
// SPDX-License-Identifier: Apache-2.0

package kvsync

import (
	"time"

	"github.com/mageroyer/kitchenvoice-sync/docstore"
	"github.com/mageroyer/kitchenvoice-sync/localstore"
)

// Undefined marks a field value that must be stripped before transmission.
// The remote store rejects documents carrying such keys; JSON null (Go nil)
// is a legal value and is preserved.
var Undefined = undefinedValue{}

type undefinedValue struct{}

// Reserved document fields: every remote document echoes the local primary
// key and the server write timestamp. Both are stripped before merging into a
// local record.
const (
	fieldLocalID  = "localId"
	fieldSyncedAt = "syncedAt"
	fieldCreated  = "createdAt"
	fieldUpdated  = "updatedAt"
)

// SanitizeFields returns a deep copy of fields with every Undefined-valued
// key dropped, recursing into nested maps and slices. nil values survive.
func SanitizeFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if sv, keep := sanitizeValue(v); keep {
			out[k] = sv
		}
	}
	return out
}

func sanitizeValue(v any) (any, bool) {
	switch tv := v.(type) {
	case undefinedValue:
		return nil, false
	case map[string]any:
		return SanitizeFields(tv), true
	case []any:
		out := make([]any, 0, len(tv))
		for _, item := range tv {
			if sv, keep := sanitizeValue(item); keep {
				out = append(out, sv)
			}
		}
		return out, true
	default:
		return v, true
	}
}

// recordClock extracts the conflict-resolution timestamp from fields. The
// entity's declared clock field is tried first, falling back to the other
// one, so records missing updatedAt still order by creation time.
func recordClock(fields map[string]any, clock ClockField) (time.Time, bool) {
	primary, secondary := fieldUpdated, fieldCreated
	if clock == ClockCreatedAt {
		primary, secondary = fieldCreated, fieldUpdated
	}
	if ts, ok := parseClock(fields[primary]); ok {
		return ts, true
	}
	return parseClock(fields[secondary])
}

func parseClock(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// remoteNewer reports whether the remote clock strictly beats the local one.
// A remote record without a clock never wins; a local record without a clock
// loses to any clocked remote.
func remoteNewer(remoteFields, localFields map[string]any, clock ClockField) bool {
	remoteTS, remoteOK := recordClock(remoteFields, clock)
	if !remoteOK {
		return false
	}
	localTS, localOK := recordClock(localFields, clock)
	if !localOK {
		return true
	}
	return remoteTS.After(localTS)
}

// documentForRecord builds the remote document for a local record: sanitized
// fields, deterministic doc id, and the localId/syncedAt echo fields.
func documentForRecord(et *EntityType, rec localstore.Record, syncedAt time.Time) docstore.Document {
	return docstore.Document{
		DocID:    docstore.MakeDocID(et.Prefix, rec.ID),
		LocalID:  rec.ID,
		Fields:   SanitizeFields(rec.Fields),
		SyncedAt: syncedAt,
	}
}

// recordFields extracts local record fields from a remote document, stripping
// the reserved echo fields.
func recordFields(doc docstore.Document) map[string]any {
	fields := make(map[string]any, len(doc.Fields))
	for k, v := range doc.Fields {
		if k == fieldLocalID || k == fieldSyncedAt {
			continue
		}
		fields[k] = v
	}
	return fields
}

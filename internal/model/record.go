// Package model defines shared types used across the sync engine, the local
// store, and the remote client.
package model

import (
	"fmt"
	"time"
)

// Kind tags the variant carried by a [Record]. Values are stable strings
// because they are persisted in the local store.
type Kind string

const (
	KindGlucoseValue           Kind = "glucose_value"
	KindBolus                  Kind = "bolus"
	KindCarbs                  Kind = "carbs"
	KindTemporaryBasal         Kind = "temporary_basal"
	KindExtendedBolus          Kind = "extended_bolus"
	KindProfileSwitch          Kind = "profile_switch"
	KindEffectiveProfileSwitch Kind = "effective_profile_switch"
	KindTemporaryTarget        Kind = "temporary_target"
	KindTherapyEvent           Kind = "therapy_event"
	KindFood                   Kind = "food"
	KindBolusCalculatorResult  Kind = "bolus_calculator_result"
	KindRunningMode            Kind = "running_mode"

	// KindDeviceStatus is download-only: device status documents are merged
	// from the remote but never created locally.
	KindDeviceStatus Kind = "device_status"
)

// uploadKinds is ordered so that records sharing a creation timestamp are
// pushed dependencies first (a profile switch before a bolus calculated
// against it).
var uploadKinds = []Kind{
	KindProfileSwitch,
	KindEffectiveProfileSwitch,
	KindRunningMode,
	KindTemporaryTarget,
	KindGlucoseValue,
	KindTemporaryBasal,
	KindExtendedBolus,
	KindBolusCalculatorResult,
	KindBolus,
	KindCarbs,
	KindTherapyEvent,
	KindFood,
}

// UploadKinds returns every kind the upload pipeline scans for unconfirmed
// records, in dependency order.
func UploadKinds() []Kind {
	out := make([]Kind, len(uploadKinds))
	copy(out, uploadKinds)
	return out
}

// Rank returns the position of k in dependency order. Kinds that are never
// uploaded sort last.
func (k Kind) Rank() int {
	for i, u := range uploadKinds {
		if u == k {
			return i
		}
	}
	return len(uploadKinds)
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindDeviceStatus || k.Rank() < len(uploadKinds)
}

// Collection returns the remote collection records of this kind live in.
func (k Kind) Collection() Collection {
	switch k {
	case KindGlucoseValue:
		return CollectionEntries
	case KindFood:
		return CollectionFood
	case KindDeviceStatus:
		return CollectionDeviceStatus
	default:
		return CollectionTreatments
	}
}

// Collection names a logically distinct category of remote data.
type Collection string

const (
	CollectionEntries      Collection = "entries"
	CollectionTreatments   Collection = "treatments"
	CollectionDeviceStatus Collection = "devicestatus"
	CollectionFood         Collection = "food"

	// CollectionStatus is the heartbeat pseudo-collection. It has no records
	// of its own; it reports per-collection modification times.
	CollectionStatus Collection = "status"
)

// Collections returns every collection that owns a cursor.
func Collections() []Collection {
	return []Collection{
		CollectionStatus,
		CollectionEntries,
		CollectionTreatments,
		CollectionDeviceStatus,
		CollectionFood,
	}
}

// Record is a single medical event tracked by the local store.
type Record struct {
	// ID is the local store identifier. Zero until inserted.
	ID int64

	// OriginID is a UUID assigned when the record is first created. It is
	// sent to the remote as the document identifier, which makes repeated
	// pushes of the same record idempotent on the remote side.
	OriginID string

	// RemoteID is the identifier the remote assigned. Empty until the first
	// acknowledged push or until the record is merged from the remote.
	RemoteID string

	Kind Kind

	// Timestamp is when the event happened.
	Timestamp time.Time

	// CreatedAt is when the record was created locally. Upload order.
	CreatedAt time.Time

	ModifiedAt time.Time

	// RemoteModified is the server modification time in Unix milliseconds
	// for records that came from the remote.
	RemoteModified int64

	// Confirmed is true once the remote acknowledged the record. It only
	// goes back to false when a full resync reopens the record.
	Confirmed bool

	// Valid is false for records invalidated (soft-deleted) on either side.
	Valid bool

	Payload Payload
}

// String returns a short description for log lines.
func (r *Record) String() string {
	if r.RemoteID != "" {
		return fmt.Sprintf("%s %d (%s)", r.Kind, r.ID, r.RemoteID)
	}
	return fmt.Sprintf("%s %d", r.Kind, r.ID)
}

// Less orders records oldest first by creation time, then dependency rank,
// then local ID.
func Less(a, b *Record) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if ra, rb := a.Kind.Rank(), b.Kind.Rank(); ra != rb {
		return ra < rb
	}
	return a.ID < b.ID
}

// Cursor tracks download progress for one collection.
type Cursor struct {
	Collection Collection

	// Watermark is the highest server modification time (Unix ms) merged so
	// far. It never decreases except when a full sync resets it to zero.
	Watermark int64

	// Attempts counts ticks for collections that can only be fetched in full.
	Attempts int

	UpdatedAt time.Time
}

// Outcome is the remote's verdict on a pushed record.
type Outcome int

const (
	OutcomeConfirmed Outcome = iota
	OutcomeRejected
	OutcomeDuplicate
)

// String returns the label used in log lines.
func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeRejected:
		return "rejected"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// DeliveryOutcome correlates a remote acknowledgment with the record that
// was pushed.
type DeliveryOutcome struct {
	RecordID int64
	Kind     Kind
	Outcome  Outcome
	RemoteID string

	// Detail carries the remote's message for rejected records.
	Detail string
}

// ConnectionState is derived from the remote at every scheduling tick.
type ConnectionState struct {
	Reachable      bool
	Authenticated  bool
	WritePermitted bool
	ServerVersion  string
}

// CanUpload reports whether pushes may be attempted.
func (c ConnectionState) CanUpload() bool {
	return c.Reachable && c.Authenticated && c.WritePermitted
}

// Reason explains why uploads are not possible. Empty when CanUpload is true.
func (c ConnectionState) Reason() string {
	switch {
	case !c.Reachable:
		return "not connected"
	case !c.Authenticated:
		return "not authenticated"
	case !c.WritePermitted:
		return "no write permission"
	default:
		return ""
	}
}

// DecodeFailure describes a remote document that could not be converted.
type DecodeFailure struct {
	Identifier string
	Err        error
}

// Batch is the result of one remote fetch.
type Batch struct {
	Records  []*Record
	Failures []DecodeFailure

	// MaxModified is the highest server modification time over every
	// document in the response, including ones that failed to decode.
	MaxModified int64

	// Size is the number of documents the remote returned.
	Size int
}

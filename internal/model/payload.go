package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownKind is returned when a payload tag has no matching variant.
var ErrUnknownKind = errors.New("unknown record kind")

// Payload is the kind-specific body of a [Record]. JSON tags follow the
// remote's document field names so payloads round-trip unchanged.
type Payload interface {
	Kind() Kind
}

// GlucoseValue is a sensor glucose reading in mg/dl.
type GlucoseValue struct {
	Value     float64 `json:"sgv"`
	Direction string  `json:"direction,omitempty"`
	Noise     float64 `json:"noise,omitempty"`
	Device    string  `json:"device,omitempty"`
}

// Bolus is a delivered insulin bolus.
type Bolus struct {
	Insulin float64 `json:"insulin"`
	// Type is NORMAL, SMB or PRIMING.
	Type           string `json:"type,omitempty"`
	IsBasalInsulin bool   `json:"isBasalInsulin,omitempty"`
}

// Carbs is a carbohydrate entry. Duration is in minutes for extended carbs.
type Carbs struct {
	Carbs    float64 `json:"carbs"`
	Duration int     `json:"duration,omitempty"`
}

// TemporaryBasal is a temporary basal rate. Duration is in minutes.
type TemporaryBasal struct {
	Rate     float64 `json:"rate"`
	Absolute bool    `json:"isAbsolute"`
	Duration int     `json:"duration"`
	Type     string  `json:"type,omitempty"`
}

// ExtendedBolus is insulin delivered over Duration minutes.
type ExtendedBolus struct {
	Amount   float64 `json:"enteredinsulin"`
	Duration int     `json:"duration"`
}

// ProfileSwitch is a user-requested profile change.
type ProfileSwitch struct {
	Profile    string `json:"profile"`
	Percentage int    `json:"percentage"`
	TimeShift  int    `json:"timeshift"`
	Duration   int    `json:"duration"`
}

// EffectiveProfileSwitch records the profile the pump actually runs.
type EffectiveProfileSwitch struct {
	Profile             string `json:"profile"`
	OriginalProfileName string `json:"originalProfileName"`
	OriginalPercentage  int    `json:"originalPercentage"`
	OriginalDuration    int    `json:"originalDuration"`
}

// TemporaryTarget overrides the glucose target for Duration minutes.
type TemporaryTarget struct {
	TargetBottom float64 `json:"targetBottom"`
	TargetTop    float64 `json:"targetTop"`
	Reason       string  `json:"reason,omitempty"`
	Duration     int     `json:"duration"`
}

// TherapyEvent is a care-portal event such as a site or sensor change.
// EventType is carried verbatim because it is the event's identity.
type TherapyEvent struct {
	EventType string `json:"eventType"`
	Notes     string `json:"notes,omitempty"`
	Duration  int    `json:"duration,omitempty"`
}

// Food is an entry of the shared food database.
type Food struct {
	Name        string  `json:"name"`
	Category    string  `json:"category,omitempty"`
	Subcategory string  `json:"subcategory,omitempty"`
	Portion     float64 `json:"portion"`
	Unit        string  `json:"unit,omitempty"`
	Carbs       float64 `json:"carbs"`
	Fat         float64 `json:"fat,omitempty"`
	Protein     float64 `json:"protein,omitempty"`
	Energy      float64 `json:"energy,omitempty"`
	GI          int     `json:"gi,omitempty"`
}

// BolusCalculatorResult is the output of the bolus wizard.
type BolusCalculatorResult struct {
	TotalInsulin   float64 `json:"totalInsulin"`
	CarbsInsulin   float64 `json:"carbsInsulin"`
	GlucoseInsulin float64 `json:"glucoseInsulin"`
	IOBInsulin     float64 `json:"iobInsulin"`
	Notes          string  `json:"notes,omitempty"`
}

// RunningMode records a loop mode change (open, closed, suspended...).
type RunningMode struct {
	Mode     string `json:"mode"`
	Duration int    `json:"duration,omitempty"`
}

// DeviceStatus is a status report uploaded by a device. Sections are kept
// as raw JSON.
type DeviceStatus struct {
	Device   string          `json:"device,omitempty"`
	Pump     json.RawMessage `json:"pump,omitempty"`
	OpenAPS  json.RawMessage `json:"openaps,omitempty"`
	Uploader json.RawMessage `json:"uploader,omitempty"`
}

func (*GlucoseValue) Kind() Kind           { return KindGlucoseValue }
func (*Bolus) Kind() Kind                  { return KindBolus }
func (*Carbs) Kind() Kind                  { return KindCarbs }
func (*TemporaryBasal) Kind() Kind         { return KindTemporaryBasal }
func (*ExtendedBolus) Kind() Kind          { return KindExtendedBolus }
func (*ProfileSwitch) Kind() Kind          { return KindProfileSwitch }
func (*EffectiveProfileSwitch) Kind() Kind { return KindEffectiveProfileSwitch }
func (*TemporaryTarget) Kind() Kind        { return KindTemporaryTarget }
func (*TherapyEvent) Kind() Kind           { return KindTherapyEvent }
func (*Food) Kind() Kind                   { return KindFood }
func (*BolusCalculatorResult) Kind() Kind  { return KindBolusCalculatorResult }
func (*RunningMode) Kind() Kind            { return KindRunningMode }
func (*DeviceStatus) Kind() Kind           { return KindDeviceStatus }

// NewPayload returns an empty payload of the variant tagged by k.
func NewPayload(k Kind) (Payload, error) {
	switch k {
	case KindGlucoseValue:
		return &GlucoseValue{}, nil
	case KindBolus:
		return &Bolus{}, nil
	case KindCarbs:
		return &Carbs{}, nil
	case KindTemporaryBasal:
		return &TemporaryBasal{}, nil
	case KindExtendedBolus:
		return &ExtendedBolus{}, nil
	case KindProfileSwitch:
		return &ProfileSwitch{}, nil
	case KindEffectiveProfileSwitch:
		return &EffectiveProfileSwitch{}, nil
	case KindTemporaryTarget:
		return &TemporaryTarget{}, nil
	case KindTherapyEvent:
		return &TherapyEvent{}, nil
	case KindFood:
		return &Food{}, nil
	case KindBolusCalculatorResult:
		return &BolusCalculatorResult{}, nil
	case KindRunningMode:
		return &RunningMode{}, nil
	case KindDeviceStatus:
		return &DeviceStatus{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, string(k))
}

// DecodePayload unmarshals raw into the variant tagged by k.
func DecodePayload(k Kind, raw []byte) (Payload, error) {
	p, err := NewPayload(k)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", k, err)
	}
	return p, nil
}

// EncodePayload marshals p. A nil payload encodes as an empty object.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", p.Kind(), err)
	}
	return b, nil
}

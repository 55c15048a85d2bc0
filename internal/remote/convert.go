package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/slewanld/AndroidAPS-sub001/internal/model"
)

// Treatment event types.
const (
	eventCorrectionBolus        = "Correction Bolus"
	eventMealBolus              = "Meal Bolus"
	eventSMB                    = "SMB"
	eventCarbCorrection         = "Carb Correction"
	eventTempBasal              = "Temp Basal"
	eventComboBolus             = "Combo Bolus"
	eventProfileSwitch          = "Profile Switch"
	eventEffectiveProfileSwitch = "Effective Profile Switch"
	eventTemporaryTarget        = "Temporary Target"
	eventBolusWizard            = "Bolus Wizard"
	eventRunningMode            = "Running Mode"
)

// therapyEventTypes are care-portal events stored as [model.TherapyEvent].
var therapyEventTypes = map[string]bool{
	"Site Change":         true,
	"Sensor Change":       true,
	"Sensor Start":        true,
	"Insulin Change":      true,
	"Pump Battery Change": true,
	"BG Check":            true,
	"Note":                true,
	"Question":            true,
	"Exercise":            true,
	"Announcement":        true,
	"OpenAPS Offline":     true,
	"Pump Site Change":    true,
	"Cannula Change":      true,
}

// treatmentKinds maps an eventType onto the record kind that stores it.
var treatmentKinds = map[string]model.Kind{
	eventCorrectionBolus:        model.KindBolus,
	eventMealBolus:              model.KindBolus,
	eventSMB:                    model.KindBolus,
	eventCarbCorrection:         model.KindCarbs,
	eventTempBasal:              model.KindTemporaryBasal,
	eventComboBolus:             model.KindExtendedBolus,
	eventProfileSwitch:          model.KindProfileSwitch,
	eventEffectiveProfileSwitch: model.KindEffectiveProfileSwitch,
	eventTemporaryTarget:        model.KindTemporaryTarget,
	eventBolusWizard:            model.KindBolusCalculatorResult,
	eventRunningMode:            model.KindRunningMode,
}

var errUnsupportedDocument = errors.New("unsupported document")

// eventTypeFor returns the eventType written for a treatment record.
func eventTypeFor(p model.Payload) string {
	switch v := p.(type) {
	case *model.Bolus:
		if v.Type == "SMB" {
			return eventSMB
		}
		return eventCorrectionBolus
	case *model.Carbs:
		return eventCarbCorrection
	case *model.TemporaryBasal:
		return eventTempBasal
	case *model.ExtendedBolus:
		return eventComboBolus
	case *model.ProfileSwitch:
		return eventProfileSwitch
	case *model.EffectiveProfileSwitch:
		return eventEffectiveProfileSwitch
	case *model.TemporaryTarget:
		return eventTemporaryTarget
	case *model.TherapyEvent:
		return v.EventType
	case *model.BolusCalculatorResult:
		return eventBolusWizard
	case *model.RunningMode:
		return eventRunningMode
	}
	return ""
}

// encodeRecord converts rec into the document sent to its collection. The
// origin ID is the document identifier so the remote can recognise repeated
// pushes of the same record.
func encodeRecord(rec *model.Record, app string) (map[string]any, error) {
	raw, err := model.EncodePayload(rec.Payload)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("flattening %s payload: %w", rec.Kind, err)
	}

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = rec.CreatedAt
	}
	doc["identifier"] = rec.OriginID
	doc["date"] = ts.UnixMilli()
	doc["utcOffset"] = 0
	doc["app"] = app
	doc["isValid"] = rec.Valid

	switch rec.Kind.Collection() {
	case model.CollectionEntries:
		doc["type"] = "sgv"
		doc["dateString"] = ts.UTC().Format(time.RFC3339)
	case model.CollectionFood:
		doc["type"] = "food"
	case model.CollectionTreatments:
		et := eventTypeFor(rec.Payload)
		if et == "" {
			return nil, fmt.Errorf("%w: no event type for %s", errUnsupportedDocument, rec.Kind)
		}
		doc["eventType"] = et
		doc["created_at"] = ts.UTC().Format(time.RFC3339)
	}
	return doc, nil
}

// remoteDoc holds the fields common to every collection.
type remoteDoc struct {
	Identifier  string `json:"identifier"`
	MongoID     string `json:"_id"`
	Date        int64  `json:"date"`
	CreatedAt   string `json:"created_at"`
	SrvCreated  int64  `json:"srvCreated"`
	SrvModified int64  `json:"srvModified"`
	IsValid     *bool  `json:"isValid"`
	EventType   string `json:"eventType"`
	Type        string `json:"type"`
}

func (d *remoteDoc) id() string {
	if d.Identifier != "" {
		return d.Identifier
	}
	return d.MongoID
}

func (d *remoteDoc) modified() int64 {
	switch {
	case d.SrvModified > 0:
		return d.SrvModified
	case d.SrvCreated > 0:
		return d.SrvCreated
	default:
		return d.Date
	}
}

// kindOf determines the record kind of a document in collection.
func kindOf(collection model.Collection, d *remoteDoc) (model.Kind, error) {
	switch collection {
	case model.CollectionEntries:
		if d.Type != "" && d.Type != "sgv" {
			return "", fmt.Errorf("%w: entry type %q", errUnsupportedDocument, d.Type)
		}
		return model.KindGlucoseValue, nil
	case model.CollectionFood:
		if d.Type != "" && d.Type != "food" {
			return "", fmt.Errorf("%w: food type %q", errUnsupportedDocument, d.Type)
		}
		return model.KindFood, nil
	case model.CollectionDeviceStatus:
		return model.KindDeviceStatus, nil
	case model.CollectionTreatments:
		if k, ok := treatmentKinds[d.EventType]; ok {
			return k, nil
		}
		if therapyEventTypes[d.EventType] {
			return model.KindTherapyEvent, nil
		}
		return "", fmt.Errorf("%w: event type %q", errUnsupportedDocument, d.EventType)
	}
	return "", fmt.Errorf("%w: collection %q", errUnsupportedDocument, collection)
}

// decodeRecord converts one remote document into a [model.Record].
func decodeRecord(collection model.Collection, raw json.RawMessage) (*model.Record, *remoteDoc, error) {
	var d remoteDoc
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, nil, fmt.Errorf("parsing document: %w", err)
	}
	kind, err := kindOf(collection, &d)
	if err != nil {
		return nil, &d, err
	}
	if d.id() == "" {
		return nil, &d, fmt.Errorf("%w: missing identifier", errUnsupportedDocument)
	}
	payload, err := model.DecodePayload(kind, raw)
	if err != nil {
		return nil, &d, err
	}

	rec := &model.Record{
		OriginID:       d.id(),
		RemoteID:       d.id(),
		Kind:           kind,
		RemoteModified: d.modified(),
		Valid:          d.IsValid == nil || *d.IsValid,
		Confirmed:      true,
		Payload:        payload,
	}
	switch {
	case d.Date > 0:
		rec.Timestamp = time.UnixMilli(d.Date).UTC()
	case d.CreatedAt != "":
		if t, err := time.Parse(time.RFC3339, d.CreatedAt); err == nil {
			rec.Timestamp = t.UTC()
		}
	}
	if d.SrvCreated > 0 {
		rec.CreatedAt = time.UnixMilli(d.SrvCreated).UTC()
	} else {
		rec.CreatedAt = rec.Timestamp
	}
	return rec, &d, nil
}

// decodeBatch converts a page of documents. Documents that cannot be decoded
// are reported as failures but still count towards MaxModified, so a bad
// document cannot pin the watermark.
func decodeBatch(collection model.Collection, docs []json.RawMessage) *model.Batch {
	b := &model.Batch{Size: len(docs)}
	for _, raw := range docs {
		rec, d, err := decodeRecord(collection, raw)
		if d != nil && d.modified() > b.MaxModified {
			b.MaxModified = d.modified()
		}
		if err != nil {
			id := ""
			if d != nil {
				id = d.id()
			}
			b.Failures = append(b.Failures, model.DecodeFailure{Identifier: id, Err: err})
			continue
		}
		b.Records = append(b.Records, rec)
	}
	return b
}

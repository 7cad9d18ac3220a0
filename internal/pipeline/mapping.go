package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/alikalatearabi/opera-qc-elastic/internal/jalali"
	"github.com/alikalatearabi/opera-qc-elastic/internal/models"
	"github.com/alikalatearabi/opera-qc-elastic/internal/storage"
	"github.com/alikalatearabi/opera-qc-elastic/internal/types"
)

// ObjectKeys returns the object-store keys of the customer and agent
// channels of a recording.
func ObjectKeys(baseName string) (customer, agent string) {
	return baseName + "-in.wav", baseName + "-out.wav"
}

// SessionFromEvent is the single mapping from an ingestion event to the
// record created by the intake stage. The call date is read as a Jalali
// timestamp in loc. Analysis fields are left null.
func SessionFromEvent(ev types.IngestionEvent, loc *time.Location, bucket string) (*models.SessionRecord, error) {
	date, err := jalali.Parse(ev.Date, loc)
	if err != nil {
		return nil, fmt.Errorf("pipeline: call date: %w", err)
	}
	customerKey, agentKey := ObjectKeys(ev.BaseName())
	return &models.SessionRecord{
		Type:            ev.Type,
		SourceChannel:   ev.SourceChannel,
		SourceNumber:    ev.SourceNumber,
		Queue:           ev.Queue,
		DestChannel:     ev.DestChannel,
		DestNumber:      ev.DestNumber,
		Date:            date.UTC(),
		Duration:        ev.Duration,
		Filename:        ev.Filename,
		UniqueID:        ev.UniqueID,
		IncomingFileURL: storage.ObjectPath(bucket, customerKey),
		OutgoingFileURL: storage.ObjectPath(bucket, agentKey),
	}, nil
}

// AnalysisFields maps an analysis response onto record columns. The
// transcript falls back to the one in the ASR body. Single-answer lists
// contribute their first element; empty answers become NULL. Keywords
// default to an empty list. Applying the same fields twice yields the same
// record.
func AnalysisFields(resp *types.AnalysisResponse, asrBody json.RawMessage, now time.Time) map[string]interface{} {
	var a types.Analysis
	var transcript json.RawMessage
	if resp != nil {
		if resp.Analysis != nil {
			a = *resp.Analysis
		}
		transcript = resp.Transcription
	}
	if isNull(transcript) {
		transcript = asrTranscript(asrBody)
	}

	keywords := a.Keywords
	if keywords == nil {
		keywords = []string{}
	}

	return map[string]interface{}{
		"transcription":      jsonOrNull(transcript),
		"explanation":        first(a.Explanation),
		"category":           first(a.Category),
		"emotion":            first(a.Emotion),
		"topic":              marshalOrNull(a.Topic, a.Topic == nil),
		"key_words":          marshalOrNull(keywords, false),
		"forbidden_words":    marshalOrNull(a.ForbiddenWords, a.ForbiddenWords == nil),
		"routin_check_start": marker(a.RoutinCheckStart),
		"routin_check_end":   marker(a.RoutinCheckEnd),
		"analyzed_at":        now.UTC(),
	}
}

func asrTranscript(body json.RawMessage) json.RawMessage {
	if isNull(body) {
		return nil
	}
	var wrapper struct {
		Transcription json.RawMessage `json:"transcription"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil
	}
	return wrapper.Transcription
}

func first(list []string) *string {
	if len(list) == 0 || list[0] == "" {
		return nil
	}
	s := list[0]
	return &s
}

func marker(m types.Marker) *string {
	if m == "" {
		return nil
	}
	s := string(m)
	return &s
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func jsonOrNull(raw json.RawMessage) interface{} {
	if isNull(raw) {
		return nil
	}
	return datatypes.JSON(raw)
}

func marshalOrNull(v interface{}, null bool) interface{} {
	if null {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

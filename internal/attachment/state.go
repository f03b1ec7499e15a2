package attachment

import (
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// State is the upload lifecycle of one attachment. It is a closed set:
// NotStarted, Cached, Uploading, Uploaded and Failed.
type State interface {
	Phase() string
	isState()
}

// NotStarted means nothing is known about the attachment.
type NotStarted struct{}

// Cached means the bytes are in the local cache under Ref, waiting for upload.
type Cached struct{ Ref string }

// Uploading means an upload is in flight.
type Uploading struct{ Progress float64 }

// Uploaded means the object store returned URL.
type Uploaded struct{ URL string }

// Failed means the last attempt failed. RetryCount counts failed attempts.
type Failed struct {
	Reason     string
	RetryCount int
}

func (NotStarted) isState() {}
func (Cached) isState()     {}
func (Uploading) isState()  {}
func (Uploaded) isState()   {}
func (Failed) isState()     {}

func (NotStarted) Phase() string { return "not_started" }
func (Cached) Phase() string     { return "cached" }
func (Uploading) Phase() string  { return "uploading" }
func (Uploaded) Phase() string   { return "uploaded" }
func (Failed) Phase() string     { return "failed" }

func (s Uploading) String() string { return fmt.Sprintf("uploading(%.0f%%)", s.Progress*100) }
func (s Failed) String() string    { return fmt.Sprintf("failed(%s, %d)", s.Reason, s.RetryCount) }

// Meta is what the coordinator needs to know about an attachment to upload it.
type Meta struct {
	ConversationID string
	Kind           model.MediaKind
	Ext            string
}

func toRecord(messageID string, meta Meta, s State) model.UploadRecord {
	r := model.UploadRecord{
		MessageID:      messageID,
		ConversationID: meta.ConversationID,
		Kind:           meta.Kind,
		Ext:            meta.Ext,
		Phase:          s.Phase(),
		UpdatedAt:      time.Now(),
	}
	switch s := s.(type) {
	case NotStarted:
	case Cached:
	case Uploading:
		r.Progress = s.Progress
	case Uploaded:
		r.URL = s.URL
	case Failed:
		r.Reason, r.RetryCount = s.Reason, s.RetryCount
	}
	return r
}

func fromRecord(r model.UploadRecord) (State, Meta, error) {
	meta := Meta{ConversationID: r.ConversationID, Kind: r.Kind, Ext: r.Ext}
	switch r.Phase {
	case NotStarted{}.Phase():
		return NotStarted{}, meta, nil
	case Cached{}.Phase():
		return Cached{Ref: r.MessageID}, meta, nil
	case Uploading{}.Phase():
		return Uploading{Progress: r.Progress}, meta, nil
	case Uploaded{}.Phase():
		return Uploaded{URL: r.URL}, meta, nil
	case Failed{}.Phase():
		return Failed{Reason: r.Reason, RetryCount: r.RetryCount}, meta, nil
	}
	return nil, meta, fmt.Errorf("unknown upload phase %q", r.Phase)
}

package model

import "time"

// UploadRecord is the persisted form of an attachment upload state, keyed by
// message ID. Phase is one of not_started, cached, uploading, uploaded, failed.
type UploadRecord struct {
	MessageID      string
	ConversationID string
	Kind           MediaKind
	Ext            string
	Phase          string
	Progress       float64
	URL            string
	Reason         string
	RetryCount     int
	UpdatedAt      time.Time
}

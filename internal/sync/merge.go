package sync

import (
	"slices"

	"github.com/matheus3301/chatsync/internal/attachment"
	"github.com/matheus3301/chatsync/internal/model"
)

// Merge folds a remote snapshot into the local list. A remote copy replaces
// the local one unless the local status is locally owned. Local messages the
// snapshot lacks survive only while locally owned. The result is sorted by
// creation time, and merging the same snapshot again changes nothing.
func Merge(local, snapshot []model.Message) []model.Message {
	byID := make(map[string]model.Message, len(local))
	for _, m := range local {
		byID[m.ID] = m
	}

	seen := make(map[string]struct{}, len(local)+len(snapshot))
	out := make([]model.Message, 0, len(local)+len(snapshot))
	for _, r := range snapshot {
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		if l, ok := byID[r.ID]; ok && l.Status.LocallyOwned() {
			out = append(out, l.Clone())
			continue
		}
		out = append(out, r.Clone())
	}
	for _, l := range local {
		if _, ok := seen[l.ID]; ok {
			continue
		}
		seen[l.ID] = struct{}{}
		if l.Status.LocallyOwned() {
			out = append(out, l.Clone())
		}
	}
	model.SortMessages(out)
	return out
}

// Eligible reports whether a reconnect retries m on its own. uploading is
// true while an upload for m is in flight. Attachment failures count every
// failed attempt, so a message gets maxAuto automatic retries after its first failure.
func Eligible(m model.Message, st attachment.State, uploading bool, maxAuto int) bool {
	switch m.Status {
	case model.Staged:
		return true
	case model.Failed:
		if f, ok := st.(attachment.Failed); ok && m.Attachment.Pending() {
			// Text goes out without the attachment once its retries are spent.
			return f.RetryCount <= maxAuto || m.HasText()
		}
		return true
	case model.Sending:
		// Stuck: an attachment with no URL and nothing uploading it.
		return m.Attachment.Pending() && !uploading
	case model.Sent, model.Delivered, model.Read:
		// The text went out without its attachment.
		if !m.Attachment.Pending() || uploading {
			return false
		}
		switch s := st.(type) {
		case attachment.Failed:
			return s.RetryCount <= maxAuto
		case attachment.Cached, attachment.Uploaded:
			return true
		case attachment.NotStarted, attachment.Uploading:
			return false
		}
	}
	return false
}

// SkipUpload reports whether an automatic retry of an eligible m sends its
// text without attempting the attachment again.
func SkipUpload(m model.Message, st attachment.State, maxAuto int) bool {
	if !m.Status.LocallyOwned() || !m.Attachment.Pending() || !m.HasText() {
		return false
	}
	f, ok := st.(attachment.Failed)
	return ok && f.RetryCount > maxAuto
}

// sameContent reports whether a and b would be stored identically.
func sameContent(a, b model.Message) bool {
	if a.Status != b.Status || a.Text != b.Text || a.SenderName != b.SenderName || !a.CreatedAt.Equal(b.CreatedAt) {
		return false
	}
	if !slices.Equal(a.ReadBy, b.ReadBy) {
		return false
	}
	switch {
	case a.Attachment == nil && b.Attachment == nil:
		return true
	case a.Attachment == nil || b.Attachment == nil:
		return false
	}
	return *a.Attachment == *b.Attachment
}

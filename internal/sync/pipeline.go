package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/attachment"
	"github.com/matheus3301/chatsync/internal/model"
)

// Outgoing is an attachment to send with a new message.
type Outgoing struct {
	Data []byte
	Kind model.MediaKind
	// Ext is the file extension without the dot, e.g. "jpg".
	Ext string
}

// sendMode selects how send treats a pending attachment.
type sendMode int

const (
	firstSend sendMode = iota
	retrySend
	// textOnly skips the upload: the attachment has used up its attempts
	// but the text must still go out.
	textOnly
)

// ExtFromName returns the extension of a file name in the form Outgoing expects.
func ExtFromName(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

// Compose stages a new message, persists it and starts sending it in the
// background. Validation failures are returned immediately and never retried.
func (v *View) Compose(ctx context.Context, text string, att *Outgoing) (model.Message, error) {
	m := model.Message{
		ID:             model.NewMessageID(),
		ConversationID: v.id,
		SenderID:       v.e.opts.UserID,
		SenderName:     v.e.opts.UserName,
		Text:           text,
		CreatedAt:      model.Now(),
		Status:         model.Staged,
	}
	if att != nil {
		if len(att.Data) == 0 {
			return model.Message{}, fmt.Errorf("%w: empty attachment", model.ErrInvalidMessage)
		}
		if att.Kind == "" {
			att.Kind = model.MediaFile
		}
		m.Attachment = &model.Attachment{Kind: att.Kind}
	}
	if err := m.Validate(); err != nil {
		return model.Message{}, err
	}

	err := v.call(func() {
		v.messages = append(v.messages, m.Clone())
		model.SortMessages(v.messages)
		v.persist(m)
		v.inflight[m.ID] = struct{}{}
		v.publish()
	})
	if err != nil {
		return model.Message{}, err
	}
	if att != nil {
		v.e.uploads.Cache(ctx, m.ID, attachment.Meta{ConversationID: v.id, Kind: att.Kind, Ext: att.Ext}, att.Data)
	}
	v.logger.Debug("message staged", zap.String("message", m.ID), zap.Bool("attachment", att != nil))

	v.e.goBackground(func(ctx context.Context) { v.send(ctx, m.ID, firstSend) })
	return m, nil
}

// RetryPending retries every eligible message, one at a time. Messages
// already in flight are skipped, so overlapping scans never send the same
// message twice. It returns the number of messages retried.
func (v *View) RetryPending(ctx context.Context) int {
	var ids []string
	modes := map[string]sendMode{}
	err := v.call(func() {
		for _, m := range v.messages {
			if _, busy := v.inflight[m.ID]; busy {
				continue
			}
			st := v.e.uploads.State(m.ID)
			if Eligible(m, st, v.e.uploads.Active(m.ID), v.e.opts.MaxAutoRetries) {
				v.inflight[m.ID] = struct{}{}
				ids = append(ids, m.ID)
				modes[m.ID] = retrySend
				if SkipUpload(m, st, v.e.opts.MaxAutoRetries) {
					modes[m.ID] = textOnly
				}
			}
		}
	})
	if err != nil || len(ids) == 0 {
		return 0
	}
	v.logger.Info("retrying pending messages", zap.Int("count", len(ids)))
	for i, id := range ids {
		if ctx.Err() != nil {
			for _, rest := range ids[i:] {
				v.release(rest)
			}
			break
		}
		v.send(ctx, id, modes[id])
	}
	v.e.metrics.Retried(len(ids))
	return len(ids)
}

// Retry is a user-initiated retry of one message. It ignores the automatic
// retry limit; the upload attempt cap still applies. A message with text
// whose attachment is exhausted is sent without it.
func (v *View) Retry(ctx context.Context, messageID string) error {
	var err error
	mode := retrySend
	callErr := v.call(func() {
		i := indexOf(v.messages, messageID)
		if i < 0 {
			err = model.ErrNotFound
			return
		}
		if _, busy := v.inflight[messageID]; busy {
			err = model.ErrInFlight
			return
		}
		m := v.messages[i]
		switch {
		case m.Status == model.Sending:
			if !m.Attachment.Pending() || v.e.uploads.Active(messageID) {
				err = model.ErrInFlight
				return
			}
		case m.Status.LocallyOwned():
		case m.Attachment.Pending():
		default:
			err = fmt.Errorf("%w: message is %s", model.ErrNotRetryable, m.Status)
			return
		}
		if m.Attachment.Pending() && exhausted(v.e.uploads.State(messageID), v.e.uploads.MaxAttempts()) {
			if !m.HasText() || !m.Status.LocallyOwned() {
				err = fmt.Errorf("%w: attachment upload attempts exhausted", model.ErrNotRetryable)
				return
			}
			mode = textOnly
		}
		v.inflight[messageID] = struct{}{}
	})
	if callErr != nil {
		return callErr
	}
	if err != nil {
		return err
	}
	v.e.goBackground(func(ctx context.Context) { v.send(ctx, messageID, mode) })
	return nil
}

// Discard removes a message that was never confirmed, with its cached bytes
// and upload state.
func (v *View) Discard(ctx context.Context, messageID string) error {
	var err error
	callErr := v.call(func() {
		i := indexOf(v.messages, messageID)
		if i < 0 {
			err = model.ErrNotFound
			return
		}
		if _, busy := v.inflight[messageID]; busy {
			err = model.ErrInFlight
			return
		}
		if !v.messages[i].Status.LocallyOwned() {
			err = fmt.Errorf("%w: only unsent messages can be discarded", model.ErrInvalidMessage)
			return
		}
		v.messages = append(v.messages[:i], v.messages[i+1:]...)
		if derr := v.e.cache.DeleteMessage(ctx, messageID); derr != nil {
			v.e.health.Fail("delete message", derr)
		}
		v.publish()
	})
	if callErr != nil {
		return callErr
	}
	if err != nil {
		return err
	}
	v.e.uploads.Discard(ctx, messageID)
	v.logger.Info("message discarded", zap.String("message", messageID))
	return nil
}

func (v *View) release(id string) {
	_ = v.do(func() { delete(v.inflight, id) })
}

func (v *View) get(id string) (model.Message, bool) {
	var m model.Message
	var ok bool
	err := v.call(func() {
		if i := indexOf(v.messages, id); i >= 0 {
			m, ok = v.messages[i].Clone(), true
		}
	})
	return m, ok && err == nil
}

func (v *View) transition(id string, to model.Status) bool {
	var ok bool
	err := v.call(func() {
		ok = v.setStatus(id, to)
		if ok {
			v.publish()
		}
	})
	return ok && err == nil
}

// send runs steps two and three of the pipeline for a staged, failed or
// partially sent message. The caller has marked id in flight; send releases it.
func (v *View) send(ctx context.Context, id string, mode sendMode) {
	defer v.release(id)
	if !v.e.conn.Online() {
		return
	}
	m, ok := v.get(id)
	if !ok {
		return
	}

	var url string
	if mode == textOnly && (!m.Status.LocallyOwned() || !m.HasText()) {
		return
	}
	if m.Attachment.Pending() && mode != textOnly {
		owned := m.Status.LocallyOwned()
		if owned && !v.transition(id, model.Sending) {
			return
		}
		upload := v.e.uploads.Upload
		if mode == retrySend {
			upload = v.e.uploads.Retry
		}
		u, uploaded := upload(ctx, id)
		switch {
		case uploaded:
			url = u
			if !v.attachURL(id, u) {
				return
			}
			if !owned {
				v.completeAttachment(ctx, id, url)
				return
			}
		case !owned:
			// Text is already out; the attachment waits for the next retry.
			return
		case !m.HasText():
			to := model.Staged
			if exhausted(v.e.uploads.State(id), v.e.uploads.MaxAttempts()) {
				to = model.Failed
			}
			v.transition(id, to)
			return
		default:
			v.logger.Warn("attachment upload failed, sending text only", zap.String("message", id))
		}
	}
	if mode == textOnly {
		v.logger.Warn("attachment attempts exhausted, sending text only", zap.String("message", id))
	}

	if !v.transition(id, model.Sending) {
		return
	}
	m, ok = v.get(id)
	if !ok {
		return
	}
	start := time.Now()
	err := v.e.remote.PutMessage(ctx, m)
	v.e.metrics.RemoteWrite(time.Since(start))
	if err != nil {
		v.logger.Warn("send failed", zap.String("message", id), zap.Error(err))
		v.transition(id, model.Failed)
		return
	}
	if !v.confirm(id) {
		return
	}
	if url != "" {
		v.e.uploads.Forget(ctx, id)
	}
	v.logger.Info("message sent", zap.String("message", id))
	v.e.index(m)
}

// completeAttachment writes the resolved URL of a message whose text was
// already sent. The URL is set on the written copy: a realtime batch may
// have replaced the view's copy with the remote one since attachURL.
func (v *View) completeAttachment(ctx context.Context, id, url string) {
	m, ok := v.get(id)
	if !ok || m.Attachment == nil {
		return
	}
	m.Attachment.URL = url
	start := time.Now()
	err := v.e.remote.PutMessage(ctx, m)
	v.e.metrics.RemoteWrite(time.Since(start))
	if err != nil {
		v.logger.Warn("attachment update failed", zap.String("message", id), zap.Error(err))
		return
	}
	v.e.uploads.Forget(ctx, id)
	v.logger.Info("attachment delivered", zap.String("message", id))
}

func (v *View) attachURL(id, url string) bool {
	var ok bool
	err := v.call(func() {
		i := indexOf(v.messages, id)
		if i < 0 || v.messages[i].Attachment == nil {
			return
		}
		v.messages[i].Attachment.URL = url
		v.persist(v.messages[i])
		v.publish()
		ok = true
	})
	return ok && err == nil
}

// confirm marks an acknowledged write Sent and keeps it visible until the
// realtime stream echoes it.
func (v *View) confirm(id string) bool {
	var ok bool
	err := v.call(func() {
		if ok = v.setStatus(id, model.Sent); !ok {
			return
		}
		if _, echoed := v.snapshot[id]; !echoed {
			v.awaitingEcho[id] = struct{}{}
		}
		v.reconcile()
	})
	return ok && err == nil
}

func exhausted(st attachment.State, maxAttempts int) bool {
	f, ok := st.(attachment.Failed)
	return ok && f.RetryCount >= maxAttempts
}

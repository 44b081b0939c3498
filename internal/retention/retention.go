// Package retention authorizes edits and deletions against time windows measured
// from a message's creation, and applies them to the message.
package retention

import (
	"time"

	"github.com/adi-253/Talkie/realtime/internal/apperror"
	"github.com/adi-253/Talkie/realtime/internal/models"
)

const (
	DefaultEditWindow   = 15 * time.Minute
	DefaultDeleteWindow = time.Hour
)

// Policy holds the edit and delete-for-everyone windows.
type Policy struct {
	EditWindow   time.Duration
	DeleteWindow time.Duration
}

// NewPolicy builds a policy, substituting defaults for non-positive windows.
func NewPolicy(editWindow, deleteWindow time.Duration) Policy {
	if editWindow <= 0 {
		editWindow = DefaultEditWindow
	}
	if deleteWindow <= 0 {
		deleteWindow = DefaultDeleteWindow
	}
	return Policy{EditWindow: editWindow, DeleteWindow: deleteWindow}
}

func (p Policy) editError(m *models.Message, requester string, now time.Time) *apperror.Error {
	switch {
	case m.SenderID != requester:
		return apperror.Authorization("only the sender can edit a message")
	case m.Kind != models.KindText:
		return apperror.Authorization("only text messages can be edited")
	case m.Deleted:
		return apperror.Authorization("message was deleted")
	case now.Sub(m.CreatedAt) > p.EditWindow:
		return apperror.Authorization("edit window of %s has passed", p.EditWindow)
	}
	return nil
}

func (p Policy) deleteError(m *models.Message, requester string, now time.Time) *apperror.Error {
	switch {
	case m.SenderID != requester:
		return apperror.Authorization("only the sender can delete a message for everyone")
	case now.Sub(m.CreatedAt) > p.DeleteWindow:
		return apperror.Authorization("delete window of %s has passed", p.DeleteWindow)
	}
	return nil
}

// CanEdit reports whether requester may edit m at now.
func (p Policy) CanEdit(m *models.Message, requester string, now time.Time) bool {
	return p.editError(m, requester, now) == nil
}

// CheckEdit returns the authorization error that forbids the edit, if any.
func (p Policy) CheckEdit(m *models.Message, requester string, now time.Time) error {
	if err := p.editError(m, requester, now); err != nil {
		return err
	}
	return nil
}

// CheckDeleteForEveryone returns the authorization error that forbids a
// delete-for-everyone, if any.
func (p Policy) CheckDeleteForEveryone(m *models.Message, requester string, now time.Time) error {
	if err := p.deleteError(m, requester, now); err != nil {
		return err
	}
	return nil
}

// CanDeleteForEveryone reports whether requester may delete m for both
// participants at now.
func (p Policy) CanDeleteForEveryone(m *models.Message, requester string, now time.Time) bool {
	return p.deleteError(m, requester, now) == nil
}

// ApplyEdit replaces the content of m, recording the previous content in the
// edit history.
func (p Policy) ApplyEdit(m *models.Message, requester string, content models.Content, now time.Time) error {
	if err := p.editError(m, requester, now); err != nil {
		return err
	}
	m.EditHistory = append(m.EditHistory, models.EditRecord{Content: m.Content, EditedAt: now})
	m.Content = content
	m.Edited = true
	editedAt := now
	m.EditedAt = &editedAt
	return nil
}

// ApplyDeleteForEveryone soft-deletes m. It reports false when m was already
// deleted, in which case nothing changes.
func (p Policy) ApplyDeleteForEveryone(m *models.Message, requester string, now time.Time) (bool, error) {
	if err := p.deleteError(m, requester, now); err != nil {
		return false, err
	}
	if m.Deleted {
		return false, nil
	}
	m.Deleted = true
	deletedAt := now
	m.DeletedAt = &deletedAt
	m.DeletedBy = requester
	return true, nil
}

// ApplyHide removes m from userID's view only. It is not time bounded and
// reports false when the message was already hidden for the user. The caller
// must have checked that userID participates in the conversation.
func ApplyHide(m *models.Message, userID string) bool {
	if m.IsHiddenFor(userID) {
		return false
	}
	m.HiddenFor = append(m.HiddenFor, userID)
	return true
}

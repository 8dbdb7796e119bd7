package escrow

import (
	"fmt"
	"strings"
	"time"

	"github.com/yourusername/gpay-escrow/money"
)

type MilestoneStatus string

const (
	MilestonePending     MilestoneStatus = "pending"
	MilestoneInProgress  MilestoneStatus = "in_progress"
	MilestoneSubmitted   MilestoneStatus = "submitted"
	MilestoneUnderReview MilestoneStatus = "under_review"
	MilestoneApproved    MilestoneStatus = "approved"
	MilestoneRejected    MilestoneStatus = "rejected"
	MilestonePaid        MilestoneStatus = "paid"
)

// Settled reports whether the milestone counts towards contract completion.
func (s MilestoneStatus) Settled() bool {
	return s == MilestoneApproved || s == MilestonePaid
}

// Submission references deliverables held by the file service.
type Submission struct {
	FileIDs     []string  `json:"file_ids"`
	Notes       string    `json:"notes"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type Milestone struct {
	ID              string          `json:"id"`
	Position        int             `json:"position"`
	Title           string          `json:"title"`
	Amount          money.Money     `json:"amount"`
	Deliverables    string          `json:"deliverables"`
	DueDate         *time.Time      `json:"due_date,omitempty"`
	Status          MilestoneStatus `json:"status"`
	Submission      *Submission     `json:"submission,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	ViewedAt        *time.Time      `json:"viewed_at,omitempty"`
	ApprovedAt      *time.Time      `json:"approved_at,omitempty"`
	RejectedAt      *time.Time      `json:"rejected_at,omitempty"`
	PaidAt          *time.Time      `json:"paid_at,omitempty"`
}

func (m *Milestone) transitionError(action string) error {
	return fmt.Errorf("%w: cannot %s milestone %d in status %s", ErrInvalidTransition, action, m.Position, m.Status)
}

// Start moves a pending or rejected milestone into progress.
func (m *Milestone) Start(now time.Time) error {
	if m.Status != MilestonePending && m.Status != MilestoneRejected {
		return m.transitionError("start")
	}
	m.Status = MilestoneInProgress
	if m.StartedAt == nil {
		m.StartedAt = &now
	}
	return nil
}

// Submit attaches deliverables and hands the milestone to the client for review.
// A rejected milestone passes through in_progress first.
func (m *Milestone) Submit(sub Submission, now time.Time) error {
	fileIDs := make([]string, 0, len(sub.FileIDs))
	for _, id := range sub.FileIDs {
		if id = strings.TrimSpace(id); id != "" {
			fileIDs = append(fileIDs, id)
		}
	}
	if len(fileIDs) == 0 {
		return fmt.Errorf("%w: submission needs at least one deliverable reference", ErrInvalidInput)
	}
	if m.Status == MilestoneRejected {
		if err := m.Start(now); err != nil {
			return err
		}
	}
	if m.Status != MilestoneInProgress {
		return m.transitionError("submit")
	}
	sub.FileIDs = fileIDs
	sub.SubmittedAt = now
	m.Submission = &sub
	m.Status = MilestoneSubmitted
	m.RejectionReason = ""
	m.ViewedAt = nil
	m.beginReview()
	return nil
}

// submitted is transient: review opens as soon as the submission lands.
func (m *Milestone) beginReview() {
	if m.Status == MilestoneSubmitted {
		m.Status = MilestoneUnderReview
	}
}

// MarkViewed records that the client opened the submission.
func (m *Milestone) MarkViewed(now time.Time) error {
	if m.Status != MilestoneUnderReview {
		return m.transitionError("view")
	}
	if m.ViewedAt == nil {
		m.ViewedAt = &now
	}
	return nil
}

func (m *Milestone) Approve(now time.Time) error {
	if m.Status != MilestoneUnderReview {
		return m.transitionError("approve")
	}
	m.Status = MilestoneApproved
	m.ApprovedAt = &now
	return nil
}

func (m *Milestone) Reject(reason string, now time.Time) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return fmt.Errorf("%w: rejection reason is required", ErrInvalidInput)
	}
	if m.Status != MilestoneUnderReview {
		return m.transitionError("reject")
	}
	m.Status = MilestoneRejected
	m.RejectionReason = reason
	m.RejectedAt = &now
	return nil
}

// MarkPaid is driven by reconciliation once the release has settled.
func (m *Milestone) MarkPaid(now time.Time) error {
	if m.Status != MilestoneApproved {
		return m.transitionError("mark paid")
	}
	m.Status = MilestonePaid
	m.PaidAt = &now
	return nil
}

// RevertApproval sends the milestone back to review after a failed release.
func (m *Milestone) RevertApproval() error {
	if m.Status != MilestoneApproved {
		return m.transitionError("revert approval of")
	}
	m.Status = MilestoneUnderReview
	m.ApprovedAt = nil
	return nil
}

package escrow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMilestoneHappyPath(t *testing.T) {
	m := Milestone{Position: 0, Amount: usd("400.00"), Status: MilestonePending}

	require.NoError(t, m.Start(t0))
	assert.Equal(t, MilestoneInProgress, m.Status)

	require.NoError(t, m.Submit(Submission{FileIDs: []string{"file-1"}, Notes: "done"}, t0))
	assert.Equal(t, MilestoneUnderReview, m.Status)
	assert.Equal(t, []string{"file-1"}, m.Submission.FileIDs)

	require.NoError(t, m.MarkViewed(t0))
	require.NoError(t, m.MarkViewed(t0.Add(time.Hour)))
	assert.Equal(t, t0, *m.ViewedAt)
	assert.Equal(t, MilestoneUnderReview, m.Status)

	require.NoError(t, m.Approve(t0))
	require.NoError(t, m.MarkPaid(t0))
	assert.Equal(t, MilestonePaid, m.Status)
}

func TestMilestoneRejectionAndResubmission(t *testing.T) {
	m := Milestone{Status: MilestoneInProgress}
	require.NoError(t, m.Submit(Submission{FileIDs: []string{"a"}}, t0))

	assert.ErrorIs(t, m.Reject("  ", t0), ErrInvalidInput)
	assert.Equal(t, MilestoneUnderReview, m.Status)

	require.NoError(t, m.Reject("missing tests", t0))
	assert.Equal(t, MilestoneRejected, m.Status)
	assert.Equal(t, "missing tests", m.RejectionReason)

	require.NoError(t, m.Submit(Submission{FileIDs: []string{"b"}}, t0))
	assert.Equal(t, MilestoneUnderReview, m.Status)
	assert.Empty(t, m.RejectionReason)
}

func TestMilestoneSubmitRequiresDeliverable(t *testing.T) {
	m := Milestone{Status: MilestoneInProgress}
	assert.ErrorIs(t, m.Submit(Submission{FileIDs: []string{" ", ""}}, t0), ErrInvalidInput)
	assert.Equal(t, MilestoneInProgress, m.Status)
}

func TestMilestoneInvalidTransitions(t *testing.T) {
	tests := []struct {
		name   string
		status MilestoneStatus
		action func(m *Milestone) error
	}{
		{name: "Start twice", status: MilestoneInProgress, action: func(m *Milestone) error { return m.Start(t0) }},
		{name: "Submit pending", status: MilestonePending, action: func(m *Milestone) error {
			return m.Submit(Submission{FileIDs: []string{"x"}}, t0)
		}},
		{name: "Approve in progress", status: MilestoneInProgress, action: func(m *Milestone) error { return m.Approve(t0) }},
		{name: "Approve paid", status: MilestonePaid, action: func(m *Milestone) error { return m.Approve(t0) }},
		{name: "Reject approved", status: MilestoneApproved, action: func(m *Milestone) error { return m.Reject("no", t0) }},
		{name: "Pay under review", status: MilestoneUnderReview, action: func(m *Milestone) error { return m.MarkPaid(t0) }},
		{name: "Revert paid", status: MilestonePaid, action: func(m *Milestone) error { return m.RevertApproval() }},
		{name: "View pending", status: MilestonePending, action: func(m *Milestone) error { return m.MarkViewed(t0) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Milestone{Status: tt.status}
			assert.ErrorIs(t, tt.action(&m), ErrInvalidTransition)
			assert.Equal(t, tt.status, m.Status)
		})
	}
}

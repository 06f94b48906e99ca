package models

import "testing"

func TestTaskStatusValid(t *testing.T) {
	valid := []TaskStatus{
		TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted,
		TaskStatusBlocked, TaskStatusCancelled,
	}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}

	if TaskStatus("bogus").Valid() {
		t.Error("expected bogus status to be invalid")
	}
}

func TestTaskTypeValid(t *testing.T) {
	if !TaskTypeDevelopment.Valid() {
		t.Error("expected development to be valid")
	}
	if TaskType("janitorial").Valid() {
		t.Error("expected unknown type to be invalid")
	}
}

func TestPriorityScore(t *testing.T) {
	cases := []struct {
		priority TaskPriority
		want     float64
	}{
		{PriorityCritical, 1.0},
		{PriorityHigh, 0.8},
		{PriorityMedium, 0.6},
		{PriorityLow, 0.4},
	}
	for _, c := range cases {
		if got := c.priority.Score(); got != c.want {
			t.Errorf("%s: expected score %v, got %v", c.priority, c.want, got)
		}
	}
}

func TestPriorityDeadlineMultiplier(t *testing.T) {
	if got := PriorityCritical.DeadlineMultiplier(); got != 1 {
		t.Errorf("expected critical multiplier 1, got %v", got)
	}
	if got := PriorityLow.DeadlineMultiplier(); got != 8 {
		t.Errorf("expected low multiplier 8, got %v", got)
	}
}

func TestHasTag(t *testing.T) {
	task := &AtomicTask{Tags: []string{"security", "customer-facing"}}

	if !task.HasTag("security") {
		t.Error("expected task to have security tag")
	}
	if task.HasTag("revenue-impact") {
		t.Error("expected task to not have revenue-impact tag")
	}
}

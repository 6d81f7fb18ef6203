package events

import "testing"

func TestAllTopicsNonEmpty(t *testing.T) {
	topics := AllTopics()
	if len(topics) != 7 {
		t.Errorf("expected 7 topics, got %d", len(topics))
	}
	seen := make(map[Topic]bool)
	for _, topic := range topics {
		if seen[topic] {
			t.Errorf("duplicate topic %s", topic)
		}
		seen[topic] = true
	}
}

func TestNewStampsTime(t *testing.T) {
	event := New(TopicTaskStarted, "proj-1", map[string]any{"task_id": "t1"})
	if event.At.IsZero() {
		t.Error("expected New to stamp a non-zero time")
	}
	if event.Topic != TopicTaskStarted {
		t.Errorf("expected topic %s, got %s", TopicTaskStarted, event.Topic)
	}
	if event.ProjectID != "proj-1" {
		t.Errorf("expected project proj-1, got %s", event.ProjectID)
	}
}

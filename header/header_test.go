package header

import (
	"strings"
	"testing"

	"github.com/smsgio/smsg/smsgerr"
)

func TestNewAssignsUUIDAndNilPublishedAt(t *testing.T) {
	h := New("Order", "orders", nil, nil, 2)
	if h.UUID == "" {
		t.Fatalf("expected non-empty uuid")
	}
	if h.PublishedAt != nil {
		t.Fatalf("expected published_at nil before publish")
	}
	if h.PublisherPID == "" {
		t.Fatalf("expected publisher pid to be set")
	}
}

func TestValidateRequiresFrom(t *testing.T) {
	h := New("Order", "", nil, nil, 1)
	err := h.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !smsgerr.Is(err, smsgerr.ErrValidation) {
		t.Fatalf("expected validation kind, got %v", err)
	}
}

func TestValidateRequiresVersion(t *testing.T) {
	h := New("Order", "orders", nil, nil, 0)
	if err := h.Validate(); err == nil {
		t.Fatalf("expected validation error for version < 1")
	}
}

func TestRebindBeforePublishOnly(t *testing.T) {
	h := New("Order", "orders", nil, nil, 1)
	to := "fulfil"
	if err := h.RebindAddressing(nil, &to, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.ToValue() != "fulfil" {
		t.Fatalf("expected to == fulfil, got %s", h.ToValue())
	}

	h.MarkPublished()
	other := "other"
	if err := h.RebindAddressing(nil, &other, nil); err == nil {
		t.Fatalf("expected error rebinding after publish")
	}
}

func TestToValueBroadcast(t *testing.T) {
	h := New("Announcement", "admin", nil, nil, 1)
	if h.ToValue() != "broadcast" {
		t.Fatalf("expected broadcast, got %s", h.ToValue())
	}
}

func TestFromValueAnonymous(t *testing.T) {
	h := &Header{From: ""}
	if h.FromValue() != "anonymous" {
		t.Fatalf("expected anonymous, got %s", h.FromValue())
	}
}

func TestCloneIsIndependent(t *testing.T) {
	to := "fulfil"
	h := New("Order", "orders", &to, nil, 1)
	c := h.Clone()
	*c.To = "changed"
	if h.ToValue() != "fulfil" {
		t.Fatalf("clone mutation leaked into original: %s", h.ToValue())
	}
	if !strings.EqualFold(c.UUID, h.UUID) {
		t.Fatalf("clone should preserve uuid")
	}
}

package remote

import (
	"strings"
	"testing"
	"time"
)

func TestFilterMatches(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	row := Row{"channel_id": "c-1", "priority": int64(2), "created_at": at, "reply_to": nil}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty filter", nil, true},
		{"string equality", Filter{"channel_id": "c-1"}, true},
		{"string mismatch", Filter{"channel_id": "c-2"}, false},
		{"numeric types differ", Filter{"priority": 2}, true},
		{"time equality", Filter{"created_at": at.In(time.FixedZone("x", 3600))}, true},
		{"nil equality", Filter{"reply_to": nil}, true},
		{"missing column", Filter{"recipient_id": "u"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(row); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEventChanged(t *testing.T) {
	e := Event{
		Op:  OpUpdate,
		Row: Row{"id": "t-1", "title": "new", "status": "doing", "notes": []any{"a"}},
		Old: Row{"id": "t-1", "title": "old", "status": "doing", "notes": []any{"a"}},
	}
	changed := e.Changed()
	if len(changed) != 1 || changed["title"] != "new" {
		t.Errorf("Changed() = %v, want only title", changed)
	}

	e.Old = nil
	if got := e.Changed(); len(got) != 3 {
		t.Errorf("Changed() without Old = %v, want every non-id column", got)
	}
	if e.ID() != "t-1" {
		t.Errorf("ID() = %q", e.ID())
	}
}

func TestHub(t *testing.T) {
	var h Hub
	var all, general []string

	unsubAll, _ := h.SubscribeChanges(Messages, nil, func(e Event) { all = append(all, e.ID()) })
	unsubGeneral, _ := h.SubscribeChanges(Messages, Filter{"channel_id": "general"}, func(e Event) {
		general = append(general, e.ID())
	})

	h.Publish(Event{Kind: Messages, Op: OpInsert, Row: Row{"id": "m1", "channel_id": "general"}})
	h.Publish(Event{Kind: Messages, Op: OpInsert, Row: Row{"id": "m2", "channel_id": "random"}})
	h.Publish(Event{Kind: Tasks, Op: OpInsert, Row: Row{"id": "t1"}})
	h.Publish(Event{Kind: Messages, Op: OpInvalidate})

	if strings.Join(all, ",") != "m1,m2," {
		t.Errorf("unfiltered subscriber saw %v", all)
	}
	if strings.Join(general, ",") != "m1," {
		t.Errorf("filtered subscriber saw %v (invalidate must reach every subscriber)", general)
	}

	unsubAll()
	unsubAll()
	if n := h.Subscribers(Messages); n != 1 {
		t.Errorf("Subscribers() = %d, want 1", n)
	}
	unsubGeneral()
	h.Publish(Event{Kind: Messages, Op: OpInsert, Row: Row{"id": "m3", "channel_id": "general"}})
	if len(general) != 2 {
		t.Errorf("unsubscribed listener still called: %v", general)
	}
}

func TestPrepareInsert(t *testing.T) {
	now := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)

	_, row, err := PrepareInsert(Tasks, Row{"title": "x"}, now)
	if err != nil {
		t.Fatalf("PrepareInsert() error = %v", err)
	}
	if row.ID() == "" {
		t.Error("id should be assigned")
	}
	if row["created_at"] != now || row["updated_at"] != now {
		t.Errorf("timestamps = %v / %v", row["created_at"], row["updated_at"])
	}

	_, row, _ = PrepareInsert(ChannelMembers, Row{"id": "c/u", "channel_id": "c", "user_id": "u"}, now)
	if row.ID() != "c/u" {
		t.Errorf("caller id not kept: %v", row.ID())
	}

	if _, _, err := PrepareInsert(Tasks, Row{"bogus": 1}, now); err == nil {
		t.Error("unknown column should be rejected")
	}
	if _, _, err := PrepareInsert(ChannelSummaries, Row{}, now); err == nil {
		t.Error("views are read-only")
	}
	if _, _, err := PrepareInsert("widgets", Row{}, now); err == nil {
		t.Error("unknown table should be rejected")
	}
}

func TestPrepareUpdateDropsID(t *testing.T) {
	_, row, err := PrepareUpdate(Tasks, Row{"id": "t", "title": "y"}, time.Now())
	if err != nil {
		t.Fatalf("PrepareUpdate() error = %v", err)
	}
	if _, ok := row["id"]; ok {
		t.Error("id must not be rewritten by an update")
	}
	if _, ok := row["updated_at"]; !ok {
		t.Error("updated_at should be stamped")
	}
}

func TestNewIDSortsByTime(t *testing.T) {
	a := NewID()
	time.Sleep(2 * time.Millisecond)
	b := NewID()
	if !(a < b) {
		t.Errorf("%s should sort before %s", a, b)
	}
}

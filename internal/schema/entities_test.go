package schema

import (
	"testing"
	"time"
)

func TestInitials(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Ada Lovelace", "AL"},
		{"grace brewster hopper", "GH"},
		{"linus", "LI"},
		{"x", "X"},
		{"  ", ""},
		{"jean-luc", "JL"},
		{"Émile Zola", "ÉZ"},
	}
	for _, tt := range tests {
		if got := Initials(tt.name); got != tt.want {
			t.Errorf("Initials(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestDMKey(t *testing.T) {
	if DMKey("u-2", "u-1") != DMKey("u-1", "u-2") {
		t.Error("DMKey should be order independent")
	}
	c := Channel{ID: "c-1", Type: ChannelDirect, DMKey: DMKey("u-2", "u-1")}
	members := c.Members()
	if len(members) != 2 || members[0] != "u-1" || members[1] != "u-2" {
		t.Errorf("Members() = %v", members)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestChannel_Validate(t *testing.T) {
	tests := []struct {
		name    string
		channel Channel
		wantErr bool
	}{
		{"public", Channel{ID: "c", Name: "general", Type: ChannelPublic}, false},
		{"public without name", Channel{ID: "c", Type: ChannelPublic}, true},
		{"direct without key", Channel{ID: "c", Type: ChannelDirect}, true},
		{"unknown type", Channel{ID: "c", Name: "x", Type: "group"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.channel.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLessChannel(t *testing.T) {
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := old.Add(time.Hour)
	quiet := Channel{Name: "a", CreatedAt: old}
	busy := Channel{Name: "b", CreatedAt: old, LastMessageAt: &recent}
	if !LessChannel(busy, quiet) {
		t.Error("channel with recent activity should sort first")
	}
}

func TestMessage_Flags(t *testing.T) {
	now := time.Now()
	m := Message{ID: "m", ChannelID: "c", Body: "hi"}
	if !m.IsSystem() {
		t.Error("message without sender is a system message")
	}
	m.DeletedAt = &now
	if !m.IsDeleted() {
		t.Error("IsDeleted() = false")
	}
	if err := (&Message{ID: "m", ChannelID: "c", Body: " "}).Validate(); err == nil {
		t.Error("blank body should be rejected")
	}
}

func TestSameReadState(t *testing.T) {
	read := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := []Notification{{ID: "n1"}, {ID: "n2", ReadAt: &read}}
	b := []Notification{{ID: "n2", ReadAt: &read}, {ID: "n1", Title: "changed title"}}

	if !SameReadState(a, b) {
		t.Error("same ids and read state should compare equal regardless of order")
	}
	c := []Notification{{ID: "n1", ReadAt: &read}, {ID: "n2", ReadAt: &read}}
	if SameReadState(a, c) {
		t.Error("read state change should be detected")
	}
	if SameReadState(a, a[:1]) {
		t.Error("length change should be detected")
	}
	if SameReadState(a, []Notification{{ID: "n1"}, {ID: "n3"}}) {
		t.Error("id change should be detected")
	}
}

func TestRelink(t *testing.T) {
	task, changed := Task{ID: "t-1", ProjectID: "local-p", AssigneeID: "u-1", CreatedBy: "local-p"}.Relink("local-p", "p-1")
	if !changed || task.ProjectID != "p-1" || task.CreatedBy != "p-1" || task.AssigneeID != "u-1" {
		t.Errorf("Task.Relink() = %+v, %v", task, changed)
	}
	if _, changed := (Task{ID: "t-1"}).Relink("", "p-1"); changed {
		t.Error("empty reference was relinked")
	}

	msg, changed := Message{ChannelID: "c-1", ReplyTo: "local-m"}.Relink("local-m", "m-1")
	if !changed || msg.ReplyTo != "m-1" || msg.ChannelID != "c-1" {
		t.Errorf("Message.Relink() = %+v, %v", msg, changed)
	}
	if _, changed := (File{ProjectID: "p-2"}).Relink("local-p", "p-1"); changed {
		t.Error("unrelated file reported a change")
	}
}

package realtime

import (
	"context"
	"testing"
	"time"

	"homesync/internal/models"
	"homesync/internal/remote"
)

func item(id, content, addedBy string) models.ShoppingItem {
	return models.ShoppingItem{Ref: models.PersistedRef(id), Content: content, AddedBy: addedBy}
}

func TestFold_Created(t *testing.T) {
	m := ShoppingMerger("me")
	local := []models.ShoppingItem{item("a", "milk", "me")}

	tests := []struct {
		name      string
		record    models.ShoppingItem
		wantLen   int
		wantNote  bool
		wantApply bool
	}{
		{name: "own creation is ignored", record: item("b", "eggs", "me"), wantLen: 1},
		{name: "already present", record: item("a", "milk", "partner"), wantLen: 1},
		{name: "other user", record: item("c", "bread", "partner"), wantLen: 2, wantNote: true, wantApply: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, applied, note := m.Fold(local, remote.Change[models.ShoppingItem]{
				Action: remote.ActionCreated, ID: tt.record.ID, Record: tt.record,
			})
			if len(out) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(out), tt.wantLen)
			}
			if applied != tt.wantApply {
				t.Errorf("applied = %v, want %v", applied, tt.wantApply)
			}
			if (note != nil) != tt.wantNote {
				t.Errorf("notification = %v, want present=%v", note, tt.wantNote)
			}
			if note != nil && (note.Summary != "bread" || note.Actor != "partner") {
				t.Errorf("notification = %+v", note)
			}
		})
	}
	if len(local) != 1 {
		t.Error("Fold must not modify its input")
	}
}

func TestFold_UpdatedAndDeleted(t *testing.T) {
	m := TodoMerger("me")
	local := []models.TodoItem{
		{Ref: models.PersistedRef("a"), Content: "laundry", Owner: "me"},
		{Ref: models.PersistedRef("b"), Content: "vacuum", Owner: "partner"},
	}

	out, applied, _ := m.Fold(local, remote.Change[models.TodoItem]{
		Action: remote.ActionUpdated, ID: "b",
		Record: models.TodoItem{Ref: models.PersistedRef("b"), Content: "vacuum", Done: true, Owner: "partner"},
	})
	if !applied || !out[1].Done {
		t.Errorf("update not merged: %+v", out[1])
	}
	if local[1].Done {
		t.Error("Fold must not modify its input")
	}

	out, applied, _ = m.Fold(out, remote.Change[models.TodoItem]{
		Action: remote.ActionUpdated, ID: "zzz",
		Record: models.TodoItem{Ref: models.PersistedRef("zzz")},
	})
	if applied || len(out) != 2 {
		t.Errorf("update of unknown id applied=%v len=%d", applied, len(out))
	}

	out, applied, _ = m.Fold(out, remote.Change[models.TodoItem]{Action: remote.ActionDeleted, ID: "a"})
	if !applied || len(out) != 1 || out[0].ID != "b" {
		t.Errorf("delete result = %+v", out)
	}
}

func TestEventMerger_DeduplicatesExternalUID(t *testing.T) {
	m := EventMerger("me")
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	local := []models.Event{{Ref: models.PersistedRef("e1"), Title: "Dentist", Start: start, ExternalUID: "ics-42"}}

	_, applied, note := m.Fold(local, remote.Change[models.Event]{
		Action: remote.ActionCreated, ID: "e2",
		Record: models.Event{Ref: models.PersistedRef("e2"), Title: "Dentist", Start: start, CreatedBy: "partner", ExternalUID: "ics-42"},
	})
	if applied || note != nil {
		t.Error("event with known external UID must not be inserted twice")
	}
}

func TestQueue_RunsInOrder(t *testing.T) {
	q := NewQueue()
	var got []int
	for i := 0; i < 3; i++ {
		i := i
		q.Enqueue(func() {
			got = append(got, i)
			if i == 0 {
				q.Enqueue(func() { got = append(got, 99) })
			}
		})
	}
	if n := q.Drain(); n != 4 {
		t.Errorf("Drain ran %d tasks, want 4", n)
	}
	want := []int{0, 1, 2, 99}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestQueue_Run(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	ran := make(chan struct{})
	q.Enqueue(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	cancel()
	<-done
}

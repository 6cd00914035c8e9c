package diff

import (
	"slices"
	"sort"
	"testing"
	"time"

	"homesync/internal/models"
)

func todo(id, content string) models.TodoItem {
	return models.TodoItem{Ref: models.PersistedRef(id), Content: content, Owner: "u1"}
}

func ids[T models.Entity](items []T) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Key())
	}
	sort.Strings(out)
	return out
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name        string
		prior, next []models.TodoItem
		wantCreated []string
		wantUpdated []string
		wantDeleted []string
	}{
		{
			name: "empty snapshots",
		},
		{
			name:        "all new",
			next:        []models.TodoItem{todo("a", "milk"), todo("b", "eggs")},
			wantCreated: []string{"a", "b"},
		},
		{
			name:        "all removed",
			prior:       []models.TodoItem{todo("a", "milk"), todo("b", "eggs")},
			wantDeleted: []string{"a", "b"},
		},
		{
			name:  "unchanged entities are ignored",
			prior: []models.TodoItem{todo("a", "milk")},
			next:  []models.TodoItem{todo("a", "milk")},
		},
		{
			name:        "mixed",
			prior:       []models.TodoItem{todo("a", "milk"), todo("b", "eggs"), todo("c", "bread")},
			next:        []models.TodoItem{todo("b", "eggs"), todo("c", "rye bread"), todo("d", "butter")},
			wantCreated: []string{"d"},
			wantUpdated: []string{"c"},
			wantDeleted: []string{"a"},
		},
		{
			name:        "reordering is not an update",
			prior:       []models.TodoItem{todo("a", "milk"), todo("b", "eggs")},
			next:        []models.TodoItem{todo("b", "eggs"), todo("a", "milk")},
			wantCreated: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Compute(tt.prior, tt.next)
			if got := ids(res.Created); !equalIDs(got, tt.wantCreated) {
				t.Errorf("Created = %v, want %v", got, tt.wantCreated)
			}
			if got := ids(res.Updated); !equalIDs(got, tt.wantUpdated) {
				t.Errorf("Updated = %v, want %v", got, tt.wantUpdated)
			}
			got := slices.Clone(res.Deleted)
			sort.Strings(got)
			if !equalIDs(got, tt.wantDeleted) {
				t.Errorf("Deleted = %v, want %v", got, tt.wantDeleted)
			}
		})
	}
}

func TestCompute_DeepEquality(t *testing.T) {
	deadline := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	sameDeadline := deadline

	a := todo("a", "taxes")
	a.Deadline = &deadline
	b := todo("a", "taxes")
	b.Deadline = &sameDeadline

	if res := Compute([]models.TodoItem{a}, []models.TodoItem{b}); !res.Empty() {
		t.Errorf("distinct pointers to equal values reported as %d changes", res.Len())
	}

	later := deadline.Add(time.Hour)
	c := todo("a", "taxes")
	c.Deadline = &later
	if res := Compute([]models.TodoItem{a}, []models.TodoItem{c}); len(res.Updated) != 1 {
		t.Errorf("Updated = %d, want 1", len(res.Updated))
	}
}

func TestCompute_Partition(t *testing.T) {
	prior := []models.TodoItem{todo("a", "1"), todo("b", "2"), todo("c", "3"), todo("d", "4")}
	next := []models.TodoItem{todo("b", "2"), todo("c", "changed"), todo("e", "5"), todo("f", "6")}

	res := Compute(prior, next)

	// created ∪ updated = next - unchanged
	touched := append(ids(res.Created), ids(res.Updated)...)
	sort.Strings(touched)
	if want := []string{"c", "e", "f"}; !equalIDs(touched, want) {
		t.Errorf("created ∪ updated = %v, want %v", touched, want)
	}
	// deleted = prior - next
	deleted := slices.Clone(res.Deleted)
	sort.Strings(deleted)
	if want := []string{"a", "d"}; !equalIDs(deleted, want) {
		t.Errorf("deleted = %v, want %v", deleted, want)
	}
}

func equalIDs(got, want []string) bool {
	if len(got) == 0 && len(want) == 0 {
		return true
	}
	return slices.Equal(got, want)
}

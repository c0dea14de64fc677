package coordinator

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCollectionRegistryRegister verifies validation and normalization of
// registered contributor sets.
func TestCollectionRegistryRegister(t *testing.T) {
	tests := []struct {
		name         string
		collectionID string
		contributors []string
		wantErr      bool
		want         []string
	}{
		{
			name:         "valid collection",
			collectionID: "books",
			contributors: []string{"pillar-2", "pillar-1"},
			want:         []string{"pillar-1", "pillar-2"},
		},
		{
			name:         "duplicates collapsed",
			collectionID: "books",
			contributors: []string{"pillar-1", "pillar-1", "pillar-3"},
			want:         []string{"pillar-1", "pillar-3"},
		},
		{
			name:         "empty collection ID",
			contributors: []string{"pillar-1"},
			wantErr:      true,
		},
		{
			name:         "no contributors",
			collectionID: "books",
			wantErr:      true,
		},
		{
			name:         "empty contributor ID",
			collectionID: "books",
			contributors: []string{"pillar-1", ""},
			wantErr:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewCollectionRegistry()
			err := registry.Register(tt.collectionID, tt.contributors)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Empty(t, registry.GetAll())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, registry.Contributors(tt.collectionID))
		})
	}
}

// TestCollectionRegistryCopies verifies that callers cannot modify the
// registry through returned values.
func TestCollectionRegistryCopies(t *testing.T) {
	registry := NewCollectionRegistry()
	input := []string{"pillar-1", "pillar-2"}
	require.NoError(t, registry.Register("books", input))
	input[0] = "changed"

	col := registry.Get("books")
	require.NotNil(t, col)
	col.Contributors[1] = "changed"

	ids := registry.Contributors("books")
	ids[0] = "changed"

	assert.Equal(t, []string{"pillar-1", "pillar-2"}, registry.Contributors("books"))
}

// TestCollectionRegistryQueries covers lookups across collections.
func TestCollectionRegistryQueries(t *testing.T) {
	registry := NewCollectionRegistry()
	require.NoError(t, registry.Register("music", []string{"pillar-2", "pillar-3"}))
	require.NoError(t, registry.Register("books", []string{"pillar-1", "pillar-2"}))

	all := registry.GetAll()
	require.Len(t, all, 2)
	assert.Equal(t, "books", all[0].ID)
	assert.Equal(t, "music", all[1].ID)

	assert.Equal(t, []string{"pillar-1", "pillar-2", "pillar-3"}, registry.AllContributors())
	assert.Equal(t, []string{"books", "music"}, registry.CollectionsOf("pillar-2"))
	assert.Equal(t, []string{"music"}, registry.CollectionsOf("pillar-3"))
	assert.Empty(t, registry.CollectionsOf("pillar-9"))

	assert.Nil(t, registry.Get("films"))
	assert.Nil(t, registry.Contributors("films"))

	registry.Remove("music")
	registry.Remove("films")
	assert.Equal(t, []string{"pillar-1", "pillar-2"}, registry.AllContributors())
}

// TestCollectionRegistryConcurrentAccess runs registrations and reads in
// parallel; run with -race.
func TestCollectionRegistryConcurrentAccess(t *testing.T) {
	registry := NewCollectionRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("col-%d", i)
			assert.NoError(t, registry.Register(id, []string{fmt.Sprintf("pillar-%d", i)}))
		}(i)
		go func(i int) {
			defer wg.Done()
			_ = registry.GetAll()
			_ = registry.CollectionsOf(fmt.Sprintf("pillar-%d", i))
		}(i)
	}
	wg.Wait()

	assert.Len(t, registry.GetAll(), 10)
}

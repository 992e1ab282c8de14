package idcookie

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCollectionAdd tests insertion of parsed cookies
func TestCollectionAdd(t *testing.T) {
	tests := []struct {
		name    string
		models  []Model
		wantErr error
		wantLen int
	}{
		{
			name:    "distinct runs",
			models:  []Model{sampleModel(0, 1), sampleModel(1, 2)},
			wantLen: 2,
		},
		{
			name:    "same study result",
			models:  []Model{sampleModel(0, 1), sampleModel(1, 1)},
			wantErr: ErrAlreadyExists,
			wantLen: 1,
		},
		{
			name:    "same index",
			models:  []Model{sampleModel(0, 1), sampleModel(0, 2)},
			wantErr: ErrIndexInUse,
			wantLen: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coll := NewCollection()
			var err error
			for _, m := range tt.models {
				if e := coll.Add(m); e != nil {
					err = e
				}
			}
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantLen, coll.Len())
		})
	}
}

// TestNextFreeIndex tests slot allocation
func TestNextFreeIndex(t *testing.T) {
	coll := NewCollection()
	idx, err := coll.NextFreeIndex()
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	require.NoError(t, coll.Add(sampleModel(0, 1)))
	require.NoError(t, coll.Add(sampleModel(2, 2)))
	idx, err = coll.NextFreeIndex()
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	for i := 3; i < MaxSlots; i++ {
		require.NoError(t, coll.Add(sampleModel(i, int64(i+10))))
	}
	require.NoError(t, coll.Add(sampleModel(1, 99)))
	assert.True(t, coll.IsFull())
	_, err = coll.NextFreeIndex()
	assert.ErrorIs(t, err, ErrIndexOutOfBounds)
}

// TestCollectionPut tests insert and replace semantics
func TestCollectionPut(t *testing.T) {
	coll := NewCollection()
	require.NoError(t, coll.Put(sampleModel(0, 1)))

	other := sampleModel(0, 2)
	assert.ErrorIs(t, coll.Put(other), ErrIndexInUse)

	replaced := sampleModel(0, 1)
	replaced.ComponentID = 44
	require.NoError(t, coll.Put(replaced))
	got, ok := coll.Get(1)
	require.True(t, ok)
	assert.Equal(t, int64(44), got.ComponentID)
	assert.Equal(t, 1, coll.Len())
}

// TestCollectionAllOrdered tests that All returns cookies by slot index
func TestCollectionAllOrdered(t *testing.T) {
	coll := NewCollection()
	require.NoError(t, coll.Add(sampleModel(4, 1)))
	require.NoError(t, coll.Add(sampleModel(1, 2)))
	require.NoError(t, coll.Add(sampleModel(7, 3)))

	assert.Equal(t, []int64{2, 1, 3}, coll.StudyResultIDs())
}

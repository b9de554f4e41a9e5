package composite

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailsim/internal/domain/model"
)

type fakeStore struct {
	err    error
	saved  []string
	closed bool
}

func (f *fakeStore) SavePosition(ctx context.Context, pos *model.Position) error {
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, pos.StateKey)
	return nil
}

func (f *fakeStore) GetPosition(ctx context.Context, key string) (*model.Position, error) {
	for _, k := range f.saved {
		if k == key {
			return &model.Position{StateKey: k}, nil
		}
	}
	return nil, model.ErrNotFound
}

func (f *fakeStore) ListPositions(ctx context.Context, statuses ...model.Status) ([]*model.Position, error) {
	return nil, nil
}

func (f *fakeStore) Close() error {
	f.closed = true
	return nil
}

func TestCompositePrimaryFailureAborts(t *testing.T) {
	primary := &fakeStore{err: errors.New("disk full")}
	replica := &fakeStore{}
	repo := New(primary, replica)

	err := repo.SavePosition(context.Background(), &model.Position{StateKey: "K"})
	require.Error(t, err)
	assert.Empty(t, replica.saved, "replica must not run ahead of the primary")
}

func TestCompositeReplicaFailureIgnored(t *testing.T) {
	primary := &fakeStore{}
	broken := &fakeStore{err: errors.New("redis down")}
	healthy := &fakeStore{}
	repo := New(primary, nil, broken, healthy)

	require.NoError(t, repo.SavePosition(context.Background(), &model.Position{StateKey: "K"}))
	assert.Equal(t, []string{"K"}, primary.saved)
	assert.Equal(t, []string{"K"}, healthy.saved)

	got, err := repo.GetPosition(context.Background(), "K")
	require.NoError(t, err)
	assert.Equal(t, "K", got.StateKey)

	require.NoError(t, repo.Close())
	assert.True(t, primary.closed)
	assert.True(t, healthy.closed)
}

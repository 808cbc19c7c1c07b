package brake

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFlagStore struct {
	value string
	has   bool
}

func (f *fakeFlagStore) GetSystemFlag(ctx context.Context, key string) (string, error) {
	if !f.has {
		return "", errNotFound
	}
	return f.value, nil
}

func (f *fakeFlagStore) SetSystemFlag(ctx context.Context, key, value string) error {
	f.value = value
	f.has = true
	return nil
}

type errSentinel string

func (e errSentinel) Error() string { return string(e) }

const errNotFound = errSentinel("not found")

type fakeAuditSink struct {
	actions []string
}

func (f *fakeAuditSink) RecordAudit(ctx context.Context, action string, scopes []string) error {
	f.actions = append(f.actions, action)
	return nil
}

func TestBrake_DefaultsToDisengaged(t *testing.T) {
	b, err := New(context.Background(), &fakeFlagStore{}, nil)
	require.NoError(t, err)
	assert.False(t, b.State().Engaged)
	assert.False(t, b.IsBlocked("skills"))
}

func TestBrake_EngageGlobalBlocksEverything(t *testing.T) {
	b, err := New(context.Background(), &fakeFlagStore{}, nil)
	require.NoError(t, err)
	require.NoError(t, b.Engage(context.Background()))

	assert.True(t, b.IsBlocked("skills"))
	assert.True(t, b.IsBlocked("sight"))
	assert.True(t, b.IsBlocked("anything"))
}

func TestBrake_EngageScopedBlocksOnlyThatScope(t *testing.T) {
	b, err := New(context.Background(), &fakeFlagStore{}, nil)
	require.NoError(t, err)
	require.NoError(t, b.Engage(context.Background(), "skills"))

	assert.True(t, b.IsBlocked("skills"))
	assert.False(t, b.IsBlocked("sight"))
}

func TestBrake_DisengageClearsState(t *testing.T) {
	b, err := New(context.Background(), &fakeFlagStore{}, nil)
	require.NoError(t, err)
	require.NoError(t, b.Engage(context.Background()))
	require.NoError(t, b.Disengage(context.Background()))

	assert.False(t, b.IsBlocked("skills"))
	assert.False(t, b.State().Engaged)
}

func TestBrake_StatePersistsAcrossReload(t *testing.T) {
	store := &fakeFlagStore{}
	b, err := New(context.Background(), store, nil)
	require.NoError(t, err)
	require.NoError(t, b.Engage(context.Background(), "voice"))

	reloaded, err := New(context.Background(), store, nil)
	require.NoError(t, err)
	assert.True(t, reloaded.IsBlocked("voice"))
	assert.False(t, reloaded.IsBlocked("sight"))
}

func TestBrake_AuditSinkOptional(t *testing.T) {
	b, err := New(context.Background(), &fakeFlagStore{}, nil)
	require.NoError(t, err)
	assert.NoError(t, b.Engage(context.Background()), "engaging without an audit sink must not error")
}

func TestBrake_AuditSinkRecordsTransitions(t *testing.T) {
	sink := &fakeAuditSink{}
	b, err := New(context.Background(), &fakeFlagStore{}, sink)
	require.NoError(t, err)

	require.NoError(t, b.Engage(context.Background()))
	require.NoError(t, b.Disengage(context.Background()))

	assert.Equal(t, []string{"engaged", "disengaged"}, sink.actions)
}

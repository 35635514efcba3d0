package inventory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/davidroman0O/metalflow/errors"
)

func openMemory(t *testing.T) *BadgerStore {
	s, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpdateCreatesAndMerges(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "10.0.0.5")
	assert.True(t, merrors.IsNotFound(err))

	rec, err := s.Update(ctx, "10.0.0.5", func(r *Record) error {
		r.Status = StatusDiscovered
		r.Hardware = &Hardware{Manufacturer: "Dell Inc.", Model: "PowerEdge R650", MemoryGiB: 512}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", rec.Address)
	assert.False(t, rec.UpdatedAt.IsZero())

	_, err = s.Update(ctx, "10.0.0.5", func(r *Record) error {
		r.Status = StatusConfigured
		r.BIOSSettings = map[string]string{"BootMode": "Uefi"}
		return nil
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, StatusConfigured, got.Status)
	assert.Equal(t, "PowerEdge R650", got.Hardware.Model)
	assert.Equal(t, "Uefi", got.BIOSSettings["BootMode"])
}

func TestUpdateCallbackErrorAborts(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	boom := errors.New("boom")
	_, err := s.Update(ctx, "10.0.0.6", func(r *Record) error {
		r.Status = StatusFailed
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.Get(ctx, "10.0.0.6")
	assert.True(t, merrors.IsNotFound(err))
}

func TestList(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	for _, addr := range []string{"10.0.0.9", "10.0.0.1"} {
		_, err := s.Update(ctx, addr, func(r *Record) error { return nil })
		require.NoError(t, err)
	}

	recs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "10.0.0.1", recs[0].Address)
	assert.Equal(t, StatusUnknown, recs[1].Status)

	_, err = s.Update(ctx, "", func(r *Record) error { return nil })
	assert.Equal(t, merrors.ErrInvalidInput, merrors.GetCode(err))
}

func TestOnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	_, err = s.Update(context.Background(), "10.0.0.5", func(r *Record) error {
		r.DeviceType = "r650"
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	rec, err := s.Get(context.Background(), "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "r650", rec.DeviceType)
}

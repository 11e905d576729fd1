package repository_test

import (
	"context"
	"testing"
	"time"

	"farmsense-ingest/internal/models"
	"farmsense-ingest/internal/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newDevicesRepo(t *testing.T) (*repository.DevicesRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return repository.NewDevicesRepository(db, zap.NewNop()), mock
}

func TestDevicesRepository_GetDevice(t *testing.T) {
	repo, mock := newDevicesRepo(t)
	lastSeen := time.Date(2026, 8, 26, 9, 30, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT device_id, tenant_id, sample_interval_minutes, active, last_seen").
		WithArgs("green-01").
		WillReturnRows(sqlmock.NewRows(
			[]string{"device_id", "tenant_id", "sample_interval_minutes", "active", "last_seen"},
		).AddRow("green-01", "tenant-a", 5, true, lastSeen))

	device, err := repo.GetDevice(context.Background(), "green-01")
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", device.TenantID)
	assert.Equal(t, 5*time.Minute, device.SampleInterval)
	assert.True(t, device.Active)
	require.NotNil(t, device.LastSeen)
	assert.Equal(t, lastSeen, *device.LastSeen)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDevicesRepository_GetDeviceNotFound(t *testing.T) {
	repo, mock := newDevicesRepo(t)

	mock.ExpectQuery("SELECT device_id, tenant_id, sample_interval_minutes, active, last_seen").
		WithArgs("missing-99").
		WillReturnRows(sqlmock.NewRows(
			[]string{"device_id", "tenant_id", "sample_interval_minutes", "active", "last_seen"},
		))

	_, err := repo.GetDevice(context.Background(), "missing-99")
	assert.ErrorIs(t, err, models.ErrUnknownDevice)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDevicesRepository_UpsertDevice(t *testing.T) {
	repo, mock := newDevicesRepo(t)

	mock.ExpectExec("INSERT INTO devices").
		WithArgs("green-01", "tenant-a", 5).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpsertDevice(context.Background(), "green-01", "tenant-a", 5)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDevicesRepository_DeactivateDevice(t *testing.T) {
	repo, mock := newDevicesRepo(t)

	mock.ExpectExec("UPDATE devices SET active = false").
		WithArgs("green-01").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.DeactivateDevice(context.Background(), "green-01")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDevicesRepository_ListActiveDevices(t *testing.T) {
	repo, mock := newDevicesRepo(t)

	mock.ExpectQuery("SELECT device_id, tenant_id, sample_interval_minutes, active, last_seen").
		WillReturnRows(sqlmock.NewRows(
			[]string{"device_id", "tenant_id", "sample_interval_minutes", "active", "last_seen"},
		).
			AddRow("green-01", "tenant-a", 1, true, nil).
			AddRow("barn-01", "tenant-b", 30, true, time.Now()))

	devices, err := repo.ListActiveDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, time.Minute, devices[0].SampleInterval)
	assert.Nil(t, devices[0].LastSeen)
	assert.Equal(t, 30*time.Minute, devices[1].SampleInterval)
	assert.NotNil(t, devices[1].LastSeen)

	assert.NoError(t, mock.ExpectationsWereMet())
}

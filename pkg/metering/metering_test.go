package metering_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regentlabs/regent/pkg/metering"
)

func TestMeter_RecordAndGetUsage(t *testing.T) {
	meter := metering.NewMemoryMeter()
	ctx := context.Background()
	tenantID := "tenant-123"

	events := []metering.Event{
		{TenantID: tenantID, EventType: metering.EventExecution, Quantity: 1},
		{TenantID: tenantID, EventType: metering.EventExecution, Quantity: 1},
		{TenantID: tenantID, EventType: metering.EventPersistedByte, Quantity: 1500},
		{TenantID: tenantID, EventType: metering.EventOutboxPublish, Quantity: 3},
	}
	for _, e := range events {
		require.NoError(t, meter.Record(ctx, e))
	}

	usage, err := meter.GetUsage(ctx, tenantID, metering.DailyPeriod())
	require.NoError(t, err)

	assert.Equal(t, tenantID, usage.TenantID)
	assert.Equal(t, int64(2), usage.Totals[metering.EventExecution])
	assert.Equal(t, int64(1500), usage.Totals[metering.EventPersistedByte])
	assert.Equal(t, int64(3), usage.Totals[metering.EventOutboxPublish])
}

func TestMeter_GetUsageByType(t *testing.T) {
	meter := metering.NewMemoryMeter()
	ctx := context.Background()
	tenantID := "tenant-456"

	require.NoError(t, meter.RecordBatch(ctx, []metering.Event{
		{TenantID: tenantID, EventType: metering.EventExecution, Quantity: 10},
		{TenantID: tenantID, EventType: metering.EventExecution, Quantity: 5},
		{TenantID: tenantID, EventType: metering.EventStateWrite, Quantity: 100},
	}))

	executions, err := meter.GetUsageByType(ctx, tenantID, metering.EventExecution, metering.DailyPeriod())
	require.NoError(t, err)
	assert.Equal(t, int64(15), executions)
}

func TestMeter_TenantIsolation(t *testing.T) {
	meter := metering.NewMemoryMeter()
	ctx := context.Background()

	_ = meter.Record(ctx, metering.Event{TenantID: "tenant-a", EventType: metering.EventExecution, Quantity: 100})
	_ = meter.Record(ctx, metering.Event{TenantID: "tenant-b", EventType: metering.EventExecution, Quantity: 50})

	usageA, _ := meter.GetUsage(ctx, "tenant-a", metering.DailyPeriod())
	usageB, _ := meter.GetUsage(ctx, "tenant-b", metering.DailyPeriod())

	assert.Equal(t, int64(100), usageA.Totals[metering.EventExecution])
	assert.Equal(t, int64(50), usageB.Totals[metering.EventExecution])
}

func TestMeter_Validation(t *testing.T) {
	meter := metering.NewMemoryMeter()
	ctx := context.Background()

	err := meter.Record(ctx, metering.Event{EventType: metering.EventExecution, Quantity: 1})
	assert.ErrorIs(t, err, metering.ErrEmptyTenantID)

	err = meter.Record(ctx, metering.Event{TenantID: "t", EventType: metering.EventExecution, Quantity: -1})
	assert.ErrorIs(t, err, metering.ErrNegativeQuantity)

	err = meter.Record(ctx, metering.Event{TenantID: "t", Quantity: 1})
	assert.ErrorIs(t, err, metering.ErrInvalidEventType)
}

func TestPeriods(t *testing.T) {
	daily := metering.DailyPeriod()
	assert.True(t, daily.End.Sub(daily.Start) == 24*time.Hour)

	monthly := metering.MonthlyPeriod()
	assert.True(t, monthly.Start.Day() == 1)
	assert.True(t, monthly.End.After(monthly.Start))
}

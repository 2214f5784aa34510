package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fraware/accountabilitylayer/pkg/models"
)

// runLogStoreSuite exercises the LogStore contract. Both implementations
// run it; the Postgres variant is behind the integration build tag.
func runLogStoreSuite(t *testing.T, newStore func(t *testing.T) LogStore) {
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	mkLog := func(agentID string, stepID int64, ts time.Time) *models.DecisionLog {
		return &models.DecisionLog{
			AgentID:       agentID,
			StepID:        stepID,
			TraceID:       "trace-" + agentID,
			Timestamp:     ts,
			InputData:     map[string]any{"query": "check disk usage"},
			Output:        map[string]any{"action": "alert"},
			Reasoning:     "disk usage above threshold, alerting the on-call",
			Status:        models.StatusSuccess,
			Version:       1,
			RetentionTier: models.TierHot,
			ContentHash:   "hash-placeholder",
		}
	}

	t.Run("insert and get round trip", func(t *testing.T) {
		s := newStore(t)
		in := mkLog("agent-1", 1, base)
		require.NoError(t, s.Insert(ctx, in))
		assert.False(t, in.CreatedAt.IsZero())

		got, err := s.Get(ctx, "agent-1", 1)
		require.NoError(t, err)
		assert.Equal(t, in.AgentID, got.AgentID)
		assert.Equal(t, in.StepID, got.StepID)
		assert.Equal(t, "check disk usage", got.InputData["query"])
		assert.Equal(t, models.StatusSuccess, got.Status)
		assert.Equal(t, 1, got.Version)
		assert.Equal(t, models.TierHot, got.RetentionTier)
	})

	t.Run("duplicate insert", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, mkLog("agent-1", 1, base)))
		err := s.Insert(ctx, mkLog("agent-1", 1, base.Add(time.Minute)))
		assert.ErrorIs(t, err, ErrDuplicate)

		// Same step id under another agent is fine.
		assert.NoError(t, s.Insert(ctx, mkLog("agent-2", 1, base)))
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "nobody", 99)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list by agent newest first", func(t *testing.T) {
		s := newStore(t)
		for i := int64(1); i <= 5; i++ {
			require.NoError(t, s.Insert(ctx, mkLog("agent-1", i, base.Add(time.Duration(i)*time.Minute))))
		}
		require.NoError(t, s.Insert(ctx, mkLog("agent-2", 1, base)))

		res, err := s.ListByAgent(ctx, "agent-1", models.ListParams{Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 5, res.TotalCount)
		require.Len(t, res.Logs, 2)
		assert.Equal(t, int64(5), res.Logs[0].StepID)
		assert.Equal(t, int64(4), res.Logs[1].StepID)

		page2, err := s.ListByAgent(ctx, "agent-1", models.ListParams{Page: 2, Limit: 2})
		require.NoError(t, err)
		require.Len(t, page2.Logs, 2)
		assert.Equal(t, int64(3), page2.Logs[0].StepID)

		asc, err := s.ListByAgent(ctx, "agent-1", models.ListParams{SortOrder: "asc", Limit: 1})
		require.NoError(t, err)
		require.Len(t, asc.Logs, 1)
		assert.Equal(t, int64(1), asc.Logs[0].StepID)
	})

	t.Run("search filters", func(t *testing.T) {
		s := newStore(t)
		now := time.Now().UTC()

		ok := mkLog("agent-1", 1, now.Add(-time.Hour))
		require.NoError(t, s.Insert(ctx, ok))

		anomalous := mkLog("agent-1", 2, now.Add(-2*time.Hour))
		anomalous.Status = models.StatusAnomaly
		anomalous.Reasoning = "unexpected error talking to the billing backend"
		require.NoError(t, s.Insert(ctx, anomalous))

		other := mkLog("agent-2", 1, now.Add(-time.Hour))
		require.NoError(t, s.Insert(ctx, other))

		old := mkLog("agent-1", 3, now.Add(-40*24*time.Hour))
		require.NoError(t, s.Insert(ctx, old))

		t.Run("default range excludes old logs", func(t *testing.T) {
			res, err := s.Search(ctx, models.SearchFilters{AgentID: "agent-1"})
			require.NoError(t, err)
			assert.Equal(t, 2, res.TotalCount)
		})

		t.Run("explicit range includes them", func(t *testing.T) {
			from := now.Add(-60 * 24 * time.Hour)
			to := now.Add(time.Minute)
			res, err := s.Search(ctx, models.SearchFilters{AgentID: "agent-1", FromDate: &from, ToDate: &to})
			require.NoError(t, err)
			assert.Equal(t, 3, res.TotalCount)
		})

		t.Run("status filter", func(t *testing.T) {
			res, err := s.Search(ctx, models.SearchFilters{Status: models.StatusAnomaly})
			require.NoError(t, err)
			require.Equal(t, 1, res.TotalCount)
			assert.Equal(t, int64(2), res.Logs[0].StepID)
		})

		t.Run("keyword is case insensitive", func(t *testing.T) {
			res, err := s.Search(ctx, models.SearchFilters{Keyword: "BILLING"})
			require.NoError(t, err)
			assert.Equal(t, 1, res.TotalCount)
		})

		t.Run("reviewed filter", func(t *testing.T) {
			reviewed := true
			res, err := s.Search(ctx, models.SearchFilters{Reviewed: &reviewed})
			require.NoError(t, err)
			assert.Equal(t, 0, res.TotalCount)
		})

		t.Run("newest first ordering", func(t *testing.T) {
			res, err := s.Search(ctx, models.SearchFilters{AgentID: "agent-1"})
			require.NoError(t, err)
			require.Len(t, res.Logs, 2)
			assert.True(t, res.Logs[0].Timestamp.After(res.Logs[1].Timestamp))
		})
	})

	t.Run("summary", func(t *testing.T) {
		s := newStore(t)
		a := mkLog("agent-1", 1, base)
		require.NoError(t, s.Insert(ctx, a))

		b := mkLog("agent-1", 2, base.Add(time.Hour))
		b.Status = models.StatusFailure
		require.NoError(t, s.Insert(ctx, b))

		c := mkLog("agent-1", 3, base.Add(2*time.Hour))
		c.Status = models.StatusAnomaly
		require.NoError(t, s.Insert(ctx, c))

		c.Reviewed = true
		c.Version = 2
		require.NoError(t, s.Update(ctx, c, 1))

		sum, err := s.Summary(ctx, "agent-1", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, sum.Total)
		assert.Equal(t, 1, sum.ByStatus[models.StatusSuccess])
		assert.Equal(t, 1, sum.ByStatus[models.StatusFailure])
		assert.Equal(t, 1, sum.ByStatus[models.StatusAnomaly])
		assert.Equal(t, 1, sum.Reviewed)
		assert.Equal(t, 2, sum.Pending)
		require.NotNil(t, sum.FromDate)
		require.NotNil(t, sum.ToDate)
		assert.True(t, sum.ToDate.After(*sum.FromDate))

		t.Run("bounded range", func(t *testing.T) {
			from := base.Add(30 * time.Minute)
			to := base.Add(90 * time.Minute)
			sum, err := s.Summary(ctx, "agent-1", &from, &to)
			require.NoError(t, err)
			assert.Equal(t, 1, sum.Total)
			assert.Equal(t, 1, sum.ByStatus[models.StatusFailure])
			assert.Equal(t, 1, sum.Pending)
		})

		t.Run("open lower bound", func(t *testing.T) {
			to := base.Add(time.Minute)
			sum, err := s.Summary(ctx, "agent-1", nil, &to)
			require.NoError(t, err)
			assert.Equal(t, 1, sum.Total)
			assert.Equal(t, 1, sum.ByStatus[models.StatusSuccess])
		})

		t.Run("open upper bound", func(t *testing.T) {
			from := base.Add(time.Hour)
			sum, err := s.Summary(ctx, "agent-1", &from, nil)
			require.NoError(t, err)
			assert.Equal(t, 2, sum.Total)
			assert.Equal(t, 1, sum.Reviewed)
		})
	})

	t.Run("update with version check", func(t *testing.T) {
		s := newStore(t)
		l := mkLog("agent-1", 1, base)
		require.NoError(t, s.Insert(ctx, l))

		l.Reviewed = true
		l.ReviewComments = "looks correct"
		l.Version = 2
		l.ContentHash = "hash-v2"
		require.NoError(t, s.Update(ctx, l, 1))

		got, err := s.Get(ctx, "agent-1", 1)
		require.NoError(t, err)
		assert.True(t, got.Reviewed)
		assert.Equal(t, "looks correct", got.ReviewComments)
		assert.Equal(t, 2, got.Version)
		assert.Equal(t, "hash-v2", got.ContentHash)

		t.Run("stale version", func(t *testing.T) {
			stale := *l
			stale.Version = 2
			assert.ErrorIs(t, s.Update(ctx, &stale, 1), ErrVersionConflict)
		})

		t.Run("missing row", func(t *testing.T) {
			gone := mkLog("agent-9", 9, base)
			assert.ErrorIs(t, s.Update(ctx, gone, 1), ErrNotFound)
		})
	})

	t.Run("retier due", func(t *testing.T) {
		s := newStore(t)
		now := time.Now().UTC()

		fresh := mkLog("agent-1", 1, now.Add(-24*time.Hour))
		require.NoError(t, s.Insert(ctx, fresh))

		aging := mkLog("agent-1", 2, now.Add(-45*24*time.Hour))
		require.NoError(t, s.Insert(ctx, aging))

		ancient := mkLog("agent-1", 3, now.Add(-400*24*time.Hour))
		require.NoError(t, s.Insert(ctx, ancient))

		moved, err := s.RetierDue(ctx, now, 30, 365)
		require.NoError(t, err)
		assert.Equal(t, int64(2), moved)

		got1, _ := s.Get(ctx, "agent-1", 1)
		got2, _ := s.Get(ctx, "agent-1", 2)
		got3, _ := s.Get(ctx, "agent-1", 3)
		assert.Equal(t, models.TierHot, got1.RetentionTier)
		assert.Equal(t, models.TierWarm, got2.RetentionTier)
		assert.Equal(t, models.TierCold, got3.RetentionTier)

		// Second sweep is a no-op.
		moved, err = s.RetierDue(ctx, now, 30, 365)
		require.NoError(t, err)
		assert.Zero(t, moved)
	})

	t.Run("expire cold", func(t *testing.T) {
		s := newStore(t)
		now := time.Now().UTC()

		cold := mkLog("agent-1", 1, now.Add(-500*24*time.Hour))
		cold.RetentionTier = models.TierCold
		require.NoError(t, s.Insert(ctx, cold))

		warm := mkLog("agent-1", 2, now.Add(-100*24*time.Hour))
		warm.RetentionTier = models.TierWarm
		require.NoError(t, s.Insert(ctx, warm))

		deleted, err := s.ExpireCold(ctx, now.Add(-450*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		_, err = s.Get(ctx, "agent-1", 1)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Get(ctx, "agent-1", 2)
		assert.NoError(t, err, "non-cold logs are never expired")
	})
}

package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sua-org/cam-counter/internal/core"
	"github.com/sua-org/cam-counter/internal/metrics"
	"github.com/sua-org/cam-counter/internal/store"
)

// counterColumns segue a ordem de counterFields.
var counterColumns = []string{
	"people_in", "people_out", "people_events",
	"face_events", "faces_total",
	"male", "female", "gender_unknown",
	"glasses_yes", "glasses_no", "glasses_unknown",
	"age_child", "age_teen", "age_young_adult", "age_middle_age", "age_senior", "age_unknown",
}

func counterFields(c *core.Counters) []any {
	return []any{
		&c.PeopleIn, &c.PeopleOut, &c.PeopleEvents,
		&c.FaceEvents, &c.FacesTotal,
		&c.Male, &c.Female, &c.GenderUnknown,
		&c.GlassesYes, &c.GlassesNo, &c.GlassesUnknown,
		&c.AgeChild, &c.AgeTeen, &c.AgeYoungAdult, &c.AgeMiddleAge, &c.AgeSenior, &c.AgeUnknown,
	}
}

func counterValues(c core.Counters) []any {
	ptrs := counterFields(&c)
	out := make([]any, len(ptrs))
	for i, p := range ptrs {
		out[i] = *(p.(*int64))
	}
	return out
}

var addRollupSQL = buildAddRollupSQL()

// buildAddRollupSQL monta o insert-or-accumulate: cada contador soma o
// valor novo e last_event_at fica com o maior.
func buildAddRollupSQL() string {
	cols := append([]string{"granularity", "device_id", "channel_no", "bucket_start"}, counterColumns...)
	cols = append(cols, "last_event_at")

	sets := make([]string, 0, len(counterColumns)+1)
	for _, c := range counterColumns {
		sets = append(sets, fmt.Sprintf("%s = rollup_buckets.%s + excluded.%s", c, c, c))
	}
	sets = append(sets, "last_event_at = greatest(rollup_buckets.last_event_at, excluded.last_event_at)")

	return fmt.Sprintf(`INSERT INTO rollup_buckets (%s) VALUES (%s)
		ON CONFLICT (granularity, device_id, channel_no, bucket_start) DO UPDATE SET %s`,
		strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "),
		strings.Join(sets, ", "))
}

// AddRollups soma c em todos os buckets numa transação só: ou todos
// recebem o incremento ou nenhum.
func (db *DB) AddRollups(ctx context.Context, keys []core.RollupKey, c core.Counters, lastEventAt time.Time) error {
	if len(keys) == 0 {
		return nil
	}
	locks := make([]string, 0, len(keys))
	for _, key := range keys {
		locks = append(locks, fmt.Sprintf("rollup:%s:%s:%d:%d", key.Granularity, key.DeviceID, key.ChannelNo, key.BucketStart.UTC().Unix()))
	}
	// ordem fixa para dois writers não se travarem
	sort.Strings(locks)
	for i, k := range locks {
		if i > 0 && k == locks[i-1] {
			continue
		}
		mu := db.lockRow(k)
		defer mu.Unlock()
	}

	values := counterValues(c)
	err := db.withTx(ctx, "add_rollups", func(ctx context.Context, tx *sql.Tx) error {
		for _, key := range keys {
			args := []any{string(key.Granularity), key.DeviceID, key.ChannelNo, key.BucketStart.UTC()}
			args = append(args, values...)
			args = append(args, lastEventAt.UTC())
			if _, err := tx.ExecContext(ctx, addRollupSQL, args...); err != nil {
				return fmt.Errorf("%s bucket: %w", key.Granularity, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("add rollups: %w", err)
	}
	return nil
}

func (db *DB) DeleteRollups(ctx context.Context, deviceID string, channelNo int) error {
	err := db.withRetry(ctx, "delete_rollups", func(ctx context.Context) error {
		_, err := db.conn.ExecContext(ctx,
			`DELETE FROM rollup_buckets WHERE device_id = ? AND channel_no = ?`, deviceID, channelNo)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete rollups: %w", err)
	}
	return nil
}

func (db *DB) ClearRollups(ctx context.Context) error {
	err := db.withRetry(ctx, "clear_rollups", func(ctx context.Context) error {
		_, err := db.conn.ExecContext(ctx, `DELETE FROM rollup_buckets`)
		return err
	})
	if err != nil {
		return fmt.Errorf("clear rollups: %w", err)
	}
	return nil
}

func (db *DB) QueryRollups(ctx context.Context, q store.RollupQuery) ([]core.RollupBucket, error) {
	start := time.Now()
	defer metrics.ObserveQuery("query_rollups", start)
	if err := db.ready(ctx); err != nil {
		return nil, err
	}

	where := []string{"granularity = ?"}
	args := []any{string(q.Granularity)}
	if q.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, q.DeviceID)
	}
	if !q.From.IsZero() {
		where = append(where, "bucket_start >= ?")
		args = append(args, q.From.UTC())
	}
	if !q.To.IsZero() {
		where = append(where, "bucket_start < ?")
		args = append(args, q.To.UTC())
	}

	query := fmt.Sprintf(`SELECT granularity, device_id, channel_no, bucket_start, %s, last_event_at
		FROM rollup_buckets WHERE %s
		ORDER BY bucket_start, device_id, channel_no`,
		strings.Join(counterColumns, ", "), strings.Join(where, " AND "))

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rollups: %w", err)
	}
	defer rows.Close()

	var out []core.RollupBucket
	for rows.Next() {
		var (
			b    core.RollupBucket
			gran string
			last sql.NullTime
		)
		dest := append([]any{&gran, &b.DeviceID, &b.ChannelNo, &b.BucketStart}, counterFields(&b.Counters)...)
		dest = append(dest, &last)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan rollup: %w", err)
		}
		b.Granularity = core.Granularity(gran)
		b.BucketStart = b.BucketStart.UTC()
		if last.Valid {
			b.LastEventAt = last.Time.UTC()
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

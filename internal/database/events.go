package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/sua-org/cam-counter/internal/core"
	"github.com/sua-org/cam-counter/internal/metrics"
)

func payloadColumn(raw []byte) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

// InsertPeopleCounts grava as linhas de um payload numa transação só.
func (db *DB) InsertPeopleCounts(ctx context.Context, evs []core.PeopleCountEvent) error {
	if len(evs) == 0 {
		return nil
	}
	err := db.withTx(ctx, "insert_people_counts", func(ctx context.Context, tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO people_count_events (id, device_id, channel_no, line_id, in_count, out_count, event_time, raw_payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		defer stmt.Close()

		for _, ev := range evs {
			if _, err := stmt.ExecContext(ctx,
				ev.ID, ev.DeviceID, ev.ChannelNo, ev.LineID, ev.In, ev.Out, ev.EventTime.UTC(), payloadColumn(ev.RawPayload)); err != nil {
				return fmt.Errorf("line %d: %w", ev.LineID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert people count: %w", err)
	}
	return nil
}

func (db *DB) InsertFaceEvent(ctx context.Context, ev core.FaceEvent) error {
	err := db.withRetry(ctx, "insert_face_event", func(ctx context.Context) error {
		_, err := db.conn.ExecContext(ctx, `
			INSERT INTO face_events (id, device_id, channel_no, faces_detected, event_time, raw_payload)
			VALUES (?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.DeviceID, ev.ChannelNo, ev.FacesDetected, ev.EventTime.UTC(), payloadColumn(ev.RawPayload))
		return err
	})
	if err != nil {
		return fmt.Errorf("insert face event: %w", err)
	}
	return nil
}

func (db *DB) InsertFaceAttribute(ctx context.Context, attr core.FaceAttribute) error {
	var extra sql.NullString
	if len(attr.Extra) > 0 {
		b, err := json.Marshal(attr.Extra)
		if err != nil {
			return fmt.Errorf("encode face extra: %w", err)
		}
		extra = sql.NullString{String: string(b), Valid: true}
	}

	err := db.withRetry(ctx, "insert_face_attribute", func(ctx context.Context) error {
		_, err := db.conn.ExecContext(ctx, `
			INSERT INTO face_attributes (id, face_event_id, face_id, age, age_range, gender, glasses, mask, extra)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			attr.ID, attr.FaceEventID, nullString(attr.FaceID), nullInt(attr.Age), nullString(attr.AgeRange),
			nullString(attr.Gender), nullString(attr.Glasses), nullString(attr.Mask), extra)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert face attribute: %w", err)
	}
	return nil
}

// ScanEvents lê o log inteiro em ordem de event_time. As linhas são
// carregadas antes de chamar fn para não segurar conexões durante o replay.
func (db *DB) ScanEvents(ctx context.Context, fn func(core.LoggedEvent) error) error {
	if err := db.ready(ctx); err != nil {
		return err
	}
	start := time.Now()
	people, err := db.loadPeople(ctx)
	if err != nil {
		return err
	}
	faces, err := db.loadFaces(ctx)
	if err != nil {
		return err
	}
	attrs, err := db.loadAttributes(ctx)
	if err != nil {
		return err
	}
	metrics.ObserveQuery("scan_events", start)

	events := make([]core.LoggedEvent, 0, len(people)+len(faces))
	for i := range people {
		events = append(events, core.LoggedEvent{People: &people[i]})
	}
	for i := range faces {
		events = append(events, core.LoggedEvent{Face: &faces[i], Attributes: attrs[faces[i].ID]})
	}
	sort.SliceStable(events, func(i, j int) bool {
		return eventTime(events[i]).Before(eventTime(events[j]))
	})

	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func eventTime(ev core.LoggedEvent) time.Time {
	if ev.People != nil {
		return ev.People.EventTime
	}
	return ev.Face.EventTime
}

func (db *DB) loadPeople(ctx context.Context) ([]core.PeopleCountEvent, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, device_id, channel_no, line_id, in_count, out_count, event_time
		FROM people_count_events ORDER BY event_time`)
	if err != nil {
		return nil, fmt.Errorf("scan people events: %w", err)
	}
	defer rows.Close()

	var out []core.PeopleCountEvent
	for rows.Next() {
		var ev core.PeopleCountEvent
		if err := rows.Scan(&ev.ID, &ev.DeviceID, &ev.ChannelNo, &ev.LineID, &ev.In, &ev.Out, &ev.EventTime); err != nil {
			return nil, fmt.Errorf("scan people event: %w", err)
		}
		ev.EventTime = ev.EventTime.UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (db *DB) loadFaces(ctx context.Context) ([]core.FaceEvent, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, device_id, channel_no, faces_detected, event_time
		FROM face_events ORDER BY event_time`)
	if err != nil {
		return nil, fmt.Errorf("scan face events: %w", err)
	}
	defer rows.Close()

	var out []core.FaceEvent
	for rows.Next() {
		var ev core.FaceEvent
		if err := rows.Scan(&ev.ID, &ev.DeviceID, &ev.ChannelNo, &ev.FacesDetected, &ev.EventTime); err != nil {
			return nil, fmt.Errorf("scan face event: %w", err)
		}
		ev.EventTime = ev.EventTime.UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (db *DB) loadAttributes(ctx context.Context) (map[string][]core.FaceAttribute, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, face_event_id, face_id, age, age_range, gender, glasses, mask, extra
		FROM face_attributes`)
	if err != nil {
		return nil, fmt.Errorf("scan face attributes: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]core.FaceAttribute)
	for rows.Next() {
		var (
			a                                     core.FaceAttribute
			faceID, ageRange, gender, glasses, mk sql.NullString
			extra                                 sql.NullString
			age                                   sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &a.FaceEventID, &faceID, &age, &ageRange, &gender, &glasses, &mk, &extra); err != nil {
			return nil, fmt.Errorf("scan face attribute: %w", err)
		}
		a.FaceID = stringPtr(faceID)
		a.Age = intPtr(age)
		a.AgeRange = stringPtr(ageRange)
		a.Gender = stringPtr(gender)
		a.Glasses = stringPtr(glasses)
		a.Mask = stringPtr(mk)
		if extra.Valid && extra.String != "" {
			_ = json.Unmarshal([]byte(extra.String), &a.Extra)
		}
		out[a.FaceEventID] = append(out[a.FaceEventID], a)
	}
	return out, rows.Err()
}

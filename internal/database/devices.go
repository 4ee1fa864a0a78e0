package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/sua-org/cam-counter/internal/core"
	"github.com/sua-org/cam-counter/internal/metrics"
	"github.com/sua-org/cam-counter/internal/store"
)

const deviceColumns = `id, ip, name, kind, username, password_ciphertext, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (core.Device, error) {
	var (
		d    core.Device
		name sql.NullString
		kind string
	)
	if err := row.Scan(&d.ID, &d.IP, &name, &kind, &d.Username, &d.PasswordCiphertext, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return core.Device{}, err
	}
	d.Name = stringPtr(name)
	d.Kind = core.DeviceKind(kind)
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return d, nil
}

func (db *DB) TouchDevice(ctx context.Context, ip string, at time.Time) (core.Device, error) {
	mu := db.lockRow("device:" + ip)
	defer mu.Unlock()

	var d core.Device
	err := db.withRetry(ctx, "touch_device", func(ctx context.Context) error {
		_, err := db.conn.ExecContext(ctx, `
			INSERT INTO devices (id, ip, kind, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (ip) DO UPDATE SET updated_at = excluded.updated_at`,
			uuid.NewString(), ip, string(core.DeviceKindCamera), at.UTC(), at.UTC())
		if err != nil {
			return err
		}
		d, err = scanDevice(db.conn.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE ip = ?`, ip))
		return err
	})
	if err != nil {
		return core.Device{}, fmt.Errorf("touch device %s: %w", ip, err)
	}
	return d, nil
}

func (db *DB) UpsertDevice(ctx context.Context, reg core.DeviceRegistration, at time.Time) (core.Device, error) {
	mu := db.lockRow("device:" + reg.IP)
	defer mu.Unlock()

	var d core.Device
	err := db.withRetry(ctx, "upsert_device", func(ctx context.Context) error {
		// credenciais vazias mantêm as gravadas
		_, err := db.conn.ExecContext(ctx, `
			INSERT INTO devices (id, ip, name, kind, username, password_ciphertext, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (ip) DO UPDATE SET
				name = excluded.name,
				kind = excluded.kind,
				username = CASE WHEN excluded.username = '' AND excluded.password_ciphertext = ''
					THEN devices.username ELSE excluded.username END,
				password_ciphertext = CASE WHEN excluded.username = '' AND excluded.password_ciphertext = ''
					THEN devices.password_ciphertext ELSE excluded.password_ciphertext END,
				updated_at = excluded.updated_at`,
			uuid.NewString(), reg.IP, nullString(reg.Name), string(reg.Kind), reg.Username, reg.PasswordCiphertext, at.UTC(), at.UTC())
		if err != nil {
			return err
		}
		d, err = scanDevice(db.conn.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE ip = ?`, reg.IP))
		return err
	})
	if err != nil {
		return core.Device{}, fmt.Errorf("upsert device %s: %w", reg.IP, err)
	}
	return d, nil
}

func (db *DB) DeviceByIP(ctx context.Context, ip string) (core.Device, error) {
	start := time.Now()
	defer metrics.ObserveQuery("device_by_ip", start)
	if err := db.ready(ctx); err != nil {
		return core.Device{}, err
	}

	d, err := scanDevice(db.conn.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE ip = ?`, ip))
	if err != nil {
		return core.Device{}, notFound(err)
	}
	return d, nil
}

func (db *DB) Devices(ctx context.Context) ([]store.DeviceSummary, error) {
	start := time.Now()
	defer metrics.ObserveQuery("devices", start)
	if err := db.ready(ctx); err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT d.id, d.ip, d.name, d.kind, d.username, d.password_ciphertext, d.created_at, d.updated_at,
			(SELECT count(*) FROM channels c WHERE c.device_id = d.id) AS channels_total
		FROM devices d
		ORDER BY d.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	out := []store.DeviceSummary{}
	for rows.Next() {
		var (
			s     store.DeviceSummary
			name  sql.NullString
			kind  string
			total int64
		)
		if err := rows.Scan(&s.ID, &s.IP, &name, &kind, &s.Username, &s.PasswordCiphertext, &s.CreatedAt, &s.UpdatedAt, &total); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		s.Name = stringPtr(name)
		s.Kind = core.DeviceKind(kind)
		s.CreatedAt = s.CreatedAt.UTC()
		s.UpdatedAt = s.UpdatedAt.UTC()
		s.ChannelsTotal = int(total)
		out = append(out, s)
	}
	return out, rows.Err()
}

const channelColumns = `device_id, channel_no, name, zone, features, capabilities, updated_at`

func scanChannel(row rowScanner, extra ...any) (core.Channel, error) {
	var (
		ch       core.Channel
		name     sql.NullString
		zone     sql.NullString
		features string
		caps     sql.NullString
	)
	dest := append([]any{&ch.DeviceID, &ch.No, &name, &zone, &features, &caps, &ch.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return core.Channel{}, err
	}
	ch.Name = stringPtr(name)
	ch.Zone = stringPtr(zone)
	ch.Features = []string{}
	if features != "" {
		if err := json.Unmarshal([]byte(features), &ch.Features); err != nil {
			return core.Channel{}, fmt.Errorf("decode features: %w", err)
		}
	}
	if caps.Valid && caps.String != "" {
		ch.Capabilities = []byte(caps.String)
	}
	ch.UpdatedAt = ch.UpdatedAt.UTC()
	return ch, nil
}

func (db *DB) EnsureChannel(ctx context.Context, deviceID string, no int, at time.Time) error {
	err := db.withRetry(ctx, "ensure_channel", func(ctx context.Context) error {
		_, err := db.conn.ExecContext(ctx, `
			INSERT INTO channels (device_id, channel_no, name, features, updated_at)
			VALUES (?, ?, ?, '[]', ?)
			ON CONFLICT (device_id, channel_no) DO NOTHING`,
			deviceID, no, store.DefaultChannelName(no), at.UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("ensure channel %s/%d: %w", deviceID, no, err)
	}
	return nil
}

func (db *DB) UpsertChannelCapabilities(ctx context.Context, deviceID string, caps core.ChannelCapabilities, at time.Time) error {
	name := caps.Name
	if name == "" {
		name = store.DefaultChannelName(caps.No)
	}
	features := caps.Features
	if features == nil {
		features = []string{}
	}
	encoded, err := json.Marshal(features)
	if err != nil {
		return fmt.Errorf("encode features: %w", err)
	}
	var rawCaps sql.NullString
	if len(caps.Capabilities) > 0 {
		rawCaps = sql.NullString{String: string(caps.Capabilities), Valid: true}
	}

	err = db.withRetry(ctx, "upsert_channel", func(ctx context.Context) error {
		_, err := db.conn.ExecContext(ctx, `
			INSERT INTO channels (device_id, channel_no, name, features, capabilities, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (device_id, channel_no) DO UPDATE SET
				features = excluded.features,
				capabilities = excluded.capabilities,
				updated_at = excluded.updated_at`,
			deviceID, caps.No, name, string(encoded), rawCaps, at.UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert channel %s/%d: %w", deviceID, caps.No, err)
	}
	return nil
}

func (db *DB) UpdateChannel(ctx context.Context, deviceID string, no int, patch core.ChannelPatch, at time.Time) (core.Channel, error) {
	var ch core.Channel
	err := db.withRetry(ctx, "update_channel", func(ctx context.Context) error {
		// só os campos presentes entram no SET; ausente preserva
		res, err := db.conn.ExecContext(ctx, `
			UPDATE channels SET
				name = CASE WHEN ? THEN ? ELSE name END,
				zone = CASE WHEN ? THEN ? ELSE zone END,
				updated_at = ?
			WHERE device_id = ? AND channel_no = ?`,
			patch.Name.Present, nullString(patch.Name.Value),
			patch.Zone.Present, nullString(patch.Zone.Value),
			at.UTC(), deviceID, no)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return store.ErrNotFound
		}
		ch, err = scanChannel(db.conn.QueryRowContext(ctx,
			`SELECT `+channelColumns+` FROM channels WHERE device_id = ? AND channel_no = ?`, deviceID, no))
		return notFound(err)
	})
	if err != nil {
		return core.Channel{}, err
	}
	return ch, nil
}

func (db *DB) Channels(ctx context.Context, deviceID string) ([]core.Channel, error) {
	start := time.Now()
	defer metrics.ObserveQuery("channels", start)
	if err := db.ready(ctx); err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE device_id = ? ORDER BY channel_no`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []core.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (db *DB) ChannelsByZone(ctx context.Context, zone string) ([]core.ZoneChannel, error) {
	start := time.Now()
	defer metrics.ObserveQuery("channels_by_zone", start)
	if err := db.ready(ctx); err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT c.device_id, c.channel_no, c.name, c.zone, c.features, c.capabilities, c.updated_at, d.ip
		FROM channels c
		JOIN devices d ON d.id = c.device_id
		WHERE c.zone = ?
		ORDER BY d.ip, c.channel_no`, zone)
	if err != nil {
		return nil, fmt.Errorf("list zone channels: %w", err)
	}
	defer rows.Close()

	var out []core.ZoneChannel
	for rows.Next() {
		var ip string
		ch, err := scanChannel(rows, &ip)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, core.ZoneChannel{Channel: ch, IP: ip})
	}
	return out, rows.Err()
}

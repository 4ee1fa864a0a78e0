package database

// Timestamps são gravados em UTC. features e capabilities ficam como JSON
// em VARCHAR; o serviço nunca consulta dentro deles.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		id VARCHAR PRIMARY KEY,
		ip VARCHAR NOT NULL UNIQUE,
		name VARCHAR,
		kind VARCHAR NOT NULL DEFAULT 'camera',
		username VARCHAR NOT NULL DEFAULT '',
		password_ciphertext VARCHAR NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS channels (
		device_id VARCHAR NOT NULL,
		channel_no INTEGER NOT NULL,
		name VARCHAR,
		zone VARCHAR,
		features VARCHAR NOT NULL DEFAULT '[]',
		capabilities VARCHAR,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (device_id, channel_no)
	)`,
	`CREATE TABLE IF NOT EXISTS people_count_events (
		id VARCHAR PRIMARY KEY,
		device_id VARCHAR NOT NULL,
		channel_no INTEGER NOT NULL,
		line_id INTEGER NOT NULL,
		in_count INTEGER NOT NULL,
		out_count INTEGER NOT NULL,
		event_time TIMESTAMP NOT NULL,
		raw_payload VARCHAR
	)`,
	`CREATE TABLE IF NOT EXISTS face_events (
		id VARCHAR PRIMARY KEY,
		device_id VARCHAR NOT NULL,
		channel_no INTEGER NOT NULL,
		faces_detected INTEGER NOT NULL,
		event_time TIMESTAMP NOT NULL,
		raw_payload VARCHAR
	)`,
	`CREATE TABLE IF NOT EXISTS face_attributes (
		id VARCHAR PRIMARY KEY,
		face_event_id VARCHAR NOT NULL,
		face_id VARCHAR,
		age INTEGER,
		age_range VARCHAR,
		gender VARCHAR,
		glasses VARCHAR,
		mask VARCHAR,
		extra VARCHAR
	)`,
	`CREATE TABLE IF NOT EXISTS rollup_buckets (
		granularity VARCHAR NOT NULL,
		device_id VARCHAR NOT NULL,
		channel_no INTEGER NOT NULL,
		bucket_start TIMESTAMP NOT NULL,
		people_in BIGINT NOT NULL DEFAULT 0,
		people_out BIGINT NOT NULL DEFAULT 0,
		people_events BIGINT NOT NULL DEFAULT 0,
		face_events BIGINT NOT NULL DEFAULT 0,
		faces_total BIGINT NOT NULL DEFAULT 0,
		male BIGINT NOT NULL DEFAULT 0,
		female BIGINT NOT NULL DEFAULT 0,
		gender_unknown BIGINT NOT NULL DEFAULT 0,
		glasses_yes BIGINT NOT NULL DEFAULT 0,
		glasses_no BIGINT NOT NULL DEFAULT 0,
		glasses_unknown BIGINT NOT NULL DEFAULT 0,
		age_child BIGINT NOT NULL DEFAULT 0,
		age_teen BIGINT NOT NULL DEFAULT 0,
		age_young_adult BIGINT NOT NULL DEFAULT 0,
		age_middle_age BIGINT NOT NULL DEFAULT 0,
		age_senior BIGINT NOT NULL DEFAULT 0,
		age_unknown BIGINT NOT NULL DEFAULT 0,
		last_event_at TIMESTAMP,
		PRIMARY KEY (granularity, device_id, channel_no, bucket_start)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_people_time ON people_count_events (event_time)`,
	`CREATE INDEX IF NOT EXISTS idx_face_time ON face_events (event_time)`,
	`CREATE INDEX IF NOT EXISTS idx_face_attr_event ON face_attributes (face_event_id)`,
}

package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/bhashasuraksha/pipeline/cluster"
)

// Options configures a Postgres connection pool.
type Options struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// LockKey is the advisory lock taken by every InTx.
	LockKey int64
}

// Postgres is the relational Store.
type Postgres struct {
	db      *sqlx.DB
	lockKey int64
	log     logrus.FieldLogger
}

// Open connects to Postgres and checks the connection.
func Open(ctx context.Context, opts Options, log logrus.FieldLogger) (*Postgres, error) {
	db, err := sqlx.Open("postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, classify(fmt.Errorf("ping postgres: %w", err))
	}
	return NewPostgres(db, opts.LockKey, log), nil
}

// NewPostgres wraps an existing pool.
func NewPostgres(db *sqlx.DB, lockKey int64, log logrus.FieldLogger) *Postgres {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Postgres{db: db, lockKey: lockKey, log: log.WithField("component", "store")}
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Ping(ctx context.Context) error {
	return classify(p.db.PingContext(ctx))
}

// InTx begins a transaction and takes the store's transaction-scoped
// advisory lock before running fn, so concurrent units of work, in this
// process or any other, run one after another.
func (p *Postgres) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin: %w", err))
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, p.lockKey); err != nil {
		_ = tx.Rollback()
		return classify(fmt.Errorf("advisory lock: %w", err))
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			p.log.WithError(rbErr).Warn("rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (p *Postgres) ListClusters(ctx context.Context) ([]cluster.Cluster, error) {
	return listClusters(ctx, p.db)
}

func (p *Postgres) GetCluster(ctx context.Context, id int64) (*cluster.Cluster, error) {
	var row clusterRow
	err := sqlx.GetContext(ctx, p.db, &row, `SELECT id, centroid, sample_count, created_at FROM clusters WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cluster %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get cluster: %w", err))
	}
	c, err := row.cluster()
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *Postgres) ListSamples(ctx context.Context, f SampleFilter) ([]Sample, error) {
	query := `SELECT ` + sampleColumns + ` FROM unknown_samples`
	var args []any

	switch {
	case f.ClusterID != nil:
		args = append(args, *f.ClusterID)
		query += fmt.Sprintf(" WHERE cluster_id = $%d", len(args))
	case f.Unclustered:
		query += " WHERE cluster_id IS NULL"
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	var rows []sampleRow
	if err := sqlx.SelectContext(ctx, p.db, &rows, query, args...); err != nil {
		return nil, classify(fmt.Errorf("failed to list samples: %w", err))
	}
	out := make([]Sample, 0, len(rows))
	for _, r := range rows {
		s, err := r.sample()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (p *Postgres) GetSample(ctx context.Context, id int64) (*Sample, error) {
	return getSample(ctx, p.db, `WHERE id = $1`, id)
}

func (p *Postgres) SampleVectors(ctx context.Context) ([]SampleVector, error) {
	var rows []struct {
		ID        int64  `db:"id"`
		FileURL   string `db:"file_url"`
		Embedding []byte `db:"embedding"`
	}
	err := sqlx.SelectContext(ctx, p.db, &rows,
		`SELECT id, file_url, embedding FROM unknown_samples WHERE embedding IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list sample vectors: %w", err))
	}
	out := make([]SampleVector, 0, len(rows))
	for _, r := range rows {
		var emb []float64
		if err := json.Unmarshal(r.Embedding, &emb); err != nil {
			return nil, fmt.Errorf("sample %d embedding: %w: %v", r.ID, cluster.ErrDataIntegrity, err)
		}
		out = append(out, SampleVector{ID: r.ID, FileURL: r.FileURL, Embedding: emb})
	}
	return out, nil
}

type pgTx struct{ tx *sqlx.Tx }

func (t *pgTx) ListClusters(ctx context.Context) ([]cluster.Cluster, error) {
	return listClusters(ctx, t.tx)
}

func (t *pgTx) CreateCluster(ctx context.Context, centroid []float64) (int64, error) {
	b, err := json.Marshal(centroid)
	if err != nil {
		return 0, fmt.Errorf("encode centroid: %w", err)
	}
	var id int64
	err = sqlx.GetContext(ctx, t.tx, &id,
		`INSERT INTO clusters (centroid, sample_count) VALUES ($1::jsonb, 1) RETURNING id`, string(b))
	if err != nil {
		return 0, classify(fmt.Errorf("failed to create cluster: %w", err))
	}
	return id, nil
}

func (t *pgTx) UpdateCluster(ctx context.Context, id int64, centroid []float64, count int) error {
	b, err := json.Marshal(centroid)
	if err != nil {
		return fmt.Errorf("encode centroid: %w", err)
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE clusters SET centroid = $1::jsonb, sample_count = $2 WHERE id = $3`, string(b), count, id)
	if err != nil {
		return classify(fmt.Errorf("failed to update cluster: %w", err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("cluster %d: %w", id, ErrNotFound)
	}
	return nil
}

func (t *pgTx) CreateSample(ctx context.Context, s *Sample) (int64, error) {
	var emb any
	if len(s.Embedding) > 0 {
		b, err := json.Marshal(s.Embedding)
		if err != nil {
			return 0, fmt.Errorf("encode embedding: %w", err)
		}
		emb = string(b)
	}
	keywords := pq.StringArray(s.Keywords)
	if keywords == nil {
		keywords = pq.StringArray{}
	}

	var row struct {
		ID        int64     `db:"id"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := sqlx.GetContext(ctx, t.tx, &row, `
		INSERT INTO unknown_samples
			(file_url, language_guess, confidence, transcript, region, lat, lng, keywords, embedding, cluster_id, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, NULLIF($11, ''))
		RETURNING id, created_at`,
		s.FileURL, s.LanguageGuess, s.Confidence, s.Transcript, s.Region, s.Lat, s.Lng,
		keywords, emb, s.ClusterID, s.IdempotencyKey)
	if err != nil {
		return 0, classify(fmt.Errorf("failed to create sample: %w", err))
	}
	s.ID, s.CreatedAt = row.ID, row.CreatedAt
	return row.ID, nil
}

func (t *pgTx) SampleByKey(ctx context.Context, key string) (*Sample, error) {
	return getSample(ctx, t.tx, `WHERE idempotency_key = $1`, key)
}

const sampleColumns = `id, file_url, language_guess, confidence, transcript, region, lat, lng, keywords, embedding, cluster_id, idempotency_key, created_at`

type clusterRow struct {
	ID          int64     `db:"id"`
	Centroid    []byte    `db:"centroid"`
	SampleCount int       `db:"sample_count"`
	CreatedAt   time.Time `db:"created_at"`
}

// cluster decodes the stored centroid. Anything that is not a JSON array of
// numbers is a data integrity failure for that cluster.
func (r clusterRow) cluster() (cluster.Cluster, error) {
	var centroid []float64
	if err := json.Unmarshal(r.Centroid, &centroid); err != nil {
		return cluster.Cluster{}, &cluster.IntegrityError{ClusterID: r.ID, Err: err}
	}
	return cluster.Cluster{ID: r.ID, Centroid: centroid, SampleCount: r.SampleCount, CreatedAt: r.CreatedAt}, nil
}

type sampleRow struct {
	ID             int64           `db:"id"`
	FileURL        string          `db:"file_url"`
	LanguageGuess  sql.NullString  `db:"language_guess"`
	Confidence     sql.NullFloat64 `db:"confidence"`
	Transcript     sql.NullString  `db:"transcript"`
	Region         sql.NullString  `db:"region"`
	Lat            sql.NullFloat64 `db:"lat"`
	Lng            sql.NullFloat64 `db:"lng"`
	Keywords       pq.StringArray  `db:"keywords"`
	Embedding      []byte          `db:"embedding"`
	ClusterID      sql.NullInt64   `db:"cluster_id"`
	IdempotencyKey sql.NullString  `db:"idempotency_key"`
	CreatedAt      time.Time       `db:"created_at"`
}

func (r sampleRow) sample() (Sample, error) {
	s := Sample{
		ID:             r.ID,
		FileURL:        r.FileURL,
		LanguageGuess:  r.LanguageGuess.String,
		Confidence:     r.Confidence.Float64,
		Transcript:     r.Transcript.String,
		Region:         r.Region.String,
		Keywords:       []string(r.Keywords),
		IdempotencyKey: r.IdempotencyKey.String,
		CreatedAt:      r.CreatedAt,
	}
	if r.Lat.Valid {
		s.Lat = &r.Lat.Float64
	}
	if r.Lng.Valid {
		s.Lng = &r.Lng.Float64
	}
	if r.ClusterID.Valid {
		s.ClusterID = &r.ClusterID.Int64
	}
	if len(r.Embedding) > 0 {
		if err := json.Unmarshal(r.Embedding, &s.Embedding); err != nil {
			return Sample{}, fmt.Errorf("sample %d embedding: %w: %v", r.ID, cluster.ErrDataIntegrity, err)
		}
	}
	return s, nil
}

func listClusters(ctx context.Context, q sqlx.QueryerContext) ([]cluster.Cluster, error) {
	var rows []clusterRow
	err := sqlx.SelectContext(ctx, q, &rows, `SELECT id, centroid, sample_count, created_at FROM clusters ORDER BY id`)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list clusters: %w", err))
	}
	out := make([]cluster.Cluster, 0, len(rows))
	for _, r := range rows {
		c, err := r.cluster()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func getSample(ctx context.Context, q sqlx.QueryerContext, where string, arg any) (*Sample, error) {
	var row sampleRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+sampleColumns+` FROM unknown_samples `+where, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sample: %w", ErrNotFound)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get sample: %w", err))
	}
	s, err := row.sample()
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// classify marks connectivity failures with ErrStoreUnavailable.
func classify(err error) error {
	if err == nil || !unavailable(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

func unavailable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 08: connection exception, 53: insufficient resources,
		// 57P: operator intervention (shutdown, cannot connect now).
		switch pqErr.Code.Class() {
		case "08", "53":
			return true
		}
		return strings.HasPrefix(string(pqErr.Code), "57P")
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

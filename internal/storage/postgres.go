package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/your-org/faceid/internal/config"
	"github.com/your-org/faceid/internal/vision"
)

// PostgresStore reads the enrollment database: persons and their registered
// face embeddings (pgvector column). The pipeline only reads; enrollment
// writes happen through the external enrollment service.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// LoadEnrollment returns a snapshot of all enrolled identities with their
// embeddings. Identities are ordered by enrollment time, embeddings by
// registration time, so vote tie-breaking is stable across reloads.
func (s *PostgresStore) LoadEnrollment(ctx context.Context) ([]vision.EnrolledIdentity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.id, p.full_name, p.active, fe.embedding
		FROM persons p
		JOIN face_embeddings fe ON fe.person_id = p.id
		ORDER BY p.created_at, p.id, fe.created_at, fe.id`)
	if err != nil {
		return nil, fmt.Errorf("load enrollment: %w", err)
	}
	defer rows.Close()

	var identities []vision.EnrolledIdentity
	index := make(map[uuid.UUID]int)

	for rows.Next() {
		var (
			id       uuid.UUID
			fullName string
			active   bool
			vec      pgvector.Vector
		)
		if err := rows.Scan(&id, &fullName, &active, &vec); err != nil {
			return nil, fmt.Errorf("scan enrollment row: %w", err)
		}

		i, ok := index[id]
		if !ok {
			i = len(identities)
			index[id] = i
			identities = append(identities, vision.EnrolledIdentity{
				PersonID: id.String(),
				FullName: fullName,
				Active:   active,
			})
		}
		identities[i].Embeddings = append(identities[i].Embeddings, vec.Slice())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read enrollment rows: %w", err)
	}
	return identities, nil
}

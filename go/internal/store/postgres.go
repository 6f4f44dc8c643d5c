package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Jorewin/planning-poker/go/internal/models"
	"github.com/Jorewin/planning-poker/go/internal/sqlutil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS poker_sessions (
	seq        BIGSERIAL,
	id         TEXT PRIMARY KEY,
	code       TEXT NOT NULL UNIQUE,
	owner_id   TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS poker_players (
	seq        BIGSERIAL,
	session_id TEXT NOT NULL REFERENCES poker_sessions(id) ON DELETE CASCADE,
	player_id  TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	selection  SMALLINT,
	PRIMARY KEY (session_id, player_id)
);
CREATE TABLE IF NOT EXISTS poker_stories (
	seq         BIGSERIAL,
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL REFERENCES poker_sessions(id) ON DELETE CASCADE,
	summary     TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS poker_tasks (
	seq        BIGSERIAL,
	id         TEXT PRIMARY KEY,
	story_id   TEXT NOT NULL REFERENCES poker_stories(id) ON DELETE CASCADE,
	summary    TEXT NOT NULL,
	estimation SMALLINT NOT NULL
);
`

// PostgresStore persists sessions in Postgres through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

type queries struct {
	tx pgx.Tx
}

func newQueries(tx pgx.Tx) *queries {
	return &queries{tx: tx}
}

func (s *PostgresStore) run(ctx context.Context, fn func(q *queries) error) error {
	return sqlutil.Run(ctx, s.pool, newQueries, fn)
}

// member returns the session owner if playerID belongs to the session.
func (q *queries) member(ctx context.Context, playerID, sessionID string) (string, error) {
	var owner string
	err := q.tx.QueryRow(ctx, `
		SELECT s.owner_id
		FROM poker_sessions s
		JOIN poker_players p ON p.session_id = s.id
		WHERE s.id = $1 AND p.player_id = $2`, sessionID, playerID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to check membership: %w", err)
	}
	return owner, nil
}

func (q *queries) owner(ctx context.Context, playerID, sessionID string) error {
	owner, err := q.member(ctx, playerID, sessionID)
	if err != nil {
		return err
	}
	if owner != playerID {
		return fmt.Errorf("session %s: %w", sessionID, ErrForbidden)
	}
	return nil
}

func (q *queries) addPlayer(ctx context.Context, p Player, sessionID string) error {
	_, err := q.tx.Exec(ctx, `
		INSERT INTO poker_players (session_id, player_id, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id, player_id) DO NOTHING`, sessionID, p.ID, p.Name)
	if err != nil {
		return fmt.Errorf("failed to add player: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, p Player) (models.SessionSummary, error) {
	summary := models.SessionSummary{ID: uuid.NewString(), IsOwner: true}
	err := s.run(ctx, func(q *queries) error {
		for attempt := 0; attempt < 5; attempt++ {
			code := newCode()
			tag, err := q.tx.Exec(ctx, `
				INSERT INTO poker_sessions (id, code, owner_id)
				VALUES ($1, $2, $3)
				ON CONFLICT (code) DO NOTHING`, summary.ID, code, p.ID)
			if err != nil {
				return fmt.Errorf("failed to insert session: %w", err)
			}
			if tag.RowsAffected() == 1 {
				summary.Code = code
				return q.addPlayer(ctx, p, summary.ID)
			}
			log.Debug().Str("code", code).Msg("session code collision, retrying")
		}
		return errors.New("failed to allocate a unique session code")
	})
	if err != nil {
		return models.SessionSummary{}, err
	}
	return summary, nil
}

func (s *PostgresStore) JoinSession(ctx context.Context, p Player, code string) (models.SessionSummary, error) {
	var summary models.SessionSummary
	err := s.run(ctx, func(q *queries) error {
		var owner string
		err := q.tx.QueryRow(ctx, `
			SELECT id, code, owner_id FROM poker_sessions
			WHERE code = $1 OR id = $2`, normalizeCode(code), code).Scan(&summary.ID, &summary.Code, &owner)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("session code %s: %w", code, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to find session: %w", err)
		}
		summary.IsOwner = owner == p.ID
		return q.addPlayer(ctx, p, summary.ID)
	})
	return summary, err
}

func (s *PostgresStore) LeaveSession(ctx context.Context, p Player, sessionID string) error {
	return s.run(ctx, func(q *queries) error {
		var remaining int
		err := q.tx.QueryRow(ctx, `SELECT count(*) FROM poker_players WHERE session_id = $1`, sessionID).Scan(&remaining)
		if err != nil {
			return fmt.Errorf("failed to count players: %w", err)
		}
		if remaining == 0 {
			var exists bool
			if err := q.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM poker_sessions WHERE id = $1)`, sessionID).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check session: %w", err)
			}
			if !exists {
				return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
			}
		}

		tag, err := q.tx.Exec(ctx, `DELETE FROM poker_players WHERE session_id = $1 AND player_id = $2`, sessionID, p.ID)
		if err != nil {
			return fmt.Errorf("failed to remove player: %w", err)
		}
		remaining -= int(tag.RowsAffected())
		if remaining > 0 {
			return nil
		}
		if _, err := q.tx.Exec(ctx, `DELETE FROM poker_sessions WHERE id = $1`, sessionID); err != nil {
			return fmt.Errorf("failed to delete empty session: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetSession(ctx context.Context, p Player, sessionID string) (models.Snapshot, error) {
	snap := models.Snapshot{ID: sessionID, Players: []models.Player{}, Stories: []models.Story{}}
	err := s.run(ctx, func(q *queries) error {
		var owner string
		err := q.tx.QueryRow(ctx, `SELECT code, owner_id FROM poker_sessions WHERE id = $1`, sessionID).Scan(&snap.Code, &owner)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load session: %w", err)
		}
		snap.IsOwner = owner == p.ID

		rows, err := q.tx.Query(ctx, `
			SELECT player_id, name, selection FROM poker_players
			WHERE session_id = $1 ORDER BY seq`, sessionID)
		if err != nil {
			return fmt.Errorf("failed to load players: %w", err)
		}
		snap.Players, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Player, error) {
			var (
				pl  models.Player
				sel pgtype.Int2
			)
			err := row.Scan(&pl.ID, &pl.Name, &sel)
			pl.Selection = sqlutil.FromNullCard(sel)
			return pl, err
		})
		if err != nil {
			return fmt.Errorf("failed to scan players: %w", err)
		}

		member := false
		for _, pl := range snap.Players {
			if pl.ID == p.ID {
				member = true
				break
			}
		}
		if !member {
			return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}

		rows, err = q.tx.Query(ctx, `
			SELECT id, summary, description FROM poker_stories
			WHERE session_id = $1 ORDER BY seq`, sessionID)
		if err != nil {
			return fmt.Errorf("failed to load stories: %w", err)
		}
		snap.Stories, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Story, error) {
			st := models.Story{Tasks: []models.Task{}}
			err := row.Scan(&st.ID, &st.Summary, &st.Description)
			return st, err
		})
		if err != nil {
			return fmt.Errorf("failed to scan stories: %w", err)
		}

		rows, err = q.tx.Query(ctx, `
			SELECT t.story_id, t.id, t.summary, t.estimation
			FROM poker_tasks t
			JOIN poker_stories s ON s.id = t.story_id
			WHERE s.session_id = $1 ORDER BY t.seq`, sessionID)
		if err != nil {
			return fmt.Errorf("failed to load tasks: %w", err)
		}
		byStory := make(map[string]int, len(snap.Stories))
		for i, st := range snap.Stories {
			byStory[st.ID] = i
		}
		var (
			storyID string
			task    models.Task
			est     int16
		)
		_, err = pgx.ForEachRow(rows, []any{&storyID, &task.ID, &task.Summary, &est}, func() error {
			task.Estimation = models.CardValue(est)
			if i, ok := byStory[storyID]; ok {
				snap.Stories[i].Tasks = append(snap.Stories[i].Tasks, task)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to scan tasks: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Snapshot{}, err
	}
	return snap, nil
}

func (s *PostgresStore) GetSessions(ctx context.Context, p Player) ([]models.SessionSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.code, s.owner_id = $1
		FROM poker_sessions s
		JOIN poker_players p ON p.session_id = s.id
		WHERE p.player_id = $1
		ORDER BY s.seq`, p.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.SessionSummary, error) {
		var sum models.SessionSummary
		err := row.Scan(&sum.ID, &sum.Code, &sum.IsOwner)
		return sum, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	if out == nil {
		out = []models.SessionSummary{}
	}
	return out, nil
}

func (s *PostgresStore) MakeSelection(ctx context.Context, p Player, sessionID string, value models.CardValue) error {
	if !value.Valid() {
		return fmt.Errorf("%w: %w", ErrInvalid, models.ErrInvalidCard)
	}
	return s.run(ctx, func(q *queries) error {
		var current pgtype.Int2
		err := q.tx.QueryRow(ctx, `
			SELECT selection FROM poker_players
			WHERE session_id = $1 AND player_id = $2
			FOR UPDATE`, sessionID, p.ID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load selection: %w", err)
		}
		if sel := sqlutil.FromNullCard(current); sel != nil {
			if *sel == value {
				return nil
			}
			return fmt.Errorf("selection already made, reset it first: %w", ErrConflict)
		}
		_, err = q.tx.Exec(ctx, `
			UPDATE poker_players SET selection = $3
			WHERE session_id = $1 AND player_id = $2`, sessionID, p.ID, sqlutil.ToNullCard(models.Card(value)))
		if err != nil {
			return fmt.Errorf("failed to save selection: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) ResetSelection(ctx context.Context, p Player, sessionID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE poker_players SET selection = NULL
		WHERE session_id = $1 AND player_id = $2`, sessionID, p.ID)
	if err != nil {
		return fmt.Errorf("failed to reset selection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) CreateStory(ctx context.Context, p Player, sessionID string, story models.Story) error {
	if err := validateStory(story); err != nil {
		return err
	}
	return s.run(ctx, func(q *queries) error {
		if _, err := q.member(ctx, p.ID, sessionID); err != nil {
			return err
		}
		_, err := q.tx.Exec(ctx, `
			INSERT INTO poker_stories (id, session_id, summary, description)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO NOTHING`, story.ID, sessionID, story.Summary, story.Description)
		if err != nil {
			return fmt.Errorf("failed to insert story: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) DeleteStory(ctx context.Context, p Player, sessionID, storyID string) error {
	return s.run(ctx, func(q *queries) error {
		if _, err := q.member(ctx, p.ID, sessionID); err != nil {
			return err
		}
		tag, err := q.tx.Exec(ctx, `DELETE FROM poker_stories WHERE id = $1 AND session_id = $2`, storyID, sessionID)
		if err != nil {
			return fmt.Errorf("failed to delete story: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("story %s: %w", storyID, ErrNotFound)
		}
		return nil
	})
}

func (s *PostgresStore) CreateTask(ctx context.Context, p Player, sessionID, storyID string, task models.Task) error {
	if err := validateTask(task); err != nil {
		return err
	}
	return s.run(ctx, func(q *queries) error {
		if _, err := q.member(ctx, p.ID, sessionID); err != nil {
			return err
		}
		tag, err := q.tx.Exec(ctx, `
			INSERT INTO poker_tasks (id, story_id, summary, estimation)
			SELECT $1::text, s.id, $3::text, $4::smallint FROM poker_stories s
			WHERE s.id = $2 AND s.session_id = $5
			ON CONFLICT (id) DO NOTHING`, task.ID, storyID, task.Summary, int16(task.Estimation), sessionID)
		if err != nil {
			return fmt.Errorf("failed to insert task: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			err := q.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM poker_stories WHERE id = $1 AND session_id = $2)`, storyID, sessionID).Scan(&exists)
			if err != nil {
				return fmt.Errorf("failed to check story: %w", err)
			}
			if !exists {
				return fmt.Errorf("story %s: %w", storyID, ErrNotFound)
			}
		}
		return nil
	})
}

func (s *PostgresStore) DeleteTask(ctx context.Context, p Player, sessionID, storyID, taskID string) error {
	return s.run(ctx, func(q *queries) error {
		if _, err := q.member(ctx, p.ID, sessionID); err != nil {
			return err
		}
		tag, err := q.tx.Exec(ctx, `
			DELETE FROM poker_tasks t
			USING poker_stories s
			WHERE t.id = $1 AND t.story_id = $2 AND s.id = t.story_id AND s.session_id = $3`, taskID, storyID, sessionID)
		if err != nil {
			return fmt.Errorf("failed to delete task: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return nil
	})
}

// ForceSelections removes every player without a selection. The owner has
// to vote first, so the round always resolves and the owner stays.
func (s *PostgresStore) ForceSelections(ctx context.Context, p Player, sessionID string) error {
	return s.run(ctx, func(q *queries) error {
		if err := q.owner(ctx, p.ID, sessionID); err != nil {
			return err
		}
		var voted bool
		if err := q.tx.QueryRow(ctx, `
			SELECT selection IS NOT NULL FROM poker_players
			WHERE session_id = $1 AND player_id = $2`, sessionID, p.ID).Scan(&voted); err != nil {
			return fmt.Errorf("failed to load owner selection: %w", err)
		}
		if !voted {
			return fmt.Errorf("%w: %w", ErrConflict, models.ErrOwnerNotVoted)
		}
		tag, err := q.tx.Exec(ctx, `
			DELETE FROM poker_players
			WHERE session_id = $1 AND selection IS NULL`, sessionID)
		if err != nil {
			return fmt.Errorf("failed to force selections: %w", err)
		}
		log.Info().Str("session_id", sessionID).Int64("removed", tag.RowsAffected()).Msg("forced selections")
		return nil
	})
}

func (s *PostgresStore) ResetRound(ctx context.Context, p Player, sessionID string) error {
	return s.run(ctx, func(q *queries) error {
		if err := q.owner(ctx, p.ID, sessionID); err != nil {
			return err
		}
		if _, err := q.tx.Exec(ctx, `UPDATE poker_players SET selection = NULL WHERE session_id = $1`, sessionID); err != nil {
			return fmt.Errorf("failed to reset round: %w", err)
		}
		return nil
	})
}

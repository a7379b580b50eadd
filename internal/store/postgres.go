package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openassembly/evote/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS voting_sessions (
	session_id         UUID PRIMARY KEY,
	owner_id           TEXT NOT NULL,
	name               TEXT NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	session_type       TEXT NOT NULL,
	weighted           BOOLEAN NOT NULL DEFAULT FALSE,
	ballots            JSONB NOT NULL DEFAULT '[]',
	voters             JSONB NOT NULL DEFAULT '[]',
	scrutineer_ids     TEXT[] NOT NULL DEFAULT '{}',
	published_since    TIMESTAMPTZ,
	starts_at          TIMESTAMPTZ,
	ends_at            TIMESTAMPTZ,
	timezone           TEXT NOT NULL DEFAULT '',
	results_published  BOOLEAN NOT NULL DEFAULT FALSE,
	results            JSONB,
	participant_voters TEXT[] NOT NULL DEFAULT '{}',
	archived_at        TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS voting_tickets (
	session_id   UUID NOT NULL REFERENCES voting_sessions (session_id) ON DELETE CASCADE,
	voter_id     TEXT NOT NULL,
	voter_name   TEXT NOT NULL,
	voter_email  TEXT NOT NULL DEFAULT '',
	weight       NUMERIC NOT NULL,
	token        TEXT NOT NULL,
	signed_in_at TIMESTAMPTZ,
	voted_at     TIMESTAMPTZ,
	user_agent   TEXT NOT NULL DEFAULT '',
	ip_address   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (session_id, voter_id)
);

CREATE TABLE IF NOT EXISTS voting_tallies (
	session_id   UUID NOT NULL REFERENCES voting_sessions (session_id) ON DELETE CASCADE,
	ballot_index INT NOT NULL,
	option_index INT NOT NULL,
	value        NUMERIC NOT NULL DEFAULT 0,
	voters       TEXT[] NOT NULL DEFAULT '{}',
	PRIMARY KEY (session_id, ballot_index, option_index)
);
`

// Postgres is the production Store. The submit-vote transaction and the
// start-session batch are single database transactions; conditional
// UPDATEs carry the preconditions.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

var _ Store = (*Postgres)(nil)

// EnsureSchema creates the tables if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const sessionColumns = `session_id, owner_id, name, description, session_type, weighted,
	ballots, voters, scrutineer_ids, published_since, starts_at, ends_at, timezone,
	results_published, results, participant_voters, archived_at`

func (p *Postgres) CreateSession(ctx context.Context, s *domain.Session) error {
	const stmt = `
INSERT INTO voting_sessions (` + sessionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17);`

	ballots, voters, results, err := marshalSessionJSON(s)
	if err != nil {
		return err
	}

	_, err = p.db.Exec(ctx, stmt,
		s.SessionID, s.OwnerID, s.Name, s.Description, s.Type, s.Weighted,
		ballots, voters, textArray(s.ScrutineerIDs), s.PublishedSince, s.StartsAt, s.EndsAt, s.Timezone,
		s.ResultsPublished, results, textArray(s.ParticipantVoters), s.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (p *Postgres) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	const stmt = `SELECT ` + sessionColumns + ` FROM voting_sessions WHERE session_id = $1;`

	row := p.db.QueryRow(ctx, stmt, sessionID)
	s, err := scanSession(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

func (p *Postgres) UpdateSession(ctx context.Context, s *domain.Session) error {
	const stmt = `
UPDATE voting_sessions
SET name = $2, description = $3, session_type = $4, weighted = $5,
	ballots = $6, voters = $7, scrutineer_ids = $8, published_since = $9
WHERE session_id = $1;`

	ballots, voters, _, err := marshalSessionJSON(s)
	if err != nil {
		return err
	}

	tag, err := p.db.Exec(ctx, stmt,
		s.SessionID, s.Name, s.Description, s.Type, s.Weighted,
		ballots, voters, textArray(s.ScrutineerIDs), s.PublishedSince,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteSession(ctx context.Context, sessionID string) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM voting_sessions WHERE session_id = $1;`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListInProgressIDs(ctx context.Context, now time.Time) ([]string, error) {
	const stmt = `
SELECT session_id FROM voting_sessions
WHERE starts_at IS NOT NULL AND starts_at <= $1 AND (ends_at IS NULL OR ends_at > $1)
ORDER BY session_id;`

	rows, err := p.db.Query(ctx, stmt, now)
	if err != nil {
		return nil, fmt.Errorf("list in-progress sessions: %w", err)
	}

	ids, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (string, error) {
		var id string
		err := r.Scan(&id)
		return id, err
	})
	if err != nil {
		return nil, fmt.Errorf("list in-progress sessions: %w", err)
	}
	return ids, nil
}

func (p *Postgres) StartSession(ctx context.Context, sessionID string, startsAt, endsAt time.Time, timezone string, tickets []domain.Ticket) (err error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const startStmt = `
UPDATE voting_sessions
SET starts_at = $2, ends_at = $3, timezone = $4
WHERE session_id = $1 AND starts_at IS NULL;`

	tag, err := tx.Exec(ctx, startStmt, sessionID, startsAt, endsAt, timezone)
	if err != nil {
		return fmt.Errorf("mark session started: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := p.GetSession(ctx, sessionID); gerr != nil {
			return gerr
		}
		return ErrAlreadyStarted
	}

	const insTicketStmt = `
INSERT INTO voting_tickets (session_id, voter_id, voter_name, voter_email, weight, token)
VALUES ($1, $2, $3, $4, $5, $6);`

	var batch pgx.Batch
	for _, t := range tickets {
		batch.Queue(insTicketStmt, t.SessionID, t.VoterID, t.VoterName, t.VoterEmail, t.Weight, t.Token)
	}
	if err := tx.SendBatch(ctx, &batch).Close(); err != nil {
		return fmt.Errorf("insert tickets: %w", err)
	}

	return tx.Commit(ctx)
}

func (p *Postgres) SetSessionEnd(ctx context.Context, sessionID string, endsAt time.Time) error {
	tag, err := p.db.Exec(ctx, `UPDATE voting_sessions SET ends_at = $2 WHERE session_id = $1;`, sessionID, endsAt)
	if err != nil {
		return fmt.Errorf("set session end: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SetArchived(ctx context.Context, sessionID string, archivedAt *time.Time) error {
	tag, err := p.db.Exec(ctx, `UPDATE voting_sessions SET archived_at = $2 WHERE session_id = $1;`, sessionID, archivedAt)
	if err != nil {
		return fmt.Errorf("set archived: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SaveResults(ctx context.Context, sessionID string, r domain.Results) error {
	const stmt = `
UPDATE voting_sessions
SET results = $2, results_published = TRUE
WHERE session_id = $1 AND results IS NULL;`

	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}

	tag, err := p.db.Exec(ctx, stmt, sessionID, b)
	if err != nil {
		return fmt.Errorf("save results: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := p.GetSession(ctx, sessionID); gerr != nil {
			return gerr
		}
		return ErrResultsPublished
	}
	return nil
}

const ticketColumns = `session_id, voter_id, voter_name, voter_email, weight, token,
	signed_in_at, voted_at, user_agent, ip_address`

func (p *Postgres) GetTicket(ctx context.Context, sessionID, voterID string) (*domain.Ticket, error) {
	const stmt = `SELECT ` + ticketColumns + ` FROM voting_tickets WHERE session_id = $1 AND voter_id = $2;`

	var t domain.Ticket
	err := p.db.QueryRow(ctx, stmt, sessionID, voterID).Scan(
		&t.SessionID, &t.VoterID, &t.VoterName, &t.VoterEmail, &t.Weight, &t.Token,
		&t.SignedInAt, &t.VotedAt, &t.UserAgent, &t.IPAddress,
	)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	return &t, nil
}

func (p *Postgres) ListTickets(ctx context.Context, sessionID string) ([]domain.Ticket, error) {
	const stmt = `SELECT ` + ticketColumns + ` FROM voting_tickets WHERE session_id = $1 ORDER BY voter_name;`

	rows, err := p.db.Query(ctx, stmt, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}

	tickets, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Ticket, error) {
		var t domain.Ticket
		err := r.Scan(
			&t.SessionID, &t.VoterID, &t.VoterName, &t.VoterEmail, &t.Weight, &t.Token,
			&t.SignedInAt, &t.VotedAt, &t.UserAgent, &t.IPAddress,
		)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	return tickets, nil
}

func (p *Postgres) MarkSignedIn(ctx context.Context, sessionID, voterID string, at time.Time) error {
	const stmt = `
UPDATE voting_tickets SET signed_in_at = $3
WHERE session_id = $1 AND voter_id = $2 AND signed_in_at IS NULL;`

	// Zero rows affected is fine: the sign-in was already recorded.
	if _, err := p.db.Exec(ctx, stmt, sessionID, voterID, at); err != nil {
		return fmt.Errorf("mark signed in: %w", err)
	}
	return nil
}

func (p *Postgres) SubmitVote(ctx context.Context, v SubmitVote) (err error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	// The voted_at guard is the at-most-once core: of two concurrent
	// submissions on the same ticket exactly one sees a row here.
	const spendStmt = `
UPDATE voting_tickets
SET voted_at = $3, user_agent = $4, ip_address = $5
WHERE session_id = $1 AND voter_id = $2 AND voted_at IS NULL;`

	tag, err := tx.Exec(ctx, spendStmt, v.SessionID, v.VoterID, v.VotedAt, v.UserAgent, v.IPAddress)
	if err != nil {
		return fmt.Errorf("spend ticket: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyVoted
	}

	const participantStmt = `
UPDATE voting_sessions
SET participant_voters = array_append(participant_voters, $2)
WHERE session_id = $1;`

	if _, err := tx.Exec(ctx, participantStmt, v.SessionID, v.VoterName); err != nil {
		return fmt.Errorf("append participant: %w", err)
	}

	const tallyStmt = `
INSERT INTO voting_tallies (session_id, ballot_index, option_index, value, voters)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (session_id, ballot_index, option_index)
DO UPDATE SET value = voting_tallies.value + EXCLUDED.value,
	voters = voting_tallies.voters || EXCLUDED.voters;`

	for _, c := range v.Choices {
		voters := []string{}
		if v.RecordVoter {
			voters = []string{v.VoterName}
		}
		if _, err := tx.Exec(ctx, tallyStmt, v.SessionID, c.BallotIndex, c.OptionIndex, v.Weight, voters); err != nil {
			return fmt.Errorf("add tally ballot=%d option=%d: %w", c.BallotIndex, c.OptionIndex, err)
		}
	}

	return tx.Commit(ctx)
}

func (p *Postgres) ListTallies(ctx context.Context, sessionID string) ([]domain.TallyRow, error) {
	const stmt = `
SELECT ballot_index, option_index, value, voters
FROM voting_tallies WHERE session_id = $1
ORDER BY ballot_index, option_index;`

	rows, err := p.db.Query(ctx, stmt, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list tallies: %w", err)
	}

	tallies, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.TallyRow, error) {
		var t domain.TallyRow
		err := r.Scan(&t.BallotIndex, &t.OptionIndex, &t.Value, &t.Voters)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("list tallies: %w", err)
	}
	return tallies, nil
}

func marshalSessionJSON(s *domain.Session) (ballots, voters, results []byte, err error) {
	if ballots, err = json.Marshal(s.Ballots); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal ballots: %w", err)
	}
	if voters, err = json.Marshal(s.Voters); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal voters: %w", err)
	}
	if s.Results != nil {
		if results, err = json.Marshal(s.Results); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal results: %w", err)
		}
	}
	return ballots, voters, results, nil
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var (
		s                        domain.Session
		ballots, voters, results []byte
	)
	err := row.Scan(
		&s.SessionID, &s.OwnerID, &s.Name, &s.Description, &s.Type, &s.Weighted,
		&ballots, &voters, &s.ScrutineerIDs, &s.PublishedSince, &s.StartsAt, &s.EndsAt, &s.Timezone,
		&s.ResultsPublished, &results, &s.ParticipantVoters, &s.ArchivedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(ballots, &s.Ballots); err != nil {
		return nil, fmt.Errorf("unmarshal ballots: %w", err)
	}
	if err := json.Unmarshal(voters, &s.Voters); err != nil {
		return nil, fmt.Errorf("unmarshal voters: %w", err)
	}
	if results != nil {
		s.Results = new(domain.Results)
		if err := json.Unmarshal(results, s.Results); err != nil {
			return nil, fmt.Errorf("unmarshal results: %w", err)
		}
	}
	return &s, nil
}

// textArray keeps empty slices non-nil so TEXT[] columns never see NULL.
func textArray(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

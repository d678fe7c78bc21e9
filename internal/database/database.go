package database

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/ovhl/bidding-server/configs"
	"github.com/ovhl/bidding-server/internal/auction"
	"github.com/ovhl/bidding-server/pkg/types"
)

// Service is the league database. It backs every collaborator the auction
// engine consumes and persists notifications.
type Service interface {
	// Health returns a map of health status information.
	Health() map[string]string

	// Close terminates the database connection.
	Close() error

	// USER METHODS
	GetUserByEmail(ctx context.Context, email string) (types.User, error)

	// AUCTION COLLABORATORS
	auction.Authorizer
	auction.RosterRepository
	auction.EligibilitySource
	auction.ManagerDirectory
	auction.Transport
}

type service struct {
	db *sql.DB
}

func New(cfg *configs.Config) (Service, error) {
	dbConfig := cfg.Database
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		dbConfig.User,
		dbConfig.Password,
		dbConfig.Host,
		dbConfig.Port,
		dbConfig.Name,
		dbConfig.SSLMode,
	)
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	log.Info("Connected to database", "host", dbConfig.Host, "name", dbConfig.Name)
	return &service{db: db}, nil
}

// NewFromDB wraps an already opened pool.
func NewFromDB(db *sql.DB) Service {
	return &service{db: db}
}

// Health checks the health of the database connection by pinging the database.
// It returns a map with keys indicating various health statistics.
func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	if err := s.db.PingContext(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		log.Error("Database health check failed", "error", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "It's healthy"

	dbStats := s.db.Stats()
	stats["open_connections"] = strconv.Itoa(dbStats.OpenConnections)
	stats["in_use"] = strconv.Itoa(dbStats.InUse)
	stats["idle"] = strconv.Itoa(dbStats.Idle)
	stats["wait_count"] = strconv.FormatInt(dbStats.WaitCount, 10)
	stats["wait_duration"] = dbStats.WaitDuration.String()

	if dbStats.OpenConnections > 20 {
		stats["message"] = "The database is experiencing heavy load."
	}
	if dbStats.WaitCount > 1000 {
		stats["message"] = "The database has a high number of wait events, indicating potential bottlenecks."
	}

	return stats
}

// Close closes the database connection.
func (s *service) Close() error {
	log.Info("Disconnected from database")
	return s.db.Close()
}

func (s *service) GetUserByEmail(ctx context.Context, email string) (types.User, error) {
	var user types.User
	var name sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, "isAdmin" FROM public."User" WHERE email = $1`, email,
	).Scan(&user.ID, &name, &user.Email, &user.IsAdmin)
	if stderrors.Is(err, sql.ErrNoRows) {
		return types.User{}, auction.ErrNotFound
	}
	if err != nil {
		return types.User{}, fmt.Errorf("error getting user by email: %w", err)
	}
	user.Name = name.String
	return user, nil
}

func (s *service) IsAuthorizedForTeam(ctx context.Context, userID, teamID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM public."TeamManager" WHERE "userId" = $1 AND "teamId" = $2)`,
		userID, teamID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("error checking team manager: %w", err)
	}
	return ok, nil
}

func (s *service) ListTeamManagers(ctx context.Context, teamID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT "userId" FROM public."TeamManager" WHERE "teamId" = $1 ORDER BY "userId"`, teamID)
	if err != nil {
		return nil, fmt.Errorf("error listing team managers: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("error scanning team manager: %w", err)
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over team managers: %w", err)
	}
	return users, nil
}

// GetTier returns the tier named after leagueID in the latest season.
func (s *service) GetTier(ctx context.Context, leagueID string) (types.Tier, error) {
	var tier types.Tier
	query := `
        SELECT t."id", t."name", t."seasonId", t."salaryCap", t."leagueLevel"
        FROM public."Tier" t
        JOIN public."Season" s ON s."id" = t."seasonId"
        WHERE t."name" = UPPER($1) AND s."isLatest"
        LIMIT 1
    `
	err := s.db.QueryRowContext(ctx, query, leagueID).Scan(
		&tier.ID,
		&tier.Name,
		&tier.SeasonID,
		&tier.SalaryCap,
		&tier.LeagueLevel,
	)
	if stderrors.Is(err, sql.ErrNoRows) {
		return types.Tier{}, auction.ErrNotFound
	}
	if err != nil {
		return types.Tier{}, fmt.Errorf("error getting tier %s: %w", leagueID, err)
	}
	return tier, nil
}

func (s *service) GetTeamSeason(ctx context.Context, teamID, tierID string) (types.TeamSeason, error) {
	var ts types.TeamSeason
	query := `
        SELECT ts."id", ts."teamId", tm."officialName", ts."tierId"
        FROM public."TeamSeason" ts
        JOIN public."Team" tm ON tm."id" = ts."teamId"
        WHERE ts."teamId" = $1 AND ts."tierId" = $2
        LIMIT 1
    `
	err := s.db.QueryRowContext(ctx, query, teamID, tierID).Scan(&ts.ID, &ts.TeamID, &ts.TeamName, &ts.TierID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return types.TeamSeason{}, auction.ErrNotFound
	}
	if err != nil {
		return types.TeamSeason{}, fmt.Errorf("error getting team season: %w", err)
	}
	return ts, nil
}

const rosterJoin = `
        FROM public."TeamSeason" ts
        JOIN public."PlayerTeamSeason" pts ON pts."teamSeasonId" = ts."id"
        JOIN public."PlayerSeason" ps ON ps."id" = pts."playerSeasonId"
        JOIN public."Contract" c ON c."id" = ps."contractId"
        WHERE ts."teamId" = $1 AND ts."tierId" = $2
`

func (s *service) GetTeamRosterCost(ctx context.Context, teamID, tierID string) (int64, error) {
	var cost int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(c."amount"), 0)`+rosterJoin, teamID, tierID).Scan(&cost)
	if err != nil {
		return 0, fmt.Errorf("error getting roster cost: %w", err)
	}
	return cost, nil
}

func (s *service) GetRosterPositionCounts(ctx context.Context, teamID, tierID string) (types.PositionCounts, error) {
	var counts types.PositionCounts
	rows, err := s.db.QueryContext(ctx, `SELECT ps."position"`+rosterJoin, teamID, tierID)
	if err != nil {
		return counts, fmt.Errorf("error getting roster positions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pos string
		if err := rows.Scan(&pos); err != nil {
			return counts, fmt.Errorf("error scanning roster position: %w", err)
		}
		counts.Add(pos)
	}
	if err := rows.Err(); err != nil {
		return counts, fmt.Errorf("error iterating over roster: %w", err)
	}
	return counts, nil
}

// ListEligiblePlayers returns the players flagged for bidding in the tier's
// season that are not yet on a roster of that tier.
func (s *service) ListEligiblePlayers(ctx context.Context, tierID string) ([]types.EligiblePlayer, error) {
	query := `
        SELECT ps."id", p."name", ps."position", c."id", c."amount"
        FROM public."PlayerSeason" ps
        JOIN public."Player" p ON p."id" = ps."playerId"
        JOIN public."Contract" c ON c."id" = ps."contractId"
        JOIN public."Tier" t ON t."seasonId" = ps."seasonId"
        WHERE t."id" = $1
          AND ps."isInBidding"
          AND NOT EXISTS (
              SELECT 1
              FROM public."PlayerTeamSeason" pts
              JOIN public."TeamSeason" ts ON ts."id" = pts."teamSeasonId"
              WHERE pts."playerSeasonId" = ps."id" AND ts."tierId" = t."id"
          )
        ORDER BY p."name"
    `
	rows, err := s.db.QueryContext(ctx, query, tierID)
	if err != nil {
		return nil, fmt.Errorf("error listing eligible players: %w", err)
	}
	defer rows.Close()

	var players []types.EligiblePlayer
	for rows.Next() {
		var p types.EligiblePlayer
		if err := rows.Scan(&p.PlayerID, &p.Name, &p.Position, &p.ContractID, &p.ContractFloor); err != nil {
			return nil, fmt.Errorf("error scanning eligible player: %w", err)
		}
		players = append(players, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over eligible players: %w", err)
	}
	return players, nil
}

// BeginTx starts a new database transaction.
func (s *service) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("error starting transaction: %w", err)
	}
	return tx, nil
}

// AssignPlayerToTeam links the player season to the team season. Assigning
// the same pair twice is a no-op.
func (s *service) AssignPlayerToTeam(ctx context.Context, playerID, teamSeasonID string) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var locked string
	err = tx.QueryRowContext(ctx,
		`SELECT "id" FROM public."PlayerSeason" WHERE "id" = $1 FOR UPDATE`, playerID,
	).Scan(&locked)
	if stderrors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("player season %s: %w", playerID, auction.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("error locking player season: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO public."PlayerTeamSeason" ("id", "playerSeasonId", "teamSeasonId")
        VALUES ($1, $2, $3)
        ON CONFLICT ("playerSeasonId", "teamSeasonId") DO NOTHING
    `, uuid.NewString(), playerID, teamSeasonID)
	if err != nil {
		return fmt.Errorf("error assigning player: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing assignment: %w", err)
	}
	log.Debug("Player assigned to team season", "player", playerID, "teamSeason", teamSeasonID)
	return nil
}

func (s *service) UpdateContractAmount(ctx context.Context, contractID string, amount int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE public."Contract" SET "amount" = $1, "updatedAt" = now() WHERE "id" = $2`, amount, contractID)
	if err != nil {
		return fmt.Errorf("error updating contract: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("contract %s: %w", contractID, auction.ErrNotFound)
	}
	return nil
}

func (s *service) ClearAuctionFlag(ctx context.Context, playerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE public."PlayerSeason" SET "isInBidding" = false WHERE "id" = $1`, playerID)
	if err != nil {
		return fmt.Errorf("error clearing bidding flag: %w", err)
	}
	return nil
}

// Send stores the notification in the user's inbox.
func (s *service) Send(ctx context.Context, userID string, n types.Notification) error {
	meta, err := json.Marshal(n.Metadata)
	if err != nil {
		return fmt.Errorf("error encoding notification metadata: %w", err)
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO public."Notification" ("id", "userId", "type", "title", "message", "metadata", "createdAt")
        VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
    `, n.ID, userID, string(n.Type), n.Title, n.Message, string(meta), n.CreatedAt)
	if err != nil {
		return fmt.Errorf("error creating notification: %w", err)
	}
	return nil
}

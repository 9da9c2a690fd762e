// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/sternosol-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrEmailTaken возвращается при попытке регистрации с уже занятым email.
var (
	ErrEmailTaken = errors.New("email already taken")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrGroupNotFound возвращается, если группа не найдена.
	ErrGroupNotFound = errors.New("group not found")
	// ErrAlreadyJoined возвращается при повторной попытке вступить в ту же группу.
	ErrAlreadyJoined = errors.New("user already joined group")
	// ErrAlreadyPaidOut возвращается, если для пары (пользователь, группа) уже есть действующая выплата пота.
	ErrAlreadyPaidOut = errors.New("payout already recorded")
	// ErrPaymentNotFound возвращается, если запись платежа не найдена.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrStatusChanged возвращается, если статус платежа изменился между чтением и записью.
	ErrStatusChanged = errors.New("payment status changed concurrently")
)

// Member описывает участника группы для админского списка.
type Member struct {
	ID     int64
	Nom    string
	Prenom string
	Email  string
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя. Дата регистрации проставляется БД.
func (r *PostgresRepository) CreateUser(ctx context.Context, u *model.User) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (nom, prenom, email, password_hash, telephone, banque, role)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		u.Nom, u.Prenom, u.Email, u.PasswordHash, u.Telephone, u.Banque, string(u.Role),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrEmailTaken, u.Email)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByEmail возвращает пользователя по email.
func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, nom, prenom, email, password_hash, telephone, banque, date_inscription, role
		 FROM users WHERE email = $1`,
		email,
	)
	return scanUser(row)
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, nom, prenom, email, password_hash, telephone, banque, date_inscription, role
		 FROM users WHERE id = $1`,
		id,
	)
	return scanUser(row)
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var role string
	err := row.Scan(&u.ID, &u.Nom, &u.Prenom, &u.Email, &u.PasswordHash, &u.Telephone, &u.Banque, &u.DateInscription, &role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = model.Role(role)
	return &u, nil
}

// CreateGroup создаёт группу. Дата создания проставляется БД, сумма хранится в сантимах.
func (r *PostgresRepository) CreateGroup(ctx context.Context, nomSol string, montantCentimes int64, frequence int, statut, createdBy string, nombreParticipants int) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO groupes (nom_sol, montant_par_periode, frequence, statut, created_by, nombre_participants)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		nomSol, montantCentimes, frequence, statut, createdBy, nombreParticipants,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create group: %w", err)
	}
	return id, nil
}

// ListGroups возвращает все группы, новые первыми.
func (r *PostgresRepository) ListGroups(ctx context.Context) ([]model.Group, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, nom_sol, montant_par_periode, frequence, statut, created_by, nombre_participants, date_creation
		 FROM groupes
		 ORDER BY id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("select groups: %w", err)
	}
	defer rows.Close()

	var res []model.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetGroup возвращает группу по идентификатору.
func (r *PostgresRepository) GetGroup(ctx context.Context, id int64) (*model.Group, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, nom_sol, montant_par_periode, frequence, statut, created_by, nombre_participants, date_creation
		 FROM groupes WHERE id = $1`,
		id,
	)

	g, err := scanGroup(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGroupNotFound
		}
		return nil, err
	}
	return g, nil
}

func scanGroup(row pgx.Row) (*model.Group, error) {
	var g model.Group
	var montantCentimes int64
	err := row.Scan(&g.ID, &g.NomSol, &montantCentimes, &g.Frequence, &g.Statut, &g.CreatedBy, &g.NombreParticipants, &g.DateCreation)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("scan group: %w", err)
	}
	g.MontantParPeriode = float64(montantCentimes) / 100
	return &g, nil
}

// CreateParticipation создаёт запись об участии. Уникальность пары (пользователь, группа)
// гарантирует ограничение в схеме, вставка — единственный арбитр.
func (r *PostgresRepository) CreateParticipation(ctx context.Context, userID, groupeID int64) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO participants (user_id, groupe_id) VALUES ($1, $2) RETURNING id`,
		userID, groupeID,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.UniqueViolation:
				return 0, ErrAlreadyJoined
			case pgerrcode.ForeignKeyViolation:
				if strings.Contains(pgErr.ConstraintName, "groupe") {
					return 0, ErrGroupNotFound
				}
				return 0, ErrUserNotFound
			}
		}
		return 0, fmt.Errorf("create participation: %w", err)
	}
	return id, nil
}

// GetGroupForUser возвращает группу, в которой состоит пользователь,
// либо nil, если он никуда не вступил.
func (r *PostgresRepository) GetGroupForUser(ctx context.Context, userID int64) (*model.Group, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT g.id, g.nom_sol, g.montant_par_periode, g.frequence, g.statut, g.created_by, g.nombre_participants, g.date_creation
		 FROM participants p
		 JOIN groupes g ON g.id = p.groupe_id
		 WHERE p.user_id = $1
		 ORDER BY p.id
		 LIMIT 1`,
		userID,
	)

	g, err := scanGroup(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return g, nil
}

// GetGroupMembers возвращает пользователей, вступивших в группу.
func (r *PostgresRepository) GetGroupMembers(ctx context.Context, groupeID int64) ([]Member, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.nom, u.prenom, u.email
		 FROM users u
		 JOIN participants p ON u.id = p.user_id
		 WHERE p.groupe_id = $1
		 ORDER BY p.id`,
		groupeID,
	)
	if err != nil {
		return nil, fmt.Errorf("select members: %w", err)
	}
	defer rows.Close()

	var res []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ID, &m.Nom, &m.Prenom, &m.Email); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		res = append(res, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreatePayment создаёт запись о взносе. Время создания проставляется БД с точностью до секунды.
func (r *PostgresRepository) CreatePayment(ctx context.Context, userID, groupeID int64, period int, amountCentimes int64, method model.PaymentMethod, filePath string, status model.PaymentStatus) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO payments (user_id, groupe_id, period_number, amount, method, file_path, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		userID, groupeID, period, amountCentimes, string(method), filePath, string(status),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			if strings.Contains(pgErr.ConstraintName, "groupe") {
				return 0, ErrGroupNotFound
			}
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("insert payment: %w", err)
	}
	return id, nil
}

// CreateStripePayment сохраняет подтверждённый онлайн-платёж и возвращает признак того,
// что запись действительно вставлена. Повторная доставка того же charge id — no-op.
func (r *PostgresRepository) CreateStripePayment(ctx context.Context, userID, groupeID int64, period int, amountCentimes int64, chargeID string) (bool, error) {
	var inserted bool
	err := r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`INSERT INTO payments (user_id, groupe_id, period_number, amount, method, file_path, status, stripe_charge_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (stripe_charge_id) DO NOTHING`,
			userID, groupeID, period, amountCentimes,
			string(model.MethodStripe), "stripe_online", string(model.StatusPaid), chargeID,
		)
		if err != nil {
			return err
		}
		inserted = cmdTag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("insert stripe payment: %w", err)
	}

	return inserted, nil
}

// CreatePayout создаёт сентинельную запись о выплате пота. Частичный уникальный индекс
// не допускает второй действующей выплаты для пары (пользователь, группа).
func (r *PostgresRepository) CreatePayout(ctx context.Context, userID, groupeID int64, amountCentimes int64) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO payments (user_id, groupe_id, period_number, amount, method, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		userID, groupeID, model.PayoutPeriod, amountCentimes,
		string(model.MethodVirement), string(model.StatusTransfere),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, ErrAlreadyPaidOut
		}
		return 0, fmt.Errorf("insert payout: %w", err)
	}
	return id, nil
}

// GetPaymentsByUserAndGroup возвращает платежи пары (пользователь, группа)
// по возрастанию номера периода.
func (r *PostgresRepository) GetPaymentsByUserAndGroup(ctx context.Context, userID, groupeID int64) ([]model.Payment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, groupe_id, period_number, amount, method, file_path, status, created_at, stripe_charge_id
		 FROM payments
		 WHERE user_id = $1 AND groupe_id = $2
		 ORDER BY period_number ASC`,
		userID, groupeID,
	)
	if err != nil {
		return nil, fmt.Errorf("select payments: %w", err)
	}
	defer rows.Close()

	var res []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetAllPayments возвращает полный журнал с отображаемыми полями пользователя и группы,
// новые записи первыми.
func (r *PostgresRepository) GetAllPayments(ctx context.Context) ([]model.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT p.id, p.user_id, p.groupe_id, p.period_number, p.amount, p.method, p.file_path, p.status, p.created_at, p.stripe_charge_id,
		        u.nom, u.prenom, u.email, g.nom_sol
		 FROM payments p
		 JOIN users u ON p.user_id = u.id
		 JOIN groupes g ON p.groupe_id = g.id
		 ORDER BY p.created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("select all payments: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		var (
			e              model.LedgerEntry
			amountCentimes int64
			method, status string
			chargeID       *string
		)
		err := rows.Scan(&e.ID, &e.UserID, &e.GroupeID, &e.PeriodNumber, &amountCentimes, &method, &e.FilePath, &status, &e.CreatedAt, &chargeID,
			&e.Nom, &e.Prenom, &e.Email, &e.NomSol)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Amount = float64(amountCentimes) / 100
		e.Method = model.PaymentMethod(method)
		e.Status = model.PaymentStatus(status)
		if chargeID != nil {
			e.StripeChargeID = *chargeID
		}
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetPayment возвращает запись платежа по идентификатору.
func (r *PostgresRepository) GetPayment(ctx context.Context, id int64) (*model.Payment, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, groupe_id, period_number, amount, method, file_path, status, created_at, stripe_charge_id
		 FROM payments WHERE id = $1`,
		id,
	)

	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return p, nil
}

func scanPayment(row pgx.Row) (*model.Payment, error) {
	var (
		p              model.Payment
		amountCentimes int64
		method, status string
		chargeID       *string
	)
	err := row.Scan(&p.ID, &p.UserID, &p.GroupeID, &p.PeriodNumber, &amountCentimes, &method, &p.FilePath, &status, &p.CreatedAt, &chargeID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	p.Amount = float64(amountCentimes) / 100
	p.Method = model.PaymentMethod(method)
	p.Status = model.PaymentStatus(status)
	if chargeID != nil {
		p.StripeChargeID = *chargeID
	}
	return &p, nil
}

// UpdatePaymentStatus переводит платёж из статуса from в to. Условие по исходному
// статусу защищает от параллельного изменения между чтением и записью.
func (r *PostgresRepository) UpdatePaymentStatus(ctx context.Context, id int64, from, to model.PaymentStatus) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE payments SET status = $3 WHERE id = $1 AND status = $2`,
		id, string(from), string(to),
	)
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		return ErrStatusChanged
	}

	return nil
}

// HasActiveContribution сообщает, есть ли у пары (пользователь, группа) хотя бы один
// неотменённый и неотклонённый взнос.
func (r *PostgresRepository) HasActiveContribution(ctx context.Context, userID, groupeID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM payments
		   WHERE user_id = $1 AND groupe_id = $2
		     AND period_number <> $3
		     AND status NOT IN ($4, $5)
		 )`,
		userID, groupeID, model.PayoutPeriod,
		string(model.StatusAnnule), string(model.StatusRejete),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check contribution: %w", err)
	}
	return exists, nil
}

// HasActivePayout сообщает, есть ли у пары (пользователь, группа) действующая выплата пота.
func (r *PostgresRepository) HasActivePayout(ctx context.Context, userID, groupeID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM payments
		   WHERE user_id = $1 AND groupe_id = $2 AND status = $3
		 )`,
		userID, groupeID, string(model.StatusTransfere),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check payout: %w", err)
	}
	return exists, nil
}

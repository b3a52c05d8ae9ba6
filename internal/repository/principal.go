package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goezid/internal/domain/model"
)

// PrincipalRepository — пользователи, группы и области.
type PrincipalRepository interface {
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GetGroupByName(ctx context.Context, groupname string) (*model.Group, error)
	GetGroupByID(ctx context.Context, id int64) (*model.Group, error)
	// EnsureRealm возвращает область по имени, создавая её при отсутствии.
	EnsureRealm(ctx context.Context, name string) (*model.Realm, error)
	GetRealmByName(ctx context.Context, name string) (*model.Realm, error)

	CreateGroup(ctx context.Context, g *model.Group) error
	CreateUser(ctx context.Context, u *model.User) error
	// MoveUser переводит пользователя в другую группу вместе с его идентификаторами.
	MoveUser(ctx context.Context, userID, groupID, realmID int64) (moved int64, err error)
	// MoveGroup переводит группу и всех её пользователей в область realmID.
	MoveGroup(ctx context.Context, groupID, realmID int64) (users int64, err error)
	// DeleteUser удаляет пользователя. Есть идентификаторы — ErrConflict.
	DeleteUser(ctx context.Context, id int64) error
	// DeleteGroup удаляет группу. Есть пользователи или идентификаторы — ErrConflict.
	DeleteGroup(ctx context.Context, id int64) error
	SetPassword(ctx context.Context, userID int64, hash string) error

	AddUserShoulder(ctx context.Context, userID, shoulderID int64) error
	AddGroupShoulder(ctx context.Context, groupID, shoulderID int64) error
	AddProxy(ctx context.Context, userID, proxyID int64) error

	// ProxyFor возвращает пользователей, для которых userID является доверенным.
	ProxyFor(ctx context.Context, userID int64) ([]int64, error)
	// EffectiveShoulders возвращает префиксы плеч пользователей: собственные
	// и унаследованные от группы (при inherit_group_shoulders).
	EffectiveShoulders(ctx context.Context, userIDs []int64) ([]string, error)
	// ListUsernames возвращает имена пользователей по фильтру, по алфавиту.
	ListUsernames(ctx context.Context, f UserFilter) ([]string, error)
}

// UserFilter — фильтр списка пользователей. Пустой — все пользователи.
type UserFilter struct {
	GroupID *int64
	RealmID *int64
}

const userColumns = `
	u.id, u.pid, u.username, u.display_name, u.email, u.group_id, u.realm_id,
	u.password_hash, u.is_group_administrator, u.is_realm_administrator,
	u.is_superuser, u.inherit_group_shoulders, u.crossref_enabled, u.crossref_email,
	ARRAY(SELECT shoulder_id FROM user_shoulders WHERE user_id = u.id ORDER BY shoulder_id),
	ARRAY(SELECT proxy_id FROM user_proxies WHERE user_id = u.id ORDER BY proxy_id),
	u.created_at`

const groupColumns = `
	g.id, g.pid, g.groupname, g.organization, g.realm_id, g.crossref_enabled,
	ARRAY(SELECT shoulder_id FROM group_shoulders WHERE group_id = g.id ORDER BY shoulder_id),
	g.created_at`

type principalRepo struct {
	db DBTX
}

// NewPrincipalRepository создаёт репозиторий принципалов.
func NewPrincipalRepository(db DBTX) PrincipalRepository {
	return &principalRepo{db: db}
}

func (r *principalRepo) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return r.getUser(ctx, `SELECT `+userColumns+` FROM users u WHERE u.username = $1`, username)
}

func (r *principalRepo) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return r.getUser(ctx, `SELECT `+userColumns+` FROM users u WHERE u.id = $1`, id)
}

func (r *principalRepo) getUser(ctx context.Context, query string, arg any) (*model.User, error) {
	var u model.User
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&u.ID, &u.PID, &u.Username, &u.DisplayName, &u.Email, &u.GroupID, &u.RealmID,
		&u.PasswordHash, &u.IsGroupAdministrator, &u.IsRealmAdministrator,
		&u.IsSuperuser, &u.InheritGroupShoulders, &u.CrossrefEnabled, &u.CrossrefEmail,
		&u.ShoulderIDs, &u.ProxyIDs, &u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения пользователя: %w", err)
	}
	return &u, nil
}

func (r *principalRepo) GetGroupByName(ctx context.Context, groupname string) (*model.Group, error) {
	return r.getGroup(ctx, `SELECT `+groupColumns+` FROM groups g WHERE g.groupname = $1`, groupname)
}

func (r *principalRepo) GetGroupByID(ctx context.Context, id int64) (*model.Group, error) {
	return r.getGroup(ctx, `SELECT `+groupColumns+` FROM groups g WHERE g.id = $1`, id)
}

func (r *principalRepo) getGroup(ctx context.Context, query string, arg any) (*model.Group, error) {
	var g model.Group
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&g.ID, &g.PID, &g.Groupname, &g.Organization, &g.RealmID, &g.CrossrefEnabled,
		&g.ShoulderIDs, &g.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения группы: %w", err)
	}
	return &g, nil
}

func (r *principalRepo) EnsureRealm(ctx context.Context, name string) (*model.Realm, error) {
	query := `
		INSERT INTO realms (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name`

	var realm model.Realm
	if err := r.db.QueryRow(ctx, query, name).Scan(&realm.ID, &realm.Name); err != nil {
		return nil, fmt.Errorf("ошибка создания области: %w", err)
	}
	return &realm, nil
}

func (r *principalRepo) GetRealmByName(ctx context.Context, name string) (*model.Realm, error) {
	var realm model.Realm
	err := r.db.QueryRow(ctx, `SELECT id, name FROM realms WHERE name = $1`, name).Scan(&realm.ID, &realm.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения области: %w", err)
	}
	return &realm, nil
}

func (r *principalRepo) CreateGroup(ctx context.Context, g *model.Group) error {
	query := `
		INSERT INTO groups (pid, groupname, organization, realm_id, crossref_enabled)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	err := r.db.QueryRow(ctx, query,
		g.PID, g.Groupname, g.Organization, g.RealmID, g.CrossrefEnabled,
	).Scan(&g.ID, &g.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: группа %s уже существует", ErrConflict, g.Groupname)
		}
		return fmt.Errorf("ошибка создания группы: %w", err)
	}
	return nil
}

func (r *principalRepo) CreateUser(ctx context.Context, u *model.User) error {
	query := `
		INSERT INTO users (pid, username, display_name, email, group_id, realm_id, password_hash,
			is_group_administrator, is_realm_administrator, is_superuser,
			inherit_group_shoulders, crossref_enabled, crossref_email)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at`

	err := r.db.QueryRow(ctx, query,
		u.PID, u.Username, u.DisplayName, u.Email, u.GroupID, u.RealmID, u.PasswordHash,
		u.IsGroupAdministrator, u.IsRealmAdministrator, u.IsSuperuser,
		u.InheritGroupShoulders, u.CrossrefEnabled, u.CrossrefEmail,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: пользователь %s уже существует", ErrConflict, u.Username)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: группа %d не найдена", ErrNotFound, u.GroupID)
		}
		return fmt.Errorf("ошибка создания пользователя: %w", err)
	}
	return nil
}

func (r *principalRepo) MoveUser(ctx context.Context, userID, groupID, realmID int64) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET group_id = $2, realm_id = $3 WHERE id = $1`, userID, groupID, realmID)
	if err != nil {
		return 0, fmt.Errorf("ошибка перевода пользователя: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrNotFound
	}
	tag, err = r.db.Exec(ctx,
		`UPDATE identifiers SET owner_group_id = $2 WHERE owner_id = $1`, userID, groupID)
	if err != nil {
		return 0, fmt.Errorf("ошибка перевода идентификаторов: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *principalRepo) MoveGroup(ctx context.Context, groupID, realmID int64) (int64, error) {
	tag, err := r.db.Exec(ctx, `UPDATE groups SET realm_id = $2 WHERE id = $1`, groupID, realmID)
	if err != nil {
		return 0, fmt.Errorf("ошибка перевода группы: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrNotFound
	}
	tag, err = r.db.Exec(ctx, `UPDATE users SET realm_id = $2 WHERE group_id = $1`, groupID, realmID)
	if err != nil {
		return 0, fmt.Errorf("ошибка перевода пользователей группы: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *principalRepo) DeleteUser(ctx context.Context, id int64) error {
	return r.deleteByID(ctx, `DELETE FROM users WHERE id = $1`, id, "пользователь")
}

func (r *principalRepo) DeleteGroup(ctx context.Context, id int64) error {
	return r.deleteByID(ctx, `DELETE FROM groups WHERE id = $1`, id, "группа")
}

func (r *principalRepo) deleteByID(ctx context.Context, query string, id int64, what string) error {
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: %s %d используется", ErrConflict, what, id)
		}
		return fmt.Errorf("ошибка удаления: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *principalRepo) SetPassword(ctx context.Context, userID int64, hash string) error {
	tag, err := r.db.Exec(ctx, `UPDATE users SET password_hash = $2 WHERE id = $1`, userID, hash)
	if err != nil {
		return fmt.Errorf("ошибка смены пароля: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *principalRepo) AddUserShoulder(ctx context.Context, userID, shoulderID int64) error {
	return r.link(ctx, `INSERT INTO user_shoulders (user_id, shoulder_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, userID, shoulderID)
}

func (r *principalRepo) AddGroupShoulder(ctx context.Context, groupID, shoulderID int64) error {
	return r.link(ctx, `INSERT INTO group_shoulders (group_id, shoulder_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, groupID, shoulderID)
}

func (r *principalRepo) AddProxy(ctx context.Context, userID, proxyID int64) error {
	return r.link(ctx, `INSERT INTO user_proxies (user_id, proxy_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, userID, proxyID)
}

func (r *principalRepo) link(ctx context.Context, query string, a, b int64) error {
	if _, err := r.db.Exec(ctx, query, a, b); err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: связь %d-%d", ErrNotFound, a, b)
		}
		return fmt.Errorf("ошибка создания связи: %w", err)
	}
	return nil
}

func (r *principalRepo) ProxyFor(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := r.db.Query(ctx,
		`SELECT user_id FROM user_proxies WHERE proxy_id = $1 ORDER BY user_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения доверителей: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (r *principalRepo) EffectiveShoulders(ctx context.Context, userIDs []int64) ([]string, error) {
	query := `
		SELECT s.prefix FROM shoulders s
		JOIN user_shoulders us ON us.shoulder_id = s.id
		WHERE us.user_id = ANY($1)
		UNION
		SELECT s.prefix FROM shoulders s
		JOIN group_shoulders gs ON gs.shoulder_id = s.id
		JOIN users u ON u.group_id = gs.group_id
		WHERE u.id = ANY($1) AND u.inherit_group_shoulders
		ORDER BY 1`

	rows, err := r.db.Query(ctx, query, userIDs)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения плеч пользователя: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r *principalRepo) ListUsernames(ctx context.Context, f UserFilter) ([]string, error) {
	var conditions []string
	var args []any
	if f.GroupID != nil {
		args = append(args, *f.GroupID)
		conditions = append(conditions, fmt.Sprintf("group_id = $%d", len(args)))
	}
	if f.RealmID != nil {
		args = append(args, *f.RealmID)
		conditions = append(conditions, fmt.Sprintf("realm_id = $%d", len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	rows, err := r.db.Query(ctx, `SELECT username FROM users`+where+` ORDER BY username`, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка пользователей: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

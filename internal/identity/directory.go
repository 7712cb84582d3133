package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "sudooom.im.inbox/internal/errors"
	"sudooom.im.inbox/internal/model"
)

// Profile 展示信息
type Profile struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

// Directory 用户目录
type Directory interface {
	Exists(ctx context.Context, id string) (bool, error)
	DisplayInfo(ctx context.Context, id string) (Profile, error)
}

// MemoryDirectory 静态用户目录，open 模式下任何合法 ID 都视为存在
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]Profile
	open  bool
}

// NewMemoryDirectory 创建内存目录
func NewMemoryDirectory(open bool, users ...Profile) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]Profile), open: open}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

// Add 注册用户
func (d *MemoryDirectory) Add(p Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[p.ID] = p
}

func (d *MemoryDirectory) Exists(ctx context.Context, id string) (bool, error) {
	if d.open {
		return model.ValidViewerID(id), nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.users[id]
	return ok, nil
}

func (d *MemoryDirectory) DisplayInfo(ctx context.Context, id string) (Profile, error) {
	d.mu.RLock()
	p, ok := d.users[id]
	d.mu.RUnlock()
	if ok {
		return p, nil
	}
	if d.open && model.ValidViewerID(id) {
		return Profile{ID: id, Name: id}, nil
	}
	return Profile{}, apperrors.ErrNotFound.WithMessage(fmt.Sprintf("user %s not found", id))
}

// PostgresDirectory 基于 users 表的目录
type PostgresDirectory struct {
	db    *pgxpool.Pool
	table string
}

// NewPostgresDirectory 创建 PostgreSQL 目录
func NewPostgresDirectory(db *pgxpool.Pool, table string) *PostgresDirectory {
	return &PostgresDirectory{db: db, table: pgx.Identifier{table}.Sanitize()}
}

func (d *PostgresDirectory) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE id::text = $1)`, d.table)
	err := d.db.QueryRow(ctx, query, id).Scan(&exists)
	return exists, err
}

func (d *PostgresDirectory) DisplayInfo(ctx context.Context, id string) (Profile, error) {
	query := fmt.Sprintf(`SELECT id::text, COALESCE(nickname, ''), COALESCE(avatar, '') FROM %s WHERE id::text = $1`, d.table)
	var p Profile
	err := d.db.QueryRow(ctx, query, id).Scan(&p.ID, &p.Name, &p.Avatar)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, apperrors.ErrNotFound.WithMessage(fmt.Sprintf("user %s not found", id))
		}
		return Profile{}, err
	}
	return p, nil
}

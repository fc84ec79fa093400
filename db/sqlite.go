// Package db persists resolved coordinates, served forecasts, dataset update runs and model evaluations in sqlite.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"cropnex/forecast"
	"cropnex/market"
	"cropnex/pipeline"
)

// Config 数据库配置
type Config struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// Store sqlite 存储。实现 market.CoordinateStore 和 pipeline.RunRecorder。
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	preparedStmts map[string]*sql.Stmt
	stmtLock      sync.RWMutex
}

// ForecastEntry 一次已返回的预测
type ForecastEntry struct {
	Entity    string    `json:"entity"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	Days      int       `json:"days"`
	Average   float64   `json:"average"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	queryLoadCoordinate = `SELECT lat, lon FROM geocodes WHERE place = ?`
	querySaveCoordinate = `INSERT OR REPLACE INTO geocodes (place, lat, lon, resolved_at) VALUES (?, ?, ?, ?)`
	queryLogForecast    = `INSERT INTO forecast_log (entity, start_date, end_date, days, average, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`
	queryRecordRun = `INSERT OR REPLACE INTO update_runs
        (id, snapshot, today, started_at, duration_ms, entities, updated, rows_synthesized, skipped)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	queryRecordEvaluation = `INSERT INTO evaluation_log
        (model_kind, model_source, seq_length, holdout_ratio, samples, rmse, mae, price_rmse, evaluated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// Open 打开数据库并建表
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 4
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)

	s := &Store{
		db:            db,
		logger:        logger.Named("db"),
		preparedStmts: make(map[string]*sql.Stmt),
	}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables failed: %w", err)
	}
	if err := s.createIndexes(); err != nil {
		s.logger.Warn("create indexes failed", zap.Error(err))
	}
	return s, nil
}

// createTables 创建表
func (s *Store) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS geocodes (
            place TEXT PRIMARY KEY,
            lat REAL NOT NULL,
            lon REAL NOT NULL,
            resolved_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS forecast_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            entity TEXT NOT NULL,
            start_date DATETIME NOT NULL,
            end_date DATETIME NOT NULL,
            days INTEGER NOT NULL,
            average REAL NOT NULL,
            created_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS update_runs (
            id TEXT PRIMARY KEY,
            snapshot TEXT NOT NULL,
            today DATETIME NOT NULL,
            started_at DATETIME NOT NULL,
            duration_ms INTEGER NOT NULL,
            entities INTEGER NOT NULL,
            updated INTEGER NOT NULL,
            rows_synthesized INTEGER NOT NULL,
            skipped TEXT
        )`,
		`CREATE TABLE IF NOT EXISTS evaluation_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            model_kind TEXT NOT NULL,
            model_source TEXT NOT NULL,
            seq_length INTEGER NOT NULL,
            holdout_ratio REAL NOT NULL,
            samples INTEGER NOT NULL,
            rmse REAL NOT NULL,
            mae REAL NOT NULL,
            price_rmse REAL NOT NULL,
            evaluated_at DATETIME NOT NULL
        )`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// createIndexes 创建索引
func (s *Store) createIndexes() error {
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_forecast_log_entity ON forecast_log(entity, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_update_runs_started ON update_runs(started_at)`,
	}
	for _, q := range indexes {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// getPreparedStmt 获取预编译语句
func (s *Store) getPreparedStmt(query string) (*sql.Stmt, error) {
	s.stmtLock.RLock()
	stmt, ok := s.preparedStmts[query]
	s.stmtLock.RUnlock()
	if ok {
		return stmt, nil
	}

	s.stmtLock.Lock()
	defer s.stmtLock.Unlock()
	if stmt, ok := s.preparedStmts[query]; ok {
		return stmt, nil
	}
	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, err
	}
	s.preparedStmts[query] = stmt
	return stmt, nil
}

// LoadCoordinate 读取已解析的坐标
func (s *Store) LoadCoordinate(ctx context.Context, place string) (market.Coordinate, bool, error) {
	stmt, err := s.getPreparedStmt(queryLoadCoordinate)
	if err != nil {
		return market.Coordinate{}, false, err
	}
	var c market.Coordinate
	err = stmt.QueryRowContext(ctx, place).Scan(&c.Lat, &c.Lon)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Coordinate{}, false, nil
	}
	if err != nil {
		return market.Coordinate{}, false, fmt.Errorf("load coordinate for %q: %w", place, err)
	}
	return c, true, nil
}

// SaveCoordinate 保存解析结果，同名覆盖
func (s *Store) SaveCoordinate(ctx context.Context, place string, c market.Coordinate) error {
	stmt, err := s.getPreparedStmt(querySaveCoordinate)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, place, c.Lat, c.Lon, time.Now().UTC()); err != nil {
		return fmt.Errorf("save coordinate for %q: %w", place, err)
	}
	return nil
}

// LogForecast 记录一次已返回的预测
func (s *Store) LogForecast(ctx context.Context, fc *forecast.Forecast) error {
	if fc == nil || len(fc.Dates) == 0 {
		return nil
	}
	stmt, err := s.getPreparedStmt(queryLogForecast)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx,
		fc.Entity.String(),
		fc.Dates[0],
		fc.Dates[len(fc.Dates)-1],
		len(fc.Prices),
		fc.Average,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("log forecast for %s: %w", fc.Entity, err)
	}
	return nil
}

// RecentForecasts 按时间倒序返回某个实体最近的预测记录，entity 为空时返回全部实体
func (s *Store) RecentForecasts(ctx context.Context, entity string, limit int) ([]ForecastEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT entity, start_date, end_date, days, average, created_at
        FROM forecast_log
        WHERE ? = '' OR entity = ?
        ORDER BY id DESC
        LIMIT ?`, entity, entity, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]ForecastEntry, 0)
	for rows.Next() {
		var e ForecastEntry
		if err := rows.Scan(&e.Entity, &e.StartDate, &e.EndDate, &e.Days, &e.Average, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RecordUpdateRun 保存一次数据集更新的报告
func (s *Store) RecordUpdateRun(ctx context.Context, report *pipeline.UpdateReport) error {
	stmt, err := s.getPreparedStmt(queryRecordRun)
	if err != nil {
		return err
	}

	var skipped string
	if len(report.Skipped) > 0 {
		data, err := json.Marshal(report.Skipped)
		if err != nil {
			return err
		}
		skipped = string(data)
	}

	_, err = stmt.ExecContext(ctx,
		report.ID,
		report.Snapshot,
		report.Today,
		report.StartedAt,
		report.Duration.Milliseconds(),
		report.Entities,
		report.Updated,
		report.RowsSynthesized,
		skipped,
	)
	if err != nil {
		return fmt.Errorf("record update run %s: %w", report.ID, err)
	}
	return nil
}

// LastUpdateRun 返回最近一次更新报告，没有记录时返回 nil
func (s *Store) LastUpdateRun(ctx context.Context) (*pipeline.UpdateReport, error) {
	var (
		r          pipeline.UpdateReport
		durationMs int64
		skipped    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
        SELECT id, snapshot, today, started_at, duration_ms, entities, updated, rows_synthesized, skipped
        FROM update_runs
        ORDER BY started_at DESC
        LIMIT 1`).Scan(&r.ID, &r.Snapshot, &r.Today, &r.StartedAt, &durationMs,
		&r.Entities, &r.Updated, &r.RowsSynthesized, &skipped)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Duration = time.Duration(durationMs) * time.Millisecond
	if skipped.Valid && skipped.String != "" {
		if err := json.Unmarshal([]byte(skipped.String), &r.Skipped); err != nil {
			return nil, fmt.Errorf("decode skipped entities: %w", err)
		}
	}
	return &r, nil
}

// EvaluationLog 一次模型回测的记录。RMSE/MAE 为缩放后的价格单位，PriceRMSE 为原始价格单位
type EvaluationLog struct {
	ModelKind    string    `json:"model_kind"`
	ModelSource  string    `json:"model_source"`
	SeqLength    int       `json:"seq_length"`
	HoldoutRatio float64   `json:"holdout_ratio"`
	Samples      int       `json:"samples"`
	RMSE         float64   `json:"rmse"`
	MAE          float64   `json:"mae"`
	PriceRMSE    float64   `json:"price_rmse"`
	EvaluatedAt  time.Time `json:"evaluated_at"`
}

// RecordEvaluation 保存回测记录
func (s *Store) RecordEvaluation(ctx context.Context, entry EvaluationLog) error {
	stmt, err := s.getPreparedStmt(queryRecordEvaluation)
	if err != nil {
		return err
	}
	if entry.EvaluatedAt.IsZero() {
		entry.EvaluatedAt = time.Now().UTC()
	}
	_, err = stmt.ExecContext(ctx, entry.ModelKind, entry.ModelSource, entry.SeqLength, entry.HoldoutRatio,
		entry.Samples, entry.RMSE, entry.MAE, entry.PriceRMSE, entry.EvaluatedAt)
	return err
}

// LoadEvaluationLog 按时间倒序返回回测记录
func (s *Store) LoadEvaluationLog(ctx context.Context) ([]EvaluationLog, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT model_kind, model_source, seq_length, holdout_ratio, samples, rmse, mae, price_rmse, evaluated_at
        FROM evaluation_log
        ORDER BY id DESC
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]EvaluationLog, 0)
	for rows.Next() {
		var l EvaluationLog
		if err := rows.Scan(&l.ModelKind, &l.ModelSource, &l.SeqLength, &l.HoldoutRatio, &l.Samples,
			&l.RMSE, &l.MAE, &l.PriceRMSE, &l.EvaluatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// Close 关闭预编译语句和数据库
func (s *Store) Close() error {
	s.stmtLock.Lock()
	defer s.stmtLock.Unlock()

	var err error
	for q, stmt := range s.preparedStmts {
		err = multierr.Append(err, stmt.Close())
		delete(s.preparedStmts, q)
	}
	return multierr.Append(err, s.db.Close())
}

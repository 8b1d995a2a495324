package run

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"IntentGuard-Chain/internal/artifact"
	xerrors "IntentGuard-Chain/internal/errors"
)

// MySQLStore 把运行、阶段审计与外部调用记录落到 MySQL。
// 状态迁移全部走带 WHERE status=? 的条件更新,受影响行数为 0 时
// 回读一次当前行来区分不存在、终态与并发冲突。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 连接 MySQL 并确保表结构存在。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if dsn == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 MySQL 连接失败")
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	store := &MySQLStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

var _ Store = (*MySQLStore)(nil)

func (s *MySQLStore) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id VARCHAR(64) PRIMARY KEY,
			intent TEXT NOT NULL,
			wallet_address VARCHAR(64) NOT NULL,
			chain_id VARCHAR(32) NOT NULL,
			status VARCHAR(32) NOT NULL,
			final_status VARCHAR(32) NOT NULL DEFAULT '',
			current_step VARCHAR(64) NOT NULL DEFAULT '',
			error_code VARCHAR(64) NOT NULL DEFAULT '',
			error_message TEXT,
			artifacts LONGTEXT,
			metadata TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			KEY idx_runs_status (status),
			KEY idx_runs_created (created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS run_steps (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			name VARCHAR(64) NOT NULL,
			status VARCHAR(16) NOT NULL,
			agent VARCHAR(64) NOT NULL DEFAULT '',
			input MEDIUMTEXT,
			output MEDIUMTEXT,
			created_at BIGINT NOT NULL,
			KEY idx_run_steps_run (run_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			tool VARCHAR(64) NOT NULL,
			request MEDIUMTEXT,
			response MEDIUMTEXT,
			error TEXT,
			created_at BIGINT NOT NULL,
			KEY idx_tool_calls_run (run_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化运行表结构失败")
		}
	}
	return nil
}

// CreateRun 插入一条新的运行记录。
func (s *MySQLStore) CreateRun(ctx context.Context, r *Run) error {
	if r == nil || r.ID == "" {
		return xerrors.New(CodeRunValidation, "运行 ID 不能为空")
	}
	now := time.Now().Unix()
	createdAt := r.CreatedAt
	if createdAt == 0 {
		createdAt = now
	}
	status := r.Status
	if status == "" {
		status = StatusCreated
	}
	artifactsJSON, err := encodeArtifacts(r.Artifacts)
	if err != nil {
		return err
	}
	metadataJSON, err := encodeMetadata(r.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, intent, wallet_address, chain_id, status, final_status,
			current_step, error_code, error_message, artifacts, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Intent, r.WalletAddress, r.ChainID, string(status), r.FinalStatus,
		r.CurrentStep, r.ErrorCode, r.ErrorMessage, artifactsJSON, metadataJSON, createdAt, now)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.Wrap(CodeRunConflict, ErrRunConflict, "运行 "+r.ID+" 已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入运行记录失败")
	}
	return nil
}

// GetRun 按 ID 读取运行。
func (s *MySQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, intent, wallet_address, chain_id, status, final_status,
			current_step, error_code, error_message, artifacts, metadata, created_at, updated_at
		 FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// ListRuns 按过滤条件返回运行,创建时间倒序。
func (s *MySQLStore) ListRuns(ctx context.Context, filter ListFilter) ([]*Run, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, intent, wallet_address, chain_id, status, final_status,
		current_step, error_code, error_message, artifacts, metadata, created_at, updated_at
	 FROM runs`)
	args := make([]any, 0, len(filter.Statuses)+2)
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		query.WriteString(" WHERE status IN (" + strings.Join(placeholders, ", ") + ")")
	}
	query.WriteString(" ORDER BY created_at DESC, id DESC")
	if filter.Limit > 0 {
		query.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query.WriteString(" OFFSET ?")
			args = append(args, filter.Offset)
		}
	}
	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行列表失败")
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历运行列表失败")
	}
	return out, nil
}

// UpdateStatus 做带期望来源状态的条件迁移。
func (s *MySQLStore) UpdateStatus(ctx context.Context, id string, from, to Status) error {
	if err := ValidateTransition(from, to); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().Unix(), id, string(from))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新运行状态失败")
	}
	return s.classifyCASResult(ctx, result, id, from)
}

// FinalizeRun 在一次条件更新中完成状态迁移与收尾字段写入。
func (s *MySQLStore) FinalizeRun(ctx context.Context, id string, from, to Status, outcome Outcome) error {
	if err := ValidateTransition(from, to); err != nil {
		return err
	}
	artifactsJSON, err := encodeArtifacts(outcome.Artifacts)
	if err != nil {
		return err
	}
	var result sql.Result
	if outcome.Artifacts != nil {
		result, err = s.db.ExecContext(ctx,
			`UPDATE runs SET status = ?, final_status = ?, error_code = ?, error_message = ?,
				artifacts = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			string(to), outcome.FinalStatus, outcome.ErrorCode, outcome.ErrorMessage,
			artifactsJSON, time.Now().Unix(), id, string(from))
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE runs SET status = ?, final_status = ?, error_code = ?, error_message = ?,
				updated_at = ?
			 WHERE id = ? AND status = ?`,
			string(to), outcome.FinalStatus, outcome.ErrorCode, outcome.ErrorMessage,
			time.Now().Unix(), id, string(from))
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入运行收尾信息失败")
	}
	return s.classifyCASResult(ctx, result, id, from)
}

// UpdateArtifacts 覆盖运行的工件快照。
func (s *MySQLStore) UpdateArtifacts(ctx context.Context, id string, a *artifact.Artifacts) error {
	artifactsJSON, err := encodeArtifacts(a)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET artifacts = ?, updated_at = ? WHERE id = ?`,
		artifactsJSON, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新运行工件失败")
	}
	return requireRowAffected(result, id)
}

// SetCurrentStep 更新正在执行的阶段名。
func (s *MySQLStore) SetCurrentStep(ctx context.Context, id, step string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET current_step = ?, updated_at = ? WHERE id = ?`,
		step, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新运行阶段失败")
	}
	return requireRowAffected(result, id)
}

// AppendStep 追加一条阶段审计记录。
func (s *MySQLStore) AppendStep(ctx context.Context, step *Step) error {
	if step == nil || step.RunID == "" {
		return xerrors.New(CodeRunValidation, "阶段记录缺少运行 ID")
	}
	createdAt := step.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_steps (run_id, name, status, agent, input, output, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		step.RunID, step.Name, string(step.Status), step.Agent, step.Input, step.Output, createdAt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "追加阶段记录失败")
	}
	return nil
}

// ListSteps 按追加顺序返回运行的阶段记录。
func (s *MySQLStore) ListSteps(ctx context.Context, runID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, name, status, agent, input, output, created_at
		 FROM run_steps WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询阶段记录失败")
	}
	defer rows.Close()

	var out []*Step
	for rows.Next() {
		step := &Step{}
		var status string
		var input, output sql.NullString
		if err := rows.Scan(&step.ID, &step.RunID, &step.Name, &status,
			&step.Agent, &input, &output, &step.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析阶段记录失败")
		}
		step.Status = StepStatus(status)
		step.Input = input.String
		step.Output = output.String
		out = append(out, step)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历阶段记录失败")
	}
	return out, nil
}

// AppendToolCall 追加一条外部调用记录。
func (s *MySQLStore) AppendToolCall(ctx context.Context, call *ToolCall) error {
	if call == nil || call.RunID == "" {
		return xerrors.New(CodeRunValidation, "调用记录缺少运行 ID")
	}
	createdAt := call.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (run_id, tool, request, response, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		call.RunID, call.Tool, call.Request, call.Response, call.Error, createdAt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "追加调用记录失败")
	}
	return nil
}

// ListToolCalls 按追加顺序返回运行的外部调用记录。
func (s *MySQLStore) ListToolCalls(ctx context.Context, runID string) ([]*ToolCall, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, tool, request, response, error, created_at
		 FROM tool_calls WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询调用记录失败")
	}
	defer rows.Close()

	var out []*ToolCall
	for rows.Next() {
		call := &ToolCall{}
		var request, response, callErr sql.NullString
		if err := rows.Scan(&call.ID, &call.RunID, &call.Tool,
			&request, &response, &callErr, &call.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析调用记录失败")
		}
		call.Request = request.String
		call.Response = response.String
		call.Error = callErr.String
		out = append(out, call)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历调用记录失败")
	}
	return out, nil
}

// Close 释放数据库连接。
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

// classifyCASResult 把条件更新的零行结果归类为不存在、终态或冲突。
func (s *MySQLStore) classifyCASResult(ctx context.Context, result sql.Result, id string, expected Status) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected > 0 {
		return nil
	}
	current, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	return classifyMismatch(current.Status, expected)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	r := &Run{}
	var status string
	var errorMessage, artifactsJSON, metadataJSON sql.NullString
	err := row.Scan(&r.ID, &r.Intent, &r.WalletAddress, &r.ChainID, &status,
		&r.FinalStatus, &r.CurrentStep, &r.ErrorCode, &errorMessage,
		&artifactsJSON, &metadataJSON, &r.CreatedAt, &r.UpdatedAt)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.Wrap(CodeRunNotFound, ErrRunNotFound, "运行不存在")
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行记录失败")
	}
	r.Status = Status(status)
	r.ErrorMessage = errorMessage.String
	if artifactsJSON.Valid && artifactsJSON.String != "" {
		a := &artifact.Artifacts{}
		if err := json.Unmarshal([]byte(artifactsJSON.String), a); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "反序列化运行工件失败")
		}
		r.Artifacts = a
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		metadata := map[string]any{}
		if err := json.Unmarshal([]byte(metadataJSON.String), &metadata); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "反序列化运行元数据失败")
		}
		r.Metadata = metadata
	}
	return r, nil
}

func requireRowAffected(result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		return xerrors.Wrap(CodeRunNotFound, ErrRunNotFound, "运行 "+id+" 不存在")
	}
	return nil
}

func encodeArtifacts(a *artifact.Artifacts) (sql.NullString, error) {
	if a == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return sql.NullString{}, xerrors.Wrap(xerrors.CodeStorageFailure, err,
			fmt.Sprintf("序列化运行工件失败: %v", err))
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func encodeMetadata(metadata map[string]any) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化运行元数据失败")
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

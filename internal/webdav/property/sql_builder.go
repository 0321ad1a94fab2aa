package property

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// Dialect SQL方言，决定占位符写法
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// Rebind 将 ? 占位符转换为方言对应的写法
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// ========================================
// SELECT
// ========================================

// SQLBuilder SQL查询构建器
type SQLBuilder struct {
	dialect    Dialect
	table      string
	selectCols []string
	whereConds []string
	orderBy    []string
	args       []interface{}
}

// NewSelectBuilder 创建新的SELECT查询构建器
func NewSelectBuilder(dialect Dialect, table string, cols ...string) *SQLBuilder {
	if len(cols) == 0 {
		cols = []string{"*"}
	}
	return &SQLBuilder{dialect: dialect, table: table, selectCols: cols}
}

// Where 添加WHERE条件
func (b *SQLBuilder) Where(condition string, args ...interface{}) *SQLBuilder {
	b.whereConds = append(b.whereConds, condition)
	b.args = append(b.args, args...)
	return b
}

// And AND连接
func (b *SQLBuilder) And(condition string, args ...interface{}) *SQLBuilder {
	b.whereConds = append(b.whereConds, "AND "+condition)
	b.args = append(b.args, args...)
	return b
}

// OrderBy 添加ORDER BY
func (b *SQLBuilder) OrderBy(cols ...string) *SQLBuilder {
	b.orderBy = append(b.orderBy, cols...)
	return b
}

// Args 获取参数
func (b *SQLBuilder) Args() []interface{} {
	return b.args
}

// Build 构建SQL语句
func (b *SQLBuilder) Build() string {
	var query strings.Builder

	query.WriteString("SELECT ")
	query.WriteString(strings.Join(b.selectCols, ", "))
	query.WriteString(" FROM " + b.table)

	if len(b.whereConds) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(b.whereConds, " "))
	}

	if len(b.orderBy) > 0 {
		query.WriteString(" ORDER BY ")
		query.WriteString(strings.Join(b.orderBy, ", "))
	}

	return b.dialect.Rebind(query.String())
}

// ExecuteQuery 执行查询
func (b *SQLBuilder) ExecuteQuery(ctx context.Context, db queryer) (*sql.Rows, error) {
	return db.QueryContext(ctx, b.Build(), b.args...)
}

// ========================================
// INSERT
// ========================================

// InsertBuilder INSERT构建器，支持冲突时更新
type InsertBuilder struct {
	dialect    Dialect
	table      string
	cols       []string
	values     [][]interface{}
	onConflict []string
	updateCols []string
}

// NewInsertBuilder 创建INSERT构建器
func NewInsertBuilder(dialect Dialect, table string) *InsertBuilder {
	return &InsertBuilder{dialect: dialect, table: table}
}

// Columns 设置列
func (i *InsertBuilder) Columns(cols ...string) *InsertBuilder {
	i.cols = append(i.cols, cols...)
	return i
}

// Values 添加一行值
func (i *InsertBuilder) Values(vals ...interface{}) *InsertBuilder {
	i.values = append(i.values, vals)
	return i
}

// OnConflict 设置冲突列，未指定更新列时忽略冲突行
func (i *InsertBuilder) OnConflict(cols ...string) *InsertBuilder {
	i.onConflict = append(i.onConflict, cols...)
	return i
}

// DoUpdate 冲突时用新值更新的列
func (i *InsertBuilder) DoUpdate(cols ...string) *InsertBuilder {
	i.updateCols = append(i.updateCols, cols...)
	return i
}

// Args 返回按行展开的参数列表
func (i *InsertBuilder) Args() []interface{} {
	var args []interface{}
	for _, row := range i.values {
		args = append(args, row...)
	}
	return args
}

// Build 构建INSERT语句
func (i *InsertBuilder) Build() string {
	var query strings.Builder

	query.WriteString("INSERT INTO " + i.table)
	if len(i.cols) > 0 {
		query.WriteString(" (" + strings.Join(i.cols, ", ") + ")")
	}

	if len(i.values) > 0 {
		query.WriteString(" VALUES ")
		placeholders := make([]string, len(i.values[0]))
		for j := range placeholders {
			placeholders[j] = "?"
		}
		row := "(" + strings.Join(placeholders, ", ") + ")"
		for idx := range i.values {
			if idx > 0 {
				query.WriteString(", ")
			}
			query.WriteString(row)
		}
	}

	if len(i.onConflict) > 0 {
		query.WriteString(" ON CONFLICT (" + strings.Join(i.onConflict, ", ") + ")")
		if len(i.updateCols) == 0 {
			query.WriteString(" DO NOTHING")
		} else {
			sets := make([]string, len(i.updateCols))
			for j, c := range i.updateCols {
				sets[j] = fmt.Sprintf("%s = excluded.%s", c, c)
			}
			query.WriteString(" DO UPDATE SET " + strings.Join(sets, ", "))
		}
	}

	return i.dialect.Rebind(query.String())
}

// Execute 执行INSERT
func (i *InsertBuilder) Execute(ctx context.Context, db execer) (sql.Result, error) {
	return db.ExecContext(ctx, i.Build(), i.Args()...)
}

// ========================================
// DELETE
// ========================================

// DeleteBuilder DELETE构建器，条件之间以 AND 连接
type DeleteBuilder struct {
	dialect    Dialect
	table      string
	conditions []string
	args       []interface{}
}

// NewDeleteBuilder 创建DELETE构建器
func NewDeleteBuilder(dialect Dialect, table string) *DeleteBuilder {
	return &DeleteBuilder{dialect: dialect, table: table}
}

// Where 设置WHERE条件
func (d *DeleteBuilder) Where(condition string, args ...interface{}) *DeleteBuilder {
	d.conditions = append(d.conditions, condition)
	d.args = append(d.args, args...)
	return d
}

// Build 构建DELETE语句
func (d *DeleteBuilder) Build() string {
	query := "DELETE FROM " + d.table
	if len(d.conditions) > 0 {
		query += " WHERE " + strings.Join(d.conditions, " AND ")
	}
	return d.dialect.Rebind(query)
}

// Args 返回参数列表
func (d *DeleteBuilder) Args() []interface{} {
	return d.args
}

// Execute 执行DELETE
func (d *DeleteBuilder) Execute(ctx context.Context, db execer) (sql.Result, error) {
	return db.ExecContext(ctx, d.Build(), d.args...)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

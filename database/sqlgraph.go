package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	_ "github.com/denisenkom/go-mssqldb"
	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// DatabaseConfig holds the parts of a server connection string
type DatabaseConfig struct {
	ServerAddr string
	Port       int
	Username   string
	Password   string
	Database   string
}

// SQLServerDSN builds a go-mssqldb connection string
func SQLServerDSN(cfg DatabaseConfig) string {
	return fmt.Sprintf(
		"server=%s;user id=%s;password=%s;port=%d;database=%s;",
		cfg.ServerAddr, cfg.Username, cfg.Password, cfg.Port, cfg.Database,
	)
}

func MySQLDSN(cfg DatabaseConfig) string {
	mysqlConfig := mysql.NewConfig()
	mysqlConfig.User = cfg.Username
	mysqlConfig.Passwd = cfg.Password
	mysqlConfig.Net = "tcp"
	mysqlConfig.Addr = fmt.Sprintf("%s:%d", cfg.ServerAddr, cfg.Port)
	mysqlConfig.DBName = cfg.Database
	return mysqlConfig.FormatDSN()
}

var sqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS neurons (
		id BIGINT PRIMARY KEY,
		type VARCHAR(16) NOT NULL,
		channel INT NOT NULL,
		a REAL NOT NULL,
		b REAL NOT NULL,
		c REAL NOT NULL,
		d REAL NOT NULL,
		potential REAL NOT NULL,
		recovery REAL NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS synapses (
		source BIGINT NOT NULL,
		position INT NOT NULL,
		target BIGINT NOT NULL,
		weight REAL NOT NULL,
		PRIMARY KEY (source, position)
	)`,
}

// sqlserver has no CREATE TABLE IF NOT EXISTS
var sqlServerSchema = []string{
	`IF OBJECT_ID('neurons', 'U') IS NULL CREATE TABLE neurons (
		id BIGINT PRIMARY KEY,
		type VARCHAR(16) NOT NULL,
		channel INT NOT NULL,
		a REAL NOT NULL,
		b REAL NOT NULL,
		c REAL NOT NULL,
		d REAL NOT NULL,
		potential REAL NOT NULL,
		recovery REAL NOT NULL
	)`,
	`IF OBJECT_ID('synapses', 'U') IS NULL CREATE TABLE synapses (
		source BIGINT NOT NULL,
		position INT NOT NULL,
		target BIGINT NOT NULL,
		weight REAL NOT NULL,
		PRIMARY KEY (source, position)
	)`,
}

// SQLLoader reads the neurons and synapses tables through database/sql.
// Driver is one of sqlite3, mysql or sqlserver.
type SQLLoader struct {
	Driver string
	DSN    string
}

func (l SQLLoader) Load(ctx context.Context) (Graph, error) {
	db, err := sql.Open(l.Driver, l.DSN)
	if err != nil {
		return nil, fmt.Errorf("SQLLoader: error creating connection pool: %w", err)
	}
	defer db.Close()
	return ReadSQLGraph(ctx, db)
}

// ReadSQLGraph loads every neuron with its synapses in position order
func ReadSQLGraph(ctx context.Context, db *sql.DB) (Graph, error) {
	rows, err := db.QueryContext(
		ctx, "SELECT id, type, channel, a, b, c, d, potential, recovery FROM neurons ORDER BY id",
	)
	if err != nil {
		return nil, fmt.Errorf("ReadSQLGraph: %w", err)
	}
	var graph Graph
	index := make(map[uint64]int)
	for rows.Next() {
		var r Record
		var potential, recovery float32
		if err := rows.Scan(
			&r.ID, &r.Type, &r.Channel, &r.A, &r.B, &r.C, &r.D, &potential, &recovery,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("ReadSQLGraph: %w", err)
		}
		r.Potential, r.Recovery = &potential, &recovery
		v, err := r.Vertex()
		if err != nil {
			rows.Close()
			return nil, err
		}
		index[v.Id] = len(graph)
		graph = append(graph, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ReadSQLGraph: %w", err)
	}
	rows.Close()

	synapses, err := db.QueryContext(
		ctx, "SELECT source, target, weight FROM synapses ORDER BY source, position",
	)
	if err != nil {
		return nil, fmt.Errorf("ReadSQLGraph: %w", err)
	}
	defer synapses.Close()
	for synapses.Next() {
		var source, target uint64
		var weight float32
		if err := synapses.Scan(&source, &target, &weight); err != nil {
			return nil, fmt.Errorf("ReadSQLGraph: %w", err)
		}
		i, found := index[source]
		if !found {
			return nil, fmt.Errorf("ReadSQLGraph: %w: synapse from %d", ErrUnknownVertex, source)
		}
		graph[i].Edges = append(graph[i].Edges, Edge{Target: target, Weight: weight})
	}
	if err := synapses.Err(); err != nil {
		return nil, fmt.Errorf("ReadSQLGraph: %w", err)
	}
	return graph, nil
}

func placeholders(driver string, n int) string {
	marks := make([]string, n)
	for i := range marks {
		if driver == SQLSERVER {
			marks[i] = fmt.Sprintf("@p%d", i+1)
		} else {
			marks[i] = "?"
		}
	}
	return strings.Join(marks, ", ")
}

// UploadSQLGraph creates the tables if needed and inserts graph in one
// transaction
func UploadSQLGraph(ctx context.Context, db *sql.DB, driver string, graph Graph) error {
	schema := sqlSchema
	if driver == SQLSERVER {
		schema = sqlServerSchema
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("UploadSQLGraph: creating tables: %w", err)
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("UploadSQLGraph: %w", err)
	}
	defer tx.Rollback()

	insertNeuron, err := tx.PrepareContext(
		ctx, fmt.Sprintf(
			"INSERT INTO neurons (id, type, channel, a, b, c, d, potential, recovery) VALUES (%s)",
			placeholders(driver, 9),
		),
	)
	if err != nil {
		return fmt.Errorf("UploadSQLGraph: %w", err)
	}
	defer insertNeuron.Close()
	insertSynapse, err := tx.PrepareContext(
		ctx, fmt.Sprintf(
			"INSERT INTO synapses (source, position, target, weight) VALUES (%s)",
			placeholders(driver, 4),
		),
	)
	if err != nil {
		return fmt.Errorf("UploadSQLGraph: %w", err)
	}
	defer insertSynapse.Close()

	for _, v := range graph {
		s := v.State
		if _, err := insertNeuron.ExecContext(
			ctx, int64(v.Id), s.Type.String(), s.Channel, s.A, s.B, s.C, s.D, s.Potential, s.Recovery,
		); err != nil {
			return fmt.Errorf("UploadSQLGraph: neuron %d: %w", v.Id, err)
		}
		for position, e := range v.Edges {
			if _, err := insertSynapse.ExecContext(
				ctx, int64(v.Id), position, int64(e.Target), e.Weight,
			); err != nil {
				return fmt.Errorf("UploadSQLGraph: synapse %d -> %d: %w", v.Id, e.Target, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("UploadSQLGraph: %w", err)
	}
	log.Printf("UploadSQLGraph: %d neurons added\n", len(graph))
	return nil
}

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ColumnOverride holds curated metadata for one source column, merged over
// whatever introspection discovers.
type ColumnOverride struct {
	ColMeaning   string         `yaml:"col_meaning"`
	FieldMeaning map[string]any `yaml:"field_meaning"`
	ColAlias     []string       `yaml:"col_alias"`
	// RelCol references a related column as "tb_name.col_name" and takes
	// precedence over discovered foreign keys.
	RelCol string `yaml:"rel_col"`
}

// TableConfig describes one source table, keyed by tb_code in DatabaseConfig.
type TableConfig struct {
	TbName    string `yaml:"tb_name"`
	TbMeaning string `yaml:"tb_meaning"`
	// SyncCol restricts cell ingestion to the listed columns. Nil means all.
	SyncCol   []string                  `yaml:"sync_col"`
	NoSyncCol []string                  `yaml:"no_sync_col"`
	ColInfo   map[string]ColumnOverride `yaml:"col_info"`
}

// KnowledgeConfig is one curated business-metric definition.
type KnowledgeConfig struct {
	KnName  string   `yaml:"kn_name"`
	KnDesc  string   `yaml:"kn_desc"`
	KnDef   string   `yaml:"kn_def"`
	KnAlias []string `yaml:"kn_alias"`
	RelKn   []int    `yaml:"rel_kn"`
	// RelCol entries are "tb_name.col_name" references.
	RelCol []string `yaml:"rel_col"`
}

// DatabaseConfig describes one registered source database with its curated
// tables and knowledge.
type DatabaseConfig struct {
	DBCode   string `yaml:"db_code"`
	DBName   string `yaml:"db_name"`
	DBType   string `yaml:"db_type"` // mysql or postgresql
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`

	Table     map[string]TableConfig  `yaml:"table"`
	Knowledge map[int]KnowledgeConfig `yaml:"knowledge"`
}

// Validate checks the database configuration.
func (d *DatabaseConfig) Validate() error {
	if d.DBCode == "" {
		return fmt.Errorf("db_code is required")
	}
	if d.DBType != "mysql" && d.DBType != "postgresql" {
		return fmt.Errorf("database %s: invalid db_type: %s", d.DBCode, d.DBType)
	}
	for tbCode, tb := range d.Table {
		if tb.TbName == "" {
			return fmt.Errorf("database %s: table %s: tb_name is required", d.DBCode, tbCode)
		}
	}
	for knCode, kn := range d.Knowledge {
		for _, rel := range kn.RelCol {
			if _, _, err := SplitRelCol(rel); err != nil {
				return fmt.Errorf("database %s: knowledge %d: %w", d.DBCode, knCode, err)
			}
		}
	}
	return nil
}

// DriverName returns the database/sql driver for this source database.
func (d *DatabaseConfig) DriverName() string {
	if d.DBType == "postgresql" {
		return "postgres"
	}
	return "mysql"
}

// DSN builds the connection string for this source database.
func (d *DatabaseConfig) DSN() string {
	if d.DBType == "postgresql" {
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
			url.QueryEscape(d.User), url.QueryEscape(d.Password), d.Host, d.Port, d.Database)
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4",
		d.User, d.Password, d.Host, d.Port, d.Database)
}

// SplitRelCol parses a "tb_name.col_name" reference.
func SplitRelCol(s string) (tbName, colName string, err error) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid column reference %q, want tb_name.col_name", s)
	}
	return parts[0], parts[1], nil
}

// LoadDatabases loads per-database configurations from dir. Each database
// lives in its own subdirectory holding a db_info.yml plus any number of
// additional *.yml fragments merged over it in lexical order.
func LoadDatabases(dir string) (map[string]*DatabaseConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read database conf dir: %w", err)
	}

	databases := make(map[string]*DatabaseConfig)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sub := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(filepath.Join(sub, "db_info.yml")); err != nil {
			continue
		}

		fragments, err := filepath.Glob(filepath.Join(sub, "*.yml"))
		if err != nil {
			return nil, fmt.Errorf("glob database conf %s: %w", sub, err)
		}
		sort.Strings(fragments)

		cfg := &DatabaseConfig{}
		for _, fragment := range fragments {
			data, err := os.ReadFile(fragment)
			if err != nil {
				return nil, fmt.Errorf("read database conf %s: %w", fragment, err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse database conf %s: %w", fragment, err)
			}
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		databases[cfg.DBCode] = cfg
	}
	return databases, nil
}

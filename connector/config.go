package connector

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	cerrors "github.com/katasec/dstream-ingester-capture/internal/errors"
	"github.com/katasec/dstream-ingester-capture/internal/orchestrator"
	"github.com/katasec/dstream-ingester-capture/internal/policy"
)

// IngesterConfig holds the strongly-typed configuration of one capture pipeline
type IngesterConfig struct {
	Source               SourceConfig
	Snapshot             SnapshotConfig
	Filters              policy.FilterConfig
	Columns              policy.ColumnConfig
	IncludeSchemaChanges bool
	History              HistoryConfig
	Offsets              OffsetsConfig
	// Lock is nil when no distributed lock is configured
	Lock         *LockConfig
	Polling      PollingConfig
	Retry        RetryConfig
	MaxBatchSize int
	PollTimeout  time.Duration
}

// SourceConfig identifies the captured server
type SourceConfig struct {
	Type             string
	ConnectionString string
	// ServerName names the server in events, offsets and locks. Derived from the
	// connection string when empty.
	ServerName string
	// ServerID and Flavor apply to mysql only
	ServerID uint32
	Flavor   string
}

type SnapshotConfig struct {
	Mode             orchestrator.SnapshotMode
	FetchSize        int
	MaxMessageSize   int
	MaxRetries       int
	TolerateFailures bool
}

// HistoryConfig selects the schema history store: file or sqlite
type HistoryConfig struct {
	Type string
	Path string
}

// OffsetsConfig selects the offset store: sqlite, file, redis or sqlserver
type OffsetsConfig struct {
	Type             string
	Path             string
	ConnectionString string
	Password         string
	DB               int
	Key              string
	Table            string
}

// LockConfig holds configuration for distributed locking
type LockConfig struct {
	Type             string
	ConnectionString string
	ContainerName    string
}

// PollingConfig holds the change-table polling back-off
type PollingConfig struct {
	Interval    time.Duration
	MaxInterval time.Duration
}

// RetryConfig bounds reconnects and offset commits
type RetryConfig struct {
	MaxAttempts          int
	InitialInterval      time.Duration
	MaxInterval          time.Duration
	OffsetCommitAttempts int
}

var (
	sourceTypes  = map[string]bool{"mysql": true, "sqlserver": true}
	historyTypes = map[string]bool{"file": true, "sqlite": true}
	offsetTypes  = map[string]bool{"sqlite": true, "file": true, "redis": true, "sqlserver": true}
)

// validateConfig validates the plugin configuration and returns a strongly-typed IngesterConfig
func validateConfig(cfg *structpb.Struct) (*IngesterConfig, error) {
	if cfg == nil {
		return nil, cerrors.NewMissingOptionError("source")
	}
	raw := cfg.AsMap()
	GetLogger().Trace("Raw config map", "config", raw)

	config := &IngesterConfig{}

	// --- required: source ----------------------------------------------------------------------
	source, ok := raw["source"].(map[string]any)
	if !ok {
		return nil, cerrors.NewMissingOptionError("source")
	}
	r := reader{block: "source", raw: source}
	config.Source.Type = r.str("type")
	if config.Source.Type == "" {
		return nil, cerrors.NewMissingOptionError("source.type")
	}
	if !sourceTypes[config.Source.Type] {
		return nil, invalid("source.type", "must be mysql or sqlserver")
	}
	config.Source.ConnectionString = r.str("connection_string")
	if config.Source.ConnectionString == "" {
		return nil, cerrors.NewMissingOptionError("source.connection_string")
	}
	config.Source.ServerName = r.str("server_name")
	config.Source.ServerID = uint32(r.integer("server_id"))
	config.Source.Flavor = r.str("flavor")
	if err := r.err; err != nil {
		return nil, err
	}

	// --- optional: snapshot --------------------------------------------------------------------
	r = r.object(raw, "snapshot")
	config.Snapshot.Mode = orchestrator.SnapshotMode(r.str("mode"))
	switch config.Snapshot.Mode {
	case "":
		config.Snapshot.Mode = orchestrator.SnapshotInitial
	case orchestrator.SnapshotInitial, orchestrator.SnapshotAlways, orchestrator.SnapshotNever, orchestrator.SnapshotSchemaOnly:
	default:
		return nil, invalid("snapshot.mode", "must be initial, always, never or schema_only")
	}
	config.Snapshot.FetchSize = r.integer("fetch_size")
	config.Snapshot.MaxMessageSize = r.integer("max_message_size")
	config.Snapshot.MaxRetries = r.integer("max_retries")
	config.Snapshot.TolerateFailures = r.boolean("tolerate_failures")

	// --- optional: filters and column policy ---------------------------------------------------
	r = r.object(raw, "filters")
	config.Filters = policy.FilterConfig{
		IncludeDatabases: r.list("include_databases"),
		ExcludeDatabases: r.list("exclude_databases"),
		IncludeTables:    r.list("include_tables"),
		ExcludeTables:    r.list("exclude_tables"),
	}

	r = r.object(raw, "columns")
	config.Columns.Exclude = r.list("exclude")
	for _, rule := range r.rules("mask") {
		config.Columns.Mask = append(config.Columns.Mask, policy.MaskRule{Columns: rule.columns, Length: rule.length})
	}
	for _, rule := range r.rules("truncate") {
		config.Columns.Truncate = append(config.Columns.Truncate, policy.TruncateRule{Columns: rule.columns, Length: rule.length})
	}

	top := reader{raw: raw}
	config.IncludeSchemaChanges = top.boolean("include_schema_changes")
	config.MaxBatchSize = top.integer("max_batch_size")
	config.PollTimeout = top.duration("poll_timeout")
	if err := firstErr(r.err, top.err); err != nil {
		return nil, err
	}

	// --- optional: history and offset stores ---------------------------------------------------
	r = r.object(raw, "history")
	config.History = HistoryConfig{Type: r.str("type"), Path: r.str("path")}
	if config.History.Type == "" {
		config.History.Type = "file"
	}
	if !historyTypes[config.History.Type] {
		return nil, invalid("history.type", "must be file or sqlite")
	}

	r = r.object(raw, "offsets")
	config.Offsets = OffsetsConfig{
		Type:             r.str("type"),
		Path:             r.str("path"),
		ConnectionString: r.str("connection_string"),
		Password:         r.str("password"),
		DB:               r.integer("db"),
		Key:              r.str("key"),
		Table:            r.str("table"),
	}
	if config.Offsets.Type == "" {
		config.Offsets.Type = "sqlite"
	}
	if !offsetTypes[config.Offsets.Type] {
		return nil, invalid("offsets.type", "must be sqlite, file, redis or sqlserver")
	}
	if config.Offsets.Type == "redis" && config.Offsets.ConnectionString == "" {
		return nil, cerrors.NewMissingOptionError("offsets.connection_string")
	}
	if err := r.err; err != nil {
		return nil, err
	}

	// --- optional: lock configuration ----------------------------------------------------------
	if lock, ok := raw["lock"].(map[string]any); ok {
		r = reader{block: "lock", raw: lock}
		config.Lock = &LockConfig{
			Type:             r.str("type"),
			ConnectionString: r.str("connection_string"),
			ContainerName:    r.str("container_name"),
		}
		if config.Lock.Type == "" {
			config.Lock.Type = "azure_blob"
		}
		if config.Lock.ConnectionString == "" {
			return nil, cerrors.NewMissingOptionError("lock.connection_string")
		}
		if config.Lock.ContainerName == "" {
			return nil, cerrors.NewMissingOptionError("lock.container_name")
		}
	}

	// --- optional: polling and retry -----------------------------------------------------------
	r = r.object(raw, "polling")
	config.Polling = PollingConfig{Interval: r.duration("interval"), MaxInterval: r.duration("max_interval")}

	r = r.object(raw, "retry")
	config.Retry = RetryConfig{
		MaxAttempts:          r.integer("max_attempts"),
		InitialInterval:      r.duration("initial_interval"),
		MaxInterval:          r.duration("max_interval"),
		OffsetCommitAttempts: r.integer("offset_commit_attempts"),
	}
	if err := r.err; err != nil {
		return nil, err
	}

	return config, nil
}

func invalid(option, msg string) error {
	return cerrors.NewConfigError(cerrors.CodeInvalidOption, fmt.Sprintf("invalid config %s: %s", option, msg))
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// reader reads typed options of one config block, keeping the first type error.
// A missing block reads as empty.
type reader struct {
	block string
	raw   map[string]any
	err   error
}

func (r reader) object(raw map[string]any, block string) reader {
	next := reader{block: block, err: r.err}
	switch v := raw[block].(type) {
	case map[string]any:
		next.raw = v
	case nil:
	default:
		next.fail(block, "must be a block")
	}
	return next
}

func (r *reader) name(key string) string {
	if r.block == "" {
		return key
	}
	return r.block + "." + key
}

func (r *reader) fail(option, msg string) {
	if r.err == nil {
		r.err = invalid(option, msg)
	}
}

func (r *reader) str(key string) string {
	switch v := r.raw[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		r.fail(r.name(key), "must be a string")
		return ""
	}
}

// integer accepts numbers, which structpb decodes as float64
func (r *reader) integer(key string) int {
	switch v := r.raw[key].(type) {
	case nil:
		return 0
	case float64:
		if v < 0 || v != float64(int(v)) {
			r.fail(r.name(key), "must be a non-negative whole number")
			return 0
		}
		return int(v)
	default:
		r.fail(r.name(key), "must be a number")
		return 0
	}
}

func (r *reader) boolean(key string) bool {
	switch v := r.raw[key].(type) {
	case nil:
		return false
	case bool:
		return v
	default:
		r.fail(r.name(key), "must be true or false")
		return false
	}
}

func (r *reader) duration(key string) time.Duration {
	s := r.str(key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		r.fail(r.name(key), fmt.Sprintf("%q is not a duration", s))
		return 0
	}
	return d
}

// list accepts a list of strings, or a single string
func (r *reader) list(key string) []string {
	switch v := r.raw[key].(type) {
	case nil:
		return nil
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				r.fail(r.name(key), "must be a list of strings")
				return nil
			}
			out = append(out, s)
		}
		return out
	default:
		r.fail(r.name(key), "must be a list of strings")
		return nil
	}
}

type columnRule struct {
	columns []string
	length  int
}

// rules reads [{ columns = [...], length = N }]
func (r *reader) rules(key string) []columnRule {
	items, ok := r.raw[key].([]any)
	if !ok {
		if r.raw[key] != nil {
			r.fail(r.name(key), "must be a list of rules")
		}
		return nil
	}
	var out []columnRule
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			r.fail(r.name(key), "must be a list of rules")
			return nil
		}
		rr := reader{block: fmt.Sprintf("%s[%d]", r.name(key), i), raw: m}
		rule := columnRule{columns: rr.list("columns"), length: rr.integer("length")}
		if rr.err != nil {
			if r.err == nil {
				r.err = rr.err
			}
			return nil
		}
		if len(rule.columns) == 0 {
			r.fail(rr.block+".columns", "must name at least one column")
			return nil
		}
		out = append(out, rule)
	}
	return out
}

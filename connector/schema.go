package connector

import "context"

// FieldType is the type of a config field
type FieldType string

const (
	FieldTypeString FieldType = "string"
	FieldTypeNumber FieldType = "number"
	FieldTypeBool   FieldType = "bool"
	FieldTypeList   FieldType = "list"
	FieldTypeObject FieldType = "object"
)

// FieldSchema describes one config field so a host can validate or prompt for it
type FieldSchema struct {
	Name        string         `json:"name"`
	Type        FieldType      `json:"type"`
	Required    bool           `json:"required"`
	Description string         `json:"description,omitempty"`
	Fields      []*FieldSchema `json:"fields,omitempty"`
}

func field(name string, t FieldType, description string) *FieldSchema {
	return &FieldSchema{Name: name, Type: t, Description: description}
}

func required(f *FieldSchema) *FieldSchema {
	f.Required = true
	return f
}

func object(name, description string, fields ...*FieldSchema) *FieldSchema {
	return &FieldSchema{Name: name, Type: FieldTypeObject, Description: description, Fields: fields}
}

func columnRules(name, description string) *FieldSchema {
	return &FieldSchema{
		Name:        name,
		Type:        FieldTypeList,
		Description: description,
		Fields: []*FieldSchema{
			required(field("columns", FieldTypeList, "Column patterns, matched against database.table.column")),
			field("length", FieldTypeNumber, ""),
		},
	}
}

// GetSchema advertises hierarchical fields so the CLI can validate / prompt
func (p *Plugin) GetSchema(context.Context) ([]*FieldSchema, error) {
	return []*FieldSchema{
		required(object("source", "The captured database server",
			required(field("type", FieldTypeString, "mysql or sqlserver")),
			required(field("connection_string", FieldTypeString, "Connection string of the source server")),
			field("server_name", FieldTypeString, "Logical server name; derived from the connection string when empty"),
			field("server_id", FieldTypeNumber, "MySQL replica server id, unique among replicas"),
			field("flavor", FieldTypeString, "mysql or mariadb"),
		)),
		object("snapshot", "Initial snapshot behaviour",
			field("mode", FieldTypeString, "initial, always, never or schema_only"),
			field("fetch_size", FieldTypeNumber, "Rows per snapshot page; sized from sampled rows when unset"),
			field("max_message_size", FieldTypeNumber, "Byte budget per page when fetch_size is unset"),
			field("max_retries", FieldTypeNumber, "Attempts per failed page"),
			field("tolerate_failures", FieldTypeBool, "Skip tables whose pages keep failing"),
		),
		object("filters", "Captured databases and tables",
			field("include_databases", FieldTypeList, ""),
			field("exclude_databases", FieldTypeList, ""),
			field("include_tables", FieldTypeList, "Patterns matched against database.table"),
			field("exclude_tables", FieldTypeList, ""),
		),
		object("columns", "Column exclusion, masking and truncation",
			field("exclude", FieldTypeList, "Column patterns removed from events"),
			columnRules("mask", "Replace values with length asterisks"),
			columnRules("truncate", "Cut string values to length characters"),
		),
		field("include_schema_changes", FieldTypeBool, "Emit schema change events"),
		object("history", "Schema history store",
			field("type", FieldTypeString, "file or sqlite"),
			field("path", FieldTypeString, ""),
		),
		object("offsets", "Offset store",
			field("type", FieldTypeString, "sqlite, file, redis or sqlserver"),
			field("path", FieldTypeString, "sqlite and file stores"),
			field("connection_string", FieldTypeString, "Redis address or SQL Server connection string"),
			field("password", FieldTypeString, "Redis password"),
			field("db", FieldTypeNumber, "Redis database"),
			field("key", FieldTypeString, "Redis key"),
			field("table", FieldTypeString, "SQL Server checkpoint table"),
		),
		object("lock", "Distributed-lock configuration",
			field("type", FieldTypeString, "azure_blob"),
			required(field("connection_string", FieldTypeString, "")),
			required(field("container_name", FieldTypeString, "")),
		),
		object("polling", "Poll/back-off tuning",
			field("interval", FieldTypeString, ""),
			field("max_interval", FieldTypeString, ""),
		),
		object("retry", "Reconnect and commit retries",
			field("max_attempts", FieldTypeNumber, "Consecutive tailer reconnects before failing"),
			field("initial_interval", FieldTypeString, ""),
			field("max_interval", FieldTypeString, ""),
			field("offset_commit_attempts", FieldTypeNumber, ""),
		),
		field("max_batch_size", FieldTypeNumber, "Events per poll while streaming"),
		field("poll_timeout", FieldTypeString, "How long a streaming poll waits for changes"),
	}, nil
}

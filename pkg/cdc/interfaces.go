package cdc

import "context"

// LogTailer is a pull iterator over a database change log
type LogTailer interface {
	// Start positions the tailer. A zero Position starts at the earliest available record.
	Start(ctx context.Context, from Position) error

	// Next blocks until a record is available or ctx is done
	Next(ctx context.Context) (Record, error)

	// CurrentPosition returns the position the next written change will receive
	CurrentPosition(ctx context.Context) (Position, error)

	// Close releases the connection held by the tailer
	Close() error
}

// OffsetStore durably keeps the single most recent offset of a pipeline
type OffsetStore interface {
	// Load returns nil when nothing has been committed yet
	Load(ctx context.Context) (*Offset, error)
	Save(ctx context.Context, offset Offset) error
	Close() error
}

// ChangePublisher is an interface for publishing change events downstream
type ChangePublisher interface {
	// PublishChanges publishes a batch of change events to a queue or topic.
	// Returns a channel that will receive true when all messages are successfully published.
	// The entire batch should succeed or fail atomically.
	PublishChanges(ctx context.Context, events []ChangeEvent) (<-chan bool, error)

	// Close releases any resources used by the publisher
	Close() error
}
